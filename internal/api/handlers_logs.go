package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/autorun/internal/logging"
)

// handleLogs handles GET /api/v1/logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.logs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Logging not available")
		return
	}

	q := r.URL.Query()
	f := logging.Filter{
		Level:     q.Get("level"),
		Source:    q.Get("source"),
		AgentType: q.Get("agent"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since (want a duration like 15m)")
			return
		}
		f.Since = time.Now().Add(-d)
	}

	entries, err := s.logs.Query(f)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"logs": entries, "count": len(entries)})
}
