package api

import (
	"log"
	"net/http"

	"github.com/jordanhubbard/autorun/pkg/messages"
)

// handleEventStream upgrades GET /api/v1/events/stream to a websocket
// that receives daemon events. ?type= limits the stream to one event type.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] websocket upgrade failed: %v", err)
		return
	}

	hello := &messages.EventMessage{
		Type:   "stream.connected",
		Source: s.source,
		Event: messages.EventData{
			Action:   "connected",
			Category: "system",
			Data:     map[string]interface{}{"snapshot": s.snapshot()},
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return
	}
	s.hub.serve(conn, r.URL.Query().Get("type"))
}
