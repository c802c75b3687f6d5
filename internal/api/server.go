// Package api serves the daemon's control API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/autorun/internal/auth"
	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/internal/logging"
	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/pkg/messages"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// AutoRun is the auto-run surface the API drives.
type AutoRun interface {
	Settings() models.Settings
	CurrentAgent() models.AgentType
	IncludedAgents() []models.IncludedAgent
	ExcludedAgents() []models.AgentType
	EligibilityByAgent() map[models.AgentType]models.Eligibility
	Status() autorun.Status
	SetEnabled(ctx context.Context, enabled bool) error
	IncludeAgent(ctx context.Context, agentType models.AgentType) error
	ExcludeAgent(ctx context.Context, agentType models.AgentType) error
	StopCurrentRunningAgent(ctx context.Context) bool
}

// LogQuerier returns log entries.
type LogQuerier interface {
	Query(f logging.Filter) ([]logging.LogEntry, error)
}

// Emitter publishes events without blocking.
type Emitter interface {
	Emit(event *messages.EventMessage)
}

// Options wires the server's collaborators. Auth, Logs, Events and
// Metrics are optional.
type Options struct {
	AutoRun        AutoRun
	Selection      autorun.SelectionSource
	Logs           LogQuerier
	Hub            *Hub
	Auth           *auth.Manager
	Events         Emitter
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	HealthChecks   map[string]func() error
	Source         string
}

// Server represents the HTTP API server
type Server struct {
	autorun   AutoRun
	selection autorun.SelectionSource
	logs      LogQuerier
	hub       *Hub
	auth      *auth.Manager
	events    Emitter
	metrics   *metrics.Metrics
	origins   []string
	health    map[string]func() error
	source    string
	started   time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Source == "" {
		opts.Source = "api"
	}
	return &Server{
		autorun:   opts.AutoRun,
		selection: opts.Selection,
		logs:      opts.Logs,
		hub:       opts.Hub,
		auth:      opts.Auth,
		events:    opts.Events,
		metrics:   opts.Metrics,
		origins:   opts.AllowedOrigins,
		health:    opts.HealthChecks,
		source:    opts.Source,
		started:   time.Now(),
	}
}

// Hub returns the websocket hub events are broadcast on.
func (s *Server) Hub() *Hub { return s.hub }

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	if s.auth != nil {
		mux.HandleFunc("/api/v1/auth/token", auth.NewHandlers(s.auth).HandleToken)
	}

	mux.HandleFunc("/api/v1/autorun", s.handleAutoRun)
	mux.HandleFunc("/api/v1/autorun/enable", s.handleEnable)
	mux.HandleFunc("/api/v1/autorun/disable", s.handleDisable)
	mux.HandleFunc("/api/v1/autorun/stop", s.handleStop)
	mux.HandleFunc("/api/v1/autorun/agents/", s.handleAgentMembership)
	mux.HandleFunc("/api/v1/selection", s.handleSelection)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware("/health", "/metrics", "/api/v1/auth/token")(handler)
	}
	handler = s.corsMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	return otelhttp.NewHandler(handler, "autorun-api")
}

// handleHealth reports liveness plus the state of optional dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	s.respondJSON(w, status, map[string]interface{}{
		"status": state,
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"checks": checks,
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// metricsMiddleware records request counts and latency
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/events/stream" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), time.Since(began).Seconds())
	})
}

// routeLabel collapses agent paths to keep metric cardinality bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/autorun/agents/") {
		if strings.HasSuffix(path, "/include") {
			return "/api/v1/autorun/agents/{type}/include"
		}
		if strings.HasSuffix(path, "/exclude") {
			return "/api/v1/autorun/agents/{type}/exclude"
		}
		return "/api/v1/autorun/agents/{type}"
	}
	return path
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range s.origins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) emit(event *messages.EventMessage) {
	if s.events != nil {
		s.events.Emit(event)
	}
}
