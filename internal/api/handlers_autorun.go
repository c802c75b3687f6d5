package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/pkg/messages"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// eligibilityView is one agent's eligibility with its display reason.
type eligibilityView struct {
	models.Eligibility
	Display string `json:"display"`
}

// AutoRunResponse is returned by GET /api/v1/autorun.
type AutoRunResponse struct {
	Enabled        bool                                  `json:"enabled"`
	IsInitialized  bool                                  `json:"isInitialized"`
	CurrentAgent   models.AgentType                      `json:"currentAgent,omitempty"`
	RunningAgent   models.AgentType                      `json:"runningAgent,omitempty"`
	SelectedAgent  models.AgentType                      `json:"selectedAgent,omitempty"`
	Busy           bool                                  `json:"busy"`
	HasActivated   bool                                  `json:"hasActivated"`
	NextScanAt     *time.Time                            `json:"nextScanAt,omitempty"`
	IncludedAgents []models.IncludedAgent                `json:"includedAgents"`
	ExcludedAgents []models.AgentType                    `json:"excludedAgents"`
	Eligibility    map[models.AgentType]eligibilityView `json:"eligibility"`
	Rewards        map[models.AgentType]string           `json:"rewards"`
}

func (s *Server) snapshot() AutoRunResponse {
	settings := s.autorun.Settings()
	status := s.autorun.Status()

	resp := AutoRunResponse{
		Enabled:        settings.Enabled,
		IsInitialized:  settings.IsInitialized,
		CurrentAgent:   s.autorun.CurrentAgent(),
		RunningAgent:   status.RunningAgent,
		SelectedAgent:  status.SelectedAgent,
		Busy:           status.Busy,
		HasActivated:   status.HasActivated,
		NextScanAt:     status.NextScanAt,
		IncludedAgents: s.autorun.IncludedAgents(),
		ExcludedAgents: s.autorun.ExcludedAgents(),
		Eligibility:    make(map[models.AgentType]eligibilityView),
		Rewards:        status.Rewards,
	}
	if resp.IncludedAgents == nil {
		resp.IncludedAgents = []models.IncludedAgent{}
	}
	if resp.ExcludedAgents == nil {
		resp.ExcludedAgents = []models.AgentType{}
	}
	for agentType, e := range s.autorun.EligibilityByAgent() {
		resp.Eligibility[agentType] = eligibilityView{Eligibility: e, Display: autorun.FormatEligibilityReason(e)}
	}
	return resp
}

// handleAutoRun handles GET /api/v1/autorun
func (s *Server) handleAutoRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, messages.NewCommand(messages.CommandEnable, "", s.source))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, messages.NewCommand(messages.CommandDisable, "", s.source))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, messages.NewCommand(messages.CommandStop, "", s.source))
}

// handleAgentMembership handles POST /api/v1/autorun/agents/{type}/{include|exclude}
func (s *Server) handleAgentMembership(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/autorun/agents/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	switch parts[1] {
	case messages.CommandInclude, messages.CommandExclude:
		s.runCommand(w, r, messages.NewCommand(parts[1], parts[0], s.source))
	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, cmd *messages.CommandMessage) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.Execute(r.Context(), cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnknownAgent) || errors.Is(err, errInvalidCommand) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.snapshot())
}

var (
	errUnknownAgent   = errors.New("unknown agent")
	errInvalidCommand = errors.New("invalid command")
)

// Execute applies a command from the API or the message bus.
func (s *Server) Execute(ctx context.Context, cmd *messages.CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidCommand, err)
	}

	agentType := models.AgentType(cmd.AgentType)
	switch cmd.Command {
	case messages.CommandEnable, messages.CommandDisable:
		enabled := cmd.Command == messages.CommandEnable
		if err := s.autorun.SetEnabled(ctx, enabled); err != nil {
			return err
		}
		s.emit(messages.AutoRunToggled(enabled, cmd.Source))
	case messages.CommandInclude:
		if !s.knownAgent(agentType) {
			return fmt.Errorf("%w: %s", errUnknownAgent, agentType)
		}
		if err := s.autorun.IncludeAgent(ctx, agentType); err != nil {
			return err
		}
		s.emit(messages.SettingsChanged(cmd.Source, map[string]interface{}{"included": cmd.AgentType}))
	case messages.CommandExclude:
		if err := s.autorun.ExcludeAgent(ctx, agentType); err != nil {
			return err
		}
		s.emit(messages.SettingsChanged(cmd.Source, map[string]interface{}{"excluded": cmd.AgentType}))
	case messages.CommandStop:
		// Stopping waits for confirmation; the caller gets the result
		// through the event stream.
		go s.autorun.StopCurrentRunningAgent(context.WithoutCancel(ctx))
	}
	return nil
}

func (s *Server) knownAgent(agentType models.AgentType) bool {
	_, ok := s.autorun.EligibilityByAgent()[agentType]
	return ok
}

type selectionRequest struct {
	AgentType models.AgentType `json:"agentType"`
}

// handleSelection handles GET|POST /api/v1/selection
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if s.selection == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Selection not available")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.selection.Selection())
	case http.MethodPost:
		var req selectionRequest
		if err := s.parseJSON(r, &req); err != nil || req.AgentType == "" {
			s.respondError(w, http.StatusBadRequest, "agentType is required")
			return
		}
		if !s.knownAgent(req.AgentType) {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent %s", req.AgentType))
			return
		}
		s.selection.SelectAgent(req.AgentType)
		s.respondJSON(w, http.StatusOK, s.selection.Selection())
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
