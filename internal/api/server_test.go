package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jordanhubbard/autorun/internal/auth"
	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/internal/logging"
	"github.com/jordanhubbard/autorun/pkg/messages"
	"github.com/jordanhubbard/autorun/pkg/models"
)

type fakeAutoRun struct {
	mu       sync.Mutex
	settings models.Settings
	agents   []models.AgentType
	stops    int
	saveErr  error
}

func newFakeAutoRun() *fakeAutoRun {
	return &fakeAutoRun{
		agents: []models.AgentType{"trader", "modius"},
		settings: models.Settings{
			IsInitialized:  true,
			IncludedAgents: []models.IncludedAgent{{AgentType: "trader", Order: 0}},
		},
	}
}

func (f *fakeAutoRun) Settings() models.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings.Clone()
}

func (f *fakeAutoRun) CurrentAgent() models.AgentType { return "trader" }

func (f *fakeAutoRun) IncludedAgents() []models.IncludedAgent {
	return f.Settings().IncludedAgents
}

func (f *fakeAutoRun) ExcludedAgents() []models.AgentType {
	included := map[models.AgentType]bool{}
	for _, a := range f.IncludedAgents() {
		included[a.AgentType] = true
	}
	var out []models.AgentType
	for _, a := range f.agents {
		if !included[a] {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeAutoRun) EligibilityByAgent() map[models.AgentType]models.Eligibility {
	return map[models.AgentType]models.Eligibility{
		"trader": {CanRun: true},
		"modius": {Reason: autorun.ReasonLowBalance},
	}
}

func (f *fakeAutoRun) Status() autorun.Status {
	return autorun.Status{Enabled: f.Settings().Enabled, RunningAgent: "trader", Rewards: map[models.AgentType]string{}}
}

func (f *fakeAutoRun) SetEnabled(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.Enabled = enabled
	return f.saveErr
}

func (f *fakeAutoRun) IncludeAgent(ctx context.Context, agentType models.AgentType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.IncludedAgents = autorun.AppendIncludedAgents(f.settings.IncludedAgents, agentType)
	return nil
}

func (f *fakeAutoRun) ExcludeAgent(ctx context.Context, agentType models.AgentType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.IncludedAgent
	for _, a := range f.settings.IncludedAgents {
		if a.AgentType != agentType {
			kept = append(kept, a)
		}
	}
	f.settings.IncludedAgents = kept
	return nil
}

func (f *fakeAutoRun) StopCurrentRunningAgent(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return true
}

func (f *fakeAutoRun) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeSelection struct {
	mu  sync.Mutex
	sel models.Selection
}

func (f *fakeSelection) Selection() models.Selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sel
}

func (f *fakeSelection) SelectAgent(agentType models.AgentType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sel = models.Selection{AgentType: agentType}
}

type captureEmitter struct {
	mu     sync.Mutex
	events []string
}

func (c *captureEmitter) Emit(event *messages.EventMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event.Type)
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *fakeAutoRun) {
	t.Helper()
	ar := newFakeAutoRun()
	if opts.AutoRun == nil {
		opts.AutoRun = ar
	}
	if opts.Selection == nil {
		opts.Selection = &fakeSelection{}
	}
	srv := httptest.NewServer(NewServer(opts).SetupRoutes())
	t.Cleanup(srv.Close)
	return srv, ar
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{HealthChecks: map[string]func() error{
		"store": func() error { return nil },
	}})
	var body map[string]interface{}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthDegraded(t *testing.T) {
	srv, _ := newTestServer(t, Options{HealthChecks: map[string]func() error{
		"nats": func() error { return errors.New("not connected") },
	}})
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil))
}

func TestGetAutoRun(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	var body AutoRunResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/autorun", nil, &body))

	assert.Equal(t, models.AgentType("trader"), body.CurrentAgent)
	assert.Equal(t, []models.AgentType{"modius"}, body.ExcludedAgents)
	assert.Equal(t, "Low balance", body.Eligibility["modius"].Display)
	assert.True(t, body.Eligibility["trader"].CanRun)
}

func TestEnableDisable(t *testing.T) {
	em := &captureEmitter{}
	srv, ar := newTestServer(t, Options{Events: em})

	var body AutoRunResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/enable", nil, &body))
	assert.True(t, body.Enabled)
	assert.True(t, ar.Settings().Enabled)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/disable", nil, &body))
	assert.False(t, body.Enabled)
	assert.Equal(t, []string{messages.EventAutoRunEnabled, messages.EventAutoRunDisabled}, em.events)

	assert.Equal(t, http.StatusMethodNotAllowed, doJSON(t, http.MethodGet, srv.URL+"/api/v1/autorun/enable", nil, nil))
}

func TestEnablePersistFailure(t *testing.T) {
	ar := newFakeAutoRun()
	ar.saveErr = errors.New("disk full")
	srv, _ := newTestServer(t, Options{AutoRun: ar})
	assert.Equal(t, http.StatusInternalServerError, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/enable", nil, nil))
}

func TestIncludeExclude(t *testing.T) {
	srv, ar := newTestServer(t, Options{})

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/agents/modius/include", nil, nil))
	assert.Len(t, ar.IncludedAgents(), 2)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/agents/trader/exclude", nil, nil))
	included := ar.IncludedAgents()
	require.Len(t, included, 1)
	assert.Equal(t, models.AgentType("modius"), included[0].AgentType)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/agents/ghost/include", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/agents/trader/promote", nil, nil))
}

func TestStop(t *testing.T) {
	srv, ar := newTestServer(t, Options{})
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/autorun/stop", nil, nil))
	assert.Eventually(t, func() bool { return ar.stopCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSelection(t *testing.T) {
	sel := &fakeSelection{}
	srv, _ := newTestServer(t, Options{Selection: sel})

	var got models.Selection
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/selection", selectionRequest{AgentType: "modius"}, &got))
	assert.Equal(t, models.AgentType("modius"), got.AgentType)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/selection", nil, &got))
	assert.Equal(t, models.AgentType("modius"), got.AgentType)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/api/v1/selection", selectionRequest{AgentType: "ghost"}, nil))
}

func TestExecuteRejectsInvalidCommand(t *testing.T) {
	s := NewServer(Options{AutoRun: newFakeAutoRun()})
	err := s.Execute(context.Background(), messages.NewCommand("reboot", "", "nats"))
	assert.ErrorIs(t, err, errInvalidCommand)
}

func TestLogs(t *testing.T) {
	lm := logging.NewManager(nil)
	lm.Info("autorun", "start trader", nil)
	lm.Error("host", "refresh failed", nil)
	srv, _ := newTestServer(t, Options{Logs: lm})

	var body struct {
		Logs  []logging.LogEntry `json:"logs"`
		Count int                `json:"count"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/logs?level=error", nil, &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "refresh failed", body.Logs[0].Message)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/api/v1/logs?since=yesterday", nil, nil))
}

func TestAuthRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("key"), bcrypt.MinCost)
	require.NoError(t, err)
	am := auth.NewManager("secret", string(hash), time.Hour)
	srv, _ := newTestServer(t, Options{Auth: am})

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, http.MethodGet, srv.URL+"/api/v1/autorun", nil, nil))

	var tok auth.TokenResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/token", auth.TokenRequest{APIKey: "key"}, &tok))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/autorun", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/autorun", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/autorun/agents/{type}/include", routeLabel("/api/v1/autorun/agents/trader/include"))
	assert.Equal(t, "/api/v1/autorun", routeLabel("/api/v1/autorun"))
}

func TestEventStream(t *testing.T) {
	hub := NewHub()
	srv, _ := newTestServer(t, Options{Hub: hub})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello messages.EventMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "stream.connected", hello.Type)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	hub.Broadcast(messages.AgentStarted("trader", "autorund"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev messages.EventMessage
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, messages.EventAgentStarted, ev.Type)
	assert.Equal(t, "trader", ev.AgentType)
}

func TestHubFilterAndSlowClient(t *testing.T) {
	hub := NewHub()
	c := hub.register(messages.EventAutoRunRotation)
	hub.Broadcast(messages.AgentStarted("trader", ""))
	assert.Len(t, c.send, 0)

	for i := 0; i < clientSendSize+5; i++ {
		hub.Broadcast(messages.Rotation("trader", ""))
	}
	assert.Len(t, c.send, clientSendSize)
	hub.unregister(c)
	assert.Equal(t, 0, hub.Clients())
}
