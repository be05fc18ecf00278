package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/clubhoused/internal/events"
	"github.com/sevir/clubhoused/internal/lifecycle"
	"github.com/sevir/clubhoused/internal/supervisor"
	"github.com/sevir/clubhoused/pkg/models"
)

type fakeManager struct {
	mu       sync.Mutex
	records  map[string]models.AgentRecord
	spawnErr error
	killErr  error
	kills    []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{records: make(map[string]models.AgentRecord)}
}

func (f *fakeManager) SpawnAgent(ctx context.Context, req models.SpawnRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[req.AgentID] = models.AgentRecord{
		AgentID:      req.AgentID,
		ProjectPath:  req.ProjectPath,
		Cwd:          req.Cwd,
		Kind:         req.Kind,
		Orchestrator: req.Orchestrator,
		Nonce:        "secret-nonce",
		StartedAt:    time.Now(),
	}
	return nil
}

func (f *fakeManager) KillAgent(ctx context.Context, agentID, projectPath, override string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, fmt.Sprintf("%s|%s|%s", agentID, projectPath, override))
	return nil
}

func (f *fakeManager) CheckAvailability(ctx context.Context, projectPath, orchestratorID string) models.Availability {
	if orchestratorID == "cursor" {
		return models.Availability{Error: "Unknown orchestrator: cursor"}
	}
	return models.Availability{Available: true}
}

func (f *fakeManager) GetAvailableOrchestrators() []models.OrchestratorInfo {
	return []models.OrchestratorInfo{
		{ID: "claude-code", DisplayName: "Claude Code", Capabilities: models.Capabilities{Hooks: true}},
		{ID: "opencode", DisplayName: "OpenCode", Badge: "Beta"},
	}
}

func (f *fakeManager) Agent(agentID string) (models.AgentRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[agentID]
	return rec, ok
}

func (f *fakeManager) Agents() []models.AgentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AgentRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out
}

func (f *fakeManager) UntrackAgent(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, agentID)
}

func setupTestServer(t *testing.T) (*Server, *fakeManager, *events.Broadcaster) {
	t.Helper()
	mgr := newFakeManager()
	b := events.NewBroadcaster()
	t.Cleanup(b.Close)
	srv := New(Config{
		Addr:        "127.0.0.1:0",
		Manager:     mgr,
		Broadcaster: b,
		Version:     "1.2.3",
		Commit:      "abc123",
	})
	return srv, mgr, b
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestVersionEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "1.2.3", resp["version"])
	assert.Equal(t, "abc123", resp["commit"])
}

func TestOrchestratorsAndAvailability(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/orchestrators", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orchestrators []models.OrchestratorInfo `json:"orchestrators"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Orchestrators, 2)
	assert.True(t, list.Orchestrators[0].Capabilities.Hooks)

	w = do(t, srv, http.MethodGet, "/api/availability?orchestrator=cursor", "")
	require.Equal(t, http.StatusOK, w.Code)
	var avail models.Availability
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &avail))
	assert.Equal(t, models.Availability{Error: "Unknown orchestrator: cursor"}, avail)
}

func TestSpawnAgentEndpoint(t *testing.T) {
	srv, mgr, _ := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/agents", `{"agent_id":"a1","project_path":"/tmp/p","mission":"fix it"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret-nonce")

	_, ok := mgr.Agent("a1")
	assert.True(t, ok)

	w = do(t, srv, http.MethodPost, "/api/agents", `{"project_path":"/tmp/p"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	agent := decode(t, w)["agent"].(map[string]any)
	assert.True(t, strings.HasPrefix(agent["agent_id"].(string), "agent-"))
}

func TestSpawnAgentEndpointErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		spawnErr error
		want     int
	}{
		{"malformed json", `{`, nil, http.StatusBadRequest},
		{"missing project", `{"agent_id":"a1"}`, nil, http.StatusBadRequest},
		{"bad kind", `{"agent_id":"a1","project_path":"/p","kind":"forever"}`, nil, http.StatusBadRequest},
		{"unknown orchestrator", `{"agent_id":"a1","project_path":"/p"}`, &lifecycle.UnknownOrchestratorError{ID: "cursor"}, http.StatusUnprocessableEntity},
		{"duplicate", `{"agent_id":"a1","project_path":"/p"}`, fmt.Errorf("%w: a1", lifecycle.ErrAlreadyTracked), http.StatusConflict},
		{"spawn failure", `{"agent_id":"a1","project_path":"/p"}`, errors.New("exec failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mgr, _ := setupTestServer(t)
			mgr.spawnErr = tt.spawnErr

			w := do(t, srv, http.MethodPost, "/api/agents", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestAgentGetListAndUntrack(t *testing.T) {
	srv, mgr, _ := setupTestServer(t)
	require.NoError(t, mgr.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: "/p"}))

	w := do(t, srv, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["agents"], 1)

	w = do(t, srv, http.MethodGet, "/api/agents/a1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-nonce")

	w = do(t, srv, http.MethodGet, "/api/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodDelete, "/api/agents/a1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, srv, http.MethodDelete, "/api/agents/a1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKillAgentEndpoint(t *testing.T) {
	srv, mgr, _ := setupTestServer(t)
	require.NoError(t, mgr.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: "/p"}))

	w := do(t, srv, http.MethodPost, "/api/agents/a1/kill", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/agents/a1/kill", `{"orchestrator":"gemini-cli"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"a1|/p|", "a1|/p|gemini-cli"}, mgr.kills)

	w = do(t, srv, http.MethodPost, "/api/agents/ghost/kill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	mgr.killErr = fmt.Errorf("failed to stop agent a1: %w", supervisor.ErrNotRunning)
	w = do(t, srv, http.MethodPost, "/api/agents/a1/kill", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	mgr.killErr = &lifecycle.UnknownOrchestratorError{ID: "nope"}
	w = do(t, srv, http.MethodPost, "/api/agents/a1/kill", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCORSAllowsOnlyLoopbackOrigins(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/agents", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.True(t, allowedOrigin("http://127.0.0.1:3000"))
	assert.True(t, allowedOrigin("http://[::1]:3000"))
	assert.False(t, allowedOrigin("http://192.168.1.10"))
}

func TestEventsWebsocket(t *testing.T) {
	srv, _, b := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?agent_id=A"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello eventMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Publish(models.HookEvent{AgentID: "B", EventName: "PreToolUse", Payload: json.RawMessage(`{}`)})
	b.Publish(models.HookEvent{AgentID: "A", EventName: "Stop", Payload: json.RawMessage(`{"ok":true}`)})

	var msg struct {
		Type    string           `json:"type"`
		Payload models.HookEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "hook_event", msg.Type)
	assert.Equal(t, "A", msg.Payload.AgentID)
	assert.Equal(t, "Stop", msg.Payload.EventName)

	conn.Close()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
