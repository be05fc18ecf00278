package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/clubhoused/internal/agent"
	"github.com/sevir/clubhoused/internal/hookserver"
	"github.com/sevir/clubhoused/internal/snapshot"
	"github.com/sevir/clubhoused/internal/store"
	"github.com/sevir/clubhoused/internal/supervisor"
	"github.com/sevir/clubhoused/pkg/models"
)

type killCall struct {
	agentID   string
	exitInput string
}

type fakeSupervisor struct {
	mu       sync.Mutex
	specs    map[string]supervisor.SpawnSpec
	running  map[string]bool
	kills    []killCall
	spawnErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		specs:   make(map[string]supervisor.SpawnSpec),
		running: make(map[string]bool),
	}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, spec supervisor.SpawnSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.specs[spec.AgentID] = spec
	f.running[spec.AgentID] = true
	return nil
}

func (f *fakeSupervisor) GracefulKill(agentID, exitInput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[agentID] {
		return fmt.Errorf("%w: %s", supervisor.ErrNotRunning, agentID)
	}
	f.kills = append(f.kills, killCall{agentID, exitInput})
	return nil
}

func (f *fakeSupervisor) IsRunning(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[agentID]
}

func (f *fakeSupervisor) Shutdown() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		f.exit(id, -1)
	}
}

// exit simulates the process ending and runs its exit callback.
func (f *fakeSupervisor) exit(agentID string, code int) {
	f.mu.Lock()
	spec, ok := f.specs[agentID]
	delete(f.running, agentID)
	f.mu.Unlock()
	if ok && spec.OnExit != nil {
		spec.OnExit(code)
	}
}

// vanish simulates a process disappearing without an exit callback.
func (f *fakeSupervisor) vanish(agentID string) {
	f.mu.Lock()
	delete(f.running, agentID)
	f.mu.Unlock()
}

func (f *fakeSupervisor) spec(t *testing.T, agentID string) supervisor.SpawnSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[agentID]
	require.True(t, ok, "agent %s was never spawned", agentID)
	return spec
}

type fakeListener struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (l *fakeListener) WaitReady(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return 4242, nil
}

func (l *fakeListener) URL() string { return "http://127.0.0.1:4242/hook" }

func (l *fakeListener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type harness struct {
	manager    *Manager
	supervisor *fakeSupervisor
	listener   *fakeListener
	pipeline   *snapshot.Pipeline
	project    string
	settings   map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		supervisor: newFakeSupervisor(),
		listener:   &fakeListener{},
		pipeline:   snapshot.New(store.NewMemoryJournal()),
		project:    t.TempDir(),
		settings:   map[string]string{},
	}
	nonce := 0
	m, err := New(Config{
		Supervisor: h.supervisor,
		Listener:   h.listener,
		Pipeline:   h.pipeline,
		ProjectOrchestrator: func(projectPath string) string {
			return h.settings[projectPath]
		},
		NewNonce: func() string {
			nonce++
			return fmt.Sprintf("nonce-%d", nonce)
		},
	})
	require.NoError(t, err)
	h.manager = m
	return h
}

func (h *harness) claudeSettings() string {
	return filepath.Join(h.project, ".claude", "settings.local.json")
}

func TestResolutionPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		override string
		setting  string
		binary   string
	}{
		{"default", "", "", "claude"},
		{"project setting", "", agent.GeminiID, "gemini"},
		{"override beats setting", agent.CopilotID, agent.GeminiID, "copilot"},
		{"override alone", agent.OpenCodeID, "", "opencode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setting != "" {
				h.settings[h.project] = tt.setting
			}

			err := h.manager.SpawnAgent(context.Background(), models.SpawnRequest{
				AgentID:      "a1",
				ProjectPath:  h.project,
				Orchestrator: tt.override,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.binary, h.supervisor.spec(t, "a1").Binary)

			orch, ok := h.manager.GetAgentOrchestrator("a1")
			assert.Equal(t, tt.override != "", ok, "override is only recorded when supplied")
			assert.Equal(t, tt.override, orch)
		})
	}
}

func TestSpawnAgentEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "A", ProjectPath: h.project, Kind: models.AgentKindDurable})
	require.NoError(t, err)

	nonce, ok := h.manager.GetAgentNonce("A")
	require.True(t, ok)
	assert.Equal(t, "nonce-1", nonce)
	projectPath, _ := h.manager.GetAgentProjectPath("A")
	assert.Equal(t, h.project, projectPath)

	spec := h.supervisor.spec(t, "A")
	assert.Equal(t, "A", spec.Env[agent.EnvAgentID])
	assert.Equal(t, nonce, spec.Env[agent.EnvHookNonce])
	assert.Equal(t, h.project, spec.Cwd)

	// Snapshot taken before injection: the frozen content is "did not exist"
	// even though the file now holds hook wiring.
	snap, tracked := h.pipeline.Tracked(h.claudeSettings())
	require.True(t, tracked)
	assert.Nil(t, snap.OriginalContent)

	doc, err := snapshot.ReadDocument(h.claudeSettings())
	require.NoError(t, err)
	require.Contains(t, doc, "hooks")
	assert.Contains(t, fmt.Sprint(doc["hooks"]), "http://127.0.0.1:4242/hook/${CLUBHOUSE_AGENT_ID}")

	h.supervisor.exit("A", 0)

	_, err = os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err), "settings file created for the agent must be removed")
	_, ok = h.manager.GetAgentNonce("A")
	assert.False(t, ok)
	assert.Empty(t, h.manager.Agents())
}

func TestSpawnAgentKeepsPreexistingSettings(t *testing.T) {
	h := newHarness(t)
	path := h.claudeSettings()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"permissions":{"allow":["Read"]}}`), 0644))

	require.NoError(t, h.manager.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: h.project}))
	h.supervisor.exit("a1", 0)

	doc, err := snapshot.ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"permissions": map[string]any{"allow": []any{"Read"}}}, doc)
}

func TestSharedSettingsFileRestoredByLastAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: id, ProjectPath: h.project}))
	}
	before, err := os.ReadFile(h.claudeSettings())
	require.NoError(t, err)

	h.supervisor.exit("a1", 0)
	after, err := os.ReadFile(h.claudeSettings())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "file must stay untouched while a2 runs")

	h.supervisor.exit("a2", 0)
	_, err = os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err))
}

func TestSpawnAgentUsesCwdForHooks(t *testing.T) {
	h := newHarness(t)
	worktree := t.TempDir()

	require.NoError(t, h.manager.SpawnAgent(context.Background(), models.SpawnRequest{
		AgentID:     "wt",
		ProjectPath: h.project,
		Cwd:         worktree,
	}))

	_, err := os.Stat(filepath.Join(worktree, ".claude", "settings.local.json"))
	assert.NoError(t, err)
	_, err = os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, worktree, h.supervisor.spec(t, "wt").Cwd)
}

func TestSpawnAgentUnknownOrchestrator(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		h := newHarness(t)
		err := h.manager.SpawnAgent(context.Background(), models.SpawnRequest{
			AgentID: "a1", ProjectPath: h.project, Orchestrator: "cursor",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownOrchestrator))

		var unknown *UnknownOrchestratorError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "cursor", unknown.ID)

		assert.Empty(t, h.manager.Agents())
		assert.Zero(t, h.listener.calls)
		_, err = os.Stat(h.claudeSettings())
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("project setting", func(t *testing.T) {
		h := newHarness(t)
		h.settings[h.project] = "aider"
		err := h.manager.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: h.project})
		assert.True(t, errors.Is(err, ErrUnknownOrchestrator))
	})
}

func TestSpawnAgentValidation(t *testing.T) {
	h := newHarness(t)
	err := h.manager.SpawnAgent(context.Background(), models.SpawnRequest{ProjectPath: h.project})
	assert.Error(t, err)

	err = h.manager.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: h.project, Kind: "forever"})
	assert.Error(t, err)
	assert.Empty(t, h.manager.Agents())
}

func TestSpawnAgentDuplicateID(t *testing.T) {
	h := newHarness(t)
	req := models.SpawnRequest{AgentID: "a1", ProjectPath: h.project}
	require.NoError(t, h.manager.SpawnAgent(context.Background(), req))

	err := h.manager.SpawnAgent(context.Background(), req)
	assert.True(t, errors.Is(err, ErrAlreadyTracked))

	snap, _ := h.pipeline.Tracked(h.claudeSettings())
	assert.Equal(t, 1, snap.RefCount, "a rejected duplicate must not snapshot again")
}

func TestSpawnFailureRestoresImmediately(t *testing.T) {
	h := newHarness(t)
	h.supervisor.spawnErr = errors.New("exec: no such file")

	err := h.manager.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: h.project})
	require.Error(t, err)

	_, err = os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err))
	_, tracked := h.pipeline.Tracked(h.claudeSettings())
	assert.False(t, tracked)
	assert.Empty(t, h.manager.Agents())
}

func TestSpawnAgentPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{
		AgentID: "explicit", ProjectPath: h.project, AllowedTools: []string{"Read"},
	}))
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{
		AgentID: "quick", ProjectPath: h.project, Kind: models.AgentKindQuick,
	}))

	explicit := strings.Join(h.supervisor.spec(t, "explicit").Args, " ")
	assert.Contains(t, explicit, "--allowedTools Read")

	claude := agent.NewClaudeProvider("")
	quick := strings.Join(h.supervisor.spec(t, "quick").Args, " ")
	assert.Contains(t, quick, "--allowedTools "+strings.Join(claude.DefaultPermissions(models.AgentKindQuick), ","))
}

func TestSpawnAgentWithoutHooksSupport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.SpawnAgent(context.Background(), models.SpawnRequest{
		AgentID: "oc", ProjectPath: h.project, Orchestrator: agent.OpenCodeID,
	}))

	entries, err := os.ReadDir(h.project)
	require.NoError(t, err)
	assert.Empty(t, entries, "no settings file is written for CLIs without hooks")

	spec := h.supervisor.spec(t, "oc")
	assert.Equal(t, "nonce-1", spec.Env[agent.EnvHookNonce])
	h.supervisor.exit("oc", 0)
	assert.Empty(t, h.manager.Agents())
}

func TestKillAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{
		AgentID: "g1", ProjectPath: h.project, Orchestrator: agent.GeminiID,
	}))
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "c1", ProjectPath: h.project}))

	require.NoError(t, h.manager.KillAgent(ctx, "g1", h.project, ""))
	require.NoError(t, h.manager.KillAgent(ctx, "c1", h.project, ""))
	assert.Equal(t, []killCall{{"g1", "/quit\r"}, {"c1", "/exit\r"}}, h.supervisor.kills)

	// Killing does not restore; only the exit does.
	_, tracked := h.pipeline.Tracked(h.claudeSettings())
	assert.True(t, tracked)

	err := h.manager.KillAgent(ctx, "ghost", h.project, "")
	assert.True(t, errors.Is(err, supervisor.ErrNotRunning))

	err = h.manager.KillAgent(ctx, "c1", h.project, "nope")
	assert.True(t, errors.Is(err, ErrUnknownOrchestrator))
}

func TestCheckAvailability(t *testing.T) {
	h := newHarness(t)

	avail := h.manager.CheckAvailability(context.Background(), "", "cursor")
	assert.Equal(t, models.Availability{Available: false, Error: "Unknown orchestrator: cursor"}, avail)

	bin := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 2.0.0\n"), 0755))
	m, err := New(Config{
		Supervisor: newFakeSupervisor(),
		Listener:   &fakeListener{},
		Registry:   agent.DefaultRegistry(map[string]string{agent.ClaudeCodeID: bin}),
	})
	require.NoError(t, err)
	assert.True(t, m.CheckAvailability(context.Background(), "", "").Available)
}

func TestGetAvailableOrchestrators(t *testing.T) {
	h := newHarness(t)
	infos := h.manager.GetAvailableOrchestrators()
	require.Len(t, infos, 4)
	assert.Equal(t, agent.ClaudeCodeID, infos[0].ID)
	assert.True(t, infos[0].Capabilities.Hooks)
}

func TestUntrackAgentLeavesFiles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "a1", ProjectPath: h.project}))

	h.manager.UntrackAgent("a1")
	_, ok := h.manager.GetAgentProjectPath("a1")
	assert.False(t, ok)
	_, err := os.Stat(h.claudeSettings())
	assert.NoError(t, err, "untracking must not restore")
}

func TestReapOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "alive", ProjectPath: h.project}))
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "gone", ProjectPath: h.project}))

	h.supervisor.vanish("gone")
	assert.Equal(t, []string{"gone"}, h.manager.ReapOrphans())

	_, ok := h.manager.Agent("gone")
	assert.False(t, ok)
	snap, tracked := h.pipeline.Tracked(h.claudeSettings())
	require.True(t, tracked)
	assert.Equal(t, 1, snap.RefCount)

	assert.Empty(t, h.manager.ReapOrphans())
}

func TestStaleExitAfterRespawnKeepsNewRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "A", ProjectPath: h.project}))
	first := h.supervisor.spec(t, "A")

	h.supervisor.vanish("A")
	assert.Equal(t, []string{"A"}, h.manager.ReapOrphans())
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "A", ProjectPath: h.project}))

	// The first run's exit callback arrives late.
	first.OnExit(-1)

	nonce, ok := h.manager.GetAgentNonce("A")
	require.True(t, ok, "second run must stay tracked")
	assert.Equal(t, "nonce-2", nonce)
	_, err := os.Stat(h.claudeSettings())
	assert.NoError(t, err, "second run's hooks must stay injected")
	snap, tracked := h.pipeline.Tracked(h.claudeSettings())
	require.True(t, tracked)
	assert.Equal(t, 1, snap.RefCount)

	// The second run's own exit still cleans up.
	h.supervisor.exit("A", 0)
	_, ok = h.manager.Agent("A")
	assert.False(t, ok)
	_, err = os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownRestoresEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.SpawnAgent(ctx, models.SpawnRequest{AgentID: "a1", ProjectPath: h.project}))
	h.supervisor.vanish("a1") // snapshot still held, no exit callback will run

	require.NoError(t, h.manager.Shutdown(ctx))

	_, err := os.Stat(h.claudeSettings())
	assert.True(t, os.IsNotExist(err))
	assert.True(t, h.listener.closed)
}

func TestHookListenerAuthenticatesTrackedNonce(t *testing.T) {
	var mu sync.Mutex
	var received []models.HookEvent

	project := t.TempDir()
	sup := newFakeSupervisor()
	m, err := New(Config{
		Supervisor: sup,
		Pipeline:   snapshot.New(nil),
		Sink: func(e models.HookEvent) {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
		},
		ProjectOrchestrator: func(string) string { return "" },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	require.NoError(t, m.SpawnAgent(context.Background(), models.SpawnRequest{AgentID: "A", ProjectPath: project}))
	nonce, _ := m.GetAgentNonce("A")
	require.NotEmpty(t, m.HookURL())

	send := func(n string) int {
		req, err := http.NewRequest(http.MethodPost, m.HookURL()+"/A?event=PreToolUse", bytes.NewBufferString(`{"tool_name":"Bash"}`))
		require.NoError(t, err)
		req.Header.Set(hookserver.NonceHeader, n)
		resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, send("forged"))
	assert.Equal(t, http.StatusOK, send(nonce))

	sup.exit("A", 0)
	assert.Equal(t, http.StatusUnauthorized, send(nonce), "nonce is dropped with the agent")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "A", received[0].AgentID)
	assert.Equal(t, "PreToolUse", received[0].EventName)
}
