// Package lifecycle spawns, tracks and kills agent processes and keeps the
// hook wiring in their orchestrator settings files consistent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/clubhoused/internal/agent"
	"github.com/sevir/clubhoused/internal/hookserver"
	"github.com/sevir/clubhoused/internal/settings"
	"github.com/sevir/clubhoused/internal/snapshot"
	"github.com/sevir/clubhoused/internal/supervisor"
	"github.com/sevir/clubhoused/pkg/models"
)

// Supervisor runs agent processes.
type Supervisor interface {
	Spawn(ctx context.Context, spec supervisor.SpawnSpec) error
	GracefulKill(agentID, exitInput string) error
	IsRunning(agentID string) bool
	Shutdown()
}

// HookListener is the loopback endpoint agents call back into.
type HookListener interface {
	WaitReady(ctx context.Context) (int, error)
	URL() string
	Close(ctx context.Context) error
}

// Config wires a Manager.
type Config struct {
	Registry   *agent.Registry
	Pipeline   *snapshot.Pipeline
	Supervisor Supervisor

	// Listener defaults to a hookserver.Listener that authenticates against
	// this manager's nonces and forwards events to Sink.
	Listener         HookListener
	HookHost         string
	HookMaxBodyBytes int64
	Sink             hookserver.Sink

	// ProjectOrchestrator reads the per-project orchestrator preference.
	// Defaults to settings.ProjectOrchestrator.
	ProjectOrchestrator func(projectPath string) string
	DefaultOrchestrator string

	NewNonce func() string
}

// Manager is the agent lifecycle manager.
type Manager struct {
	registry       *agent.Registry
	pipeline       *snapshot.Pipeline
	supervisor     Supervisor
	listener       HookListener
	projectSetting func(string) string
	defaultID      string
	newNonce       func() string

	mu       sync.RWMutex
	records  map[string]models.AgentRecord
	spawning map[string]bool

	// hooksMu serializes snapshot+inject so two spawns on one settings file
	// cannot interleave their read-modify-write.
	hooksMu sync.Mutex
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = agent.DefaultRegistry(nil)
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = snapshot.New(nil)
	}
	if cfg.ProjectOrchestrator == nil {
		cfg.ProjectOrchestrator = settings.ProjectOrchestrator
	}
	if cfg.DefaultOrchestrator == "" {
		cfg.DefaultOrchestrator = agent.DefaultID
	}
	if cfg.NewNonce == nil {
		cfg.NewNonce = uuid.NewString
	}
	if _, ok := cfg.Registry.Get(cfg.DefaultOrchestrator); !ok {
		return nil, &UnknownOrchestratorError{ID: cfg.DefaultOrchestrator}
	}

	m := &Manager{
		registry:       cfg.Registry,
		pipeline:       cfg.Pipeline,
		supervisor:     cfg.Supervisor,
		listener:       cfg.Listener,
		projectSetting: cfg.ProjectOrchestrator,
		defaultID:      cfg.DefaultOrchestrator,
		newNonce:       cfg.NewNonce,
		records:        make(map[string]models.AgentRecord),
		spawning:       make(map[string]bool),
	}
	if m.listener == nil {
		m.listener = hookserver.New(hookserver.Config{
			Host:         cfg.HookHost,
			MaxBodyBytes: cfg.HookMaxBodyBytes,
			Nonces:       m.GetAgentNonce,
			Sink:         cfg.Sink,
		})
	}

	return m, nil
}

// resolve applies override, then project setting, then default.
func (m *Manager) resolve(projectPath, override string) (agent.Provider, error) {
	id := override
	if id == "" && projectPath != "" {
		id = m.projectSetting(projectPath)
	}
	if id == "" {
		id = m.defaultID
	}
	p, ok := m.registry.Get(id)
	if !ok {
		return nil, &UnknownOrchestratorError{ID: id}
	}
	return p, nil
}

// SpawnAgent launches an agent and returns once its process is running.
// Unknown orchestrator ids fail before anything is tracked or written.
func (m *Manager) SpawnAgent(ctx context.Context, req models.SpawnRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	provider, err := m.resolve(req.ProjectPath, req.Orchestrator)
	if err != nil {
		return err
	}

	nonce := m.newNonce()
	if err := m.track(req, nonce); err != nil {
		return err
	}
	defer m.doneSpawning(req.AgentID)

	logAgentReceived(req, provider.ID())

	if _, err := m.listener.WaitReady(ctx); err != nil {
		m.UntrackAgent(req.AgentID)
		return fmt.Errorf("hook listener not ready: %w", err)
	}

	hooksPath := snapshot.HooksConfigPath(provider.Conventions(), provider.Capabilities(), req.Cwd)
	if hooksPath != "" {
		if err := m.injectHooks(req.AgentID, provider, hooksPath); err != nil {
			m.UntrackAgent(req.AgentID)
			return err
		}
	}

	tools := req.AllowedTools
	if len(tools) == 0 {
		tools = provider.DefaultPermissions(req.Kind)
	}

	cmd, err := provider.BuildSpawnCommand(ctx, agent.SpawnOptions{
		AgentID:      req.AgentID,
		Cwd:          req.Cwd,
		Kind:         req.Kind,
		Model:        req.Model,
		Mission:      req.Mission,
		SystemPrompt: req.SystemPrompt,
		AllowedTools: tools,
	})
	if err != nil {
		m.abortSpawn(req.AgentID)
		return fmt.Errorf("failed to build %s command: %w", provider.ID(), err)
	}

	env := make(map[string]string, len(cmd.Env)+2)
	for k, v := range cmd.Env {
		env[k] = v
	}
	env[agent.EnvAgentID] = req.AgentID
	env[agent.EnvHookNonce] = nonce

	agentID := req.AgentID
	err = m.supervisor.Spawn(ctx, supervisor.SpawnSpec{
		AgentID:    agentID,
		Cwd:        req.Cwd,
		Binary:     cmd.Binary,
		Args:       cmd.Args,
		Env:        env,
		FormatLine: cmd.FormatLine,
		OnExit:     func(code int) { m.onAgentExit(agentID, nonce, code) },
	})
	if err != nil {
		m.abortSpawn(req.AgentID)
		return fmt.Errorf("failed to spawn agent %s: %w", req.AgentID, err)
	}

	log.Printf(
		"agent_event=spawned agent_id=%s orchestrator=%s binary=%q hooks_config=%q tools=%d",
		req.AgentID, provider.ID(), cmd.Binary, hooksPath, len(tools),
	)
	return nil
}

// injectHooks snapshots path before the provider writes into it. A failed
// write leaves the agent running without callbacks.
func (m *Manager) injectHooks(agentID string, provider agent.Provider, path string) error {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()

	if err := m.pipeline.SnapshotFile(agentID, path); err != nil {
		return fmt.Errorf("failed to snapshot hooks config: %w", err)
	}
	if err := provider.WriteHooksConfig(path, m.listener.URL()); err != nil {
		log.Printf("Warning: agent_event=hooks_not_written agent_id=%s path=%q error=%q", agentID, path, err)
	}
	return nil
}

func (m *Manager) track(req models.SpawnRequest, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[req.AgentID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, req.AgentID)
	}
	m.records[req.AgentID] = models.AgentRecord{
		AgentID:      req.AgentID,
		ProjectPath:  req.ProjectPath,
		Cwd:          req.Cwd,
		Kind:         req.Kind,
		Orchestrator: req.Orchestrator,
		Nonce:        nonce,
		StartedAt:    time.Now(),
	}
	m.spawning[req.AgentID] = true
	return nil
}

func (m *Manager) doneSpawning(agentID string) {
	m.mu.Lock()
	delete(m.spawning, agentID)
	m.mu.Unlock()
}

// abortSpawn undoes a spawn that failed after its snapshot was taken.
func (m *Manager) abortSpawn(agentID string) {
	m.hooksMu.Lock()
	err := m.pipeline.RestoreForAgent(agentID)
	m.hooksMu.Unlock()
	if err != nil {
		log.Printf("Warning: agent_event=restore_failed agent_id=%s error=%q", agentID, err)
	}
	m.UntrackAgent(agentID)
}

// onAgentExit restores and untracks the run identified by nonce. A callback
// from an earlier run of a reused agent id leaves the current run alone.
func (m *Manager) onAgentExit(agentID, nonce string, code int) {
	m.hooksMu.Lock()
	if current, ok := m.GetAgentNonce(agentID); ok && current != nonce {
		m.hooksMu.Unlock()
		log.Printf("Warning: agent_event=stale_exit agent_id=%s exit_code=%d", agentID, code)
		return
	}
	err := m.pipeline.RestoreForAgent(agentID)
	m.hooksMu.Unlock()
	if err != nil {
		log.Printf("Warning: agent_event=restore_failed agent_id=%s error=%q", agentID, err)
	}
	m.untrackRun(agentID, nonce)
	log.Printf("agent_event=exited agent_id=%s exit_code=%d", agentID, code)
}

// untrackRun drops the record only if it still belongs to the run with nonce.
func (m *Manager) untrackRun(agentID, nonce string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[agentID]; ok && rec.Nonce == nonce {
		delete(m.records, agentID)
		delete(m.spawning, agentID)
	}
}

// KillAgent sends the orchestrator's exit input. Without an explicit
// override the orchestrator recorded at spawn time is used. Restoration
// happens when the process actually exits.
func (m *Manager) KillAgent(ctx context.Context, agentID, projectPath, override string) error {
	if override == "" {
		override, _ = m.GetAgentOrchestrator(agentID)
	}
	provider, err := m.resolve(projectPath, override)
	if err != nil {
		return err
	}

	if err := m.supervisor.GracefulKill(agentID, provider.ExitCommand()); err != nil {
		return fmt.Errorf("failed to stop agent %s: %w", agentID, err)
	}
	log.Printf("agent_event=kill_requested agent_id=%s orchestrator=%s", agentID, provider.ID())
	return nil
}

// CheckAvailability probes the orchestrator that would be used. It never
// returns an error; problems are reported in the result.
func (m *Manager) CheckAvailability(ctx context.Context, projectPath, orchestratorID string) models.Availability {
	provider, err := m.resolve(projectPath, orchestratorID)
	if err != nil {
		return models.Availability{Error: err.Error()}
	}
	return provider.CheckAvailability(ctx)
}

// GetAvailableOrchestrators lists every registered orchestrator.
func (m *Manager) GetAvailableOrchestrators() []models.OrchestratorInfo {
	providers := m.registry.All()
	out := make([]models.OrchestratorInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, agent.Info(p))
	}
	return out
}

func (m *Manager) GetAgentProjectPath(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	return rec.ProjectPath, ok
}

// GetAgentOrchestrator returns the override recorded at spawn, if any.
func (m *Manager) GetAgentOrchestrator(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	if !ok || rec.Orchestrator == "" {
		return "", false
	}
	return rec.Orchestrator, true
}

func (m *Manager) GetAgentNonce(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	return rec.Nonce, ok
}

// Agent returns the tracking record for one agent.
func (m *Manager) Agent(agentID string) (models.AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	return rec, ok
}

// Agents returns all tracked agents ordered by id.
func (m *Manager) Agents() []models.AgentRecord {
	m.mu.RLock()
	out := make([]models.AgentRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// UntrackAgent forgets an agent without touching its settings files.
func (m *Manager) UntrackAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
	delete(m.spawning, agentID)
}

// HookURL returns the listener base URL, or "" before the first spawn.
func (m *Manager) HookURL() string {
	return m.listener.URL()
}

// ReapOrphans restores and untracks agents whose process is gone without an
// exit callback having run. It returns the reaped agent ids.
func (m *Manager) ReapOrphans() []string {
	m.mu.RLock()
	var candidates []string
	for id := range m.records {
		if !m.spawning[id] {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	var reaped []string
	for _, id := range candidates {
		if m.supervisor.IsRunning(id) {
			continue
		}
		m.mu.RLock()
		_, stillTracked := m.records[id]
		m.mu.RUnlock()
		if !stillTracked {
			continue
		}

		log.Printf("Warning: agent_event=orphan_reaped agent_id=%s", id)
		m.abortSpawn(id)
		reaped = append(reaped, id)
	}
	sort.Strings(reaped)
	return reaped
}

// RunReaper calls ReapOrphans every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapOrphans()
		}
	}
}

// Shutdown stops every agent, restores every settings file and closes the
// hook listener.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.supervisor.Shutdown()

	var errs []error
	m.hooksMu.Lock()
	if err := m.pipeline.RestoreAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore settings files: %w", err))
	}
	m.hooksMu.Unlock()

	m.mu.Lock()
	m.records = make(map[string]models.AgentRecord)
	m.spawning = make(map[string]bool)
	m.mu.Unlock()

	if err := m.listener.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close hook listener: %w", err))
	}
	return errors.Join(errs...)
}
