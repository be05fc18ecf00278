// Package supervisor starts agent CLI processes, captures their output to
// per-agent log files and reports every exit exactly once.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	DefaultGracePeriod = 5 * time.Second
	shutdownWait       = 10 * time.Second
	maxLineBytes       = 1024 * 1024
)

// ErrNotRunning is returned for agents without a live process.
var ErrNotRunning = errors.New("process not running")

// SpawnSpec describes one process to start.
type SpawnSpec struct {
	AgentID string
	Cwd     string
	Binary  string
	Args    []string
	Env     map[string]string

	// OnExit receives the exit code (-1 when killed by a signal). It runs
	// after output has been flushed and before Wait returns.
	OnExit func(code int)

	// FormatLine rewrites stdout lines before logging. Empty drops the line.
	FormatLine func(line string) string
}

// Config configures a Supervisor.
type Config struct {
	LogDir      string
	GracePeriod time.Duration
}

// Supervisor tracks running agent processes by agent id.
type Supervisor struct {
	logDir      string
	gracePeriod time.Duration

	mu        sync.RWMutex
	processes map[string]*process
}

type process struct {
	agentID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logFile *os.File
	cancel  context.CancelFunc
	done    chan struct{}

	stdinMu sync.Mutex
}

// New creates a supervisor writing logs under cfg.LogDir.
func New(cfg Config) (*Supervisor, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), "clubhoused-logs")
	}
	if abs, err := filepath.Abs(logDir); err == nil {
		logDir = abs
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Supervisor{
		logDir:      logDir,
		gracePeriod: cfg.GracePeriod,
		processes:   make(map[string]*process),
	}, nil
}

// LogPath returns the log file used for an agent.
func (s *Supervisor) LogPath(agentID string) string {
	return filepath.Join(s.logDir, agentID+".log")
}

// Spawn starts the process and returns once it is running. The process is
// not bound to ctx; use GracefulKill or Shutdown to stop it.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) error {
	if spec.AgentID == "" || spec.Binary == "" {
		return fmt.Errorf("agent id and binary are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.processes[spec.AgentID]; exists {
		return fmt.Errorf("agent %s already has a running process", spec.AgentID)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	for _, k := range sortedKeys(spec.Env) {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}
	// Ask politely first when the context is cancelled.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.gracePeriod

	logFile, err := os.Create(s.LogPath(spec.AgentID))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create log file: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Output goes through io.Pipes so Wait owns the copy and WaitDelay can
	// cut off grandchildren that keep the descriptors open.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		stdoutW.Close()
		stderrW.Close()
		return fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	proc := &process{
		agentID: spec.AgentID,
		cmd:     cmd,
		stdin:   stdin,
		logFile: logFile,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.processes[spec.AgentID] = proc

	log.Printf(
		"agent_event=process_started agent_id=%s pid=%d binary=%q log_file=%q cwd=%q",
		spec.AgentID, cmd.Process.Pid, spec.Binary, logFile.Name(), spec.Cwd,
	)

	go s.wait(proc, stdoutR, stderrR, func() {
		stdoutW.Close()
		stderrW.Close()
	}, spec)

	return nil
}

func (s *Supervisor) wait(proc *process, stdout, stderr io.Reader, closeOutput func(), spec SpawnSpec) {
	var logMu sync.Mutex
	writeLine := func(line string) {
		logMu.Lock()
		fmt.Fprintln(proc.logFile, line)
		logMu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stdout, func(line string) {
			if spec.FormatLine != nil {
				line = spec.FormatLine(line)
				if line == "" {
					return
				}
			}
			writeLine(line)
		})
	}()
	go func() {
		defer wg.Done()
		scan(stderr, func(line string) { writeLine("[stderr] " + line) })
	}()

	err := proc.cmd.Wait()
	closeOutput()
	wg.Wait()

	code := exitCode(proc.cmd, err)
	fmt.Fprintf(proc.logFile, "[exit] code=%d\n", code)
	proc.logFile.Close()
	proc.cancel()

	s.mu.Lock()
	delete(s.processes, proc.agentID)
	s.mu.Unlock()

	log.Printf("agent_event=process_exited agent_id=%s exit_code=%d", proc.agentID, code)

	if spec.OnExit != nil {
		spec.OnExit(code)
	}
	close(proc.done)
}

func scan(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	// Keep draining so a single oversized line cannot block the child.
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

// GracefulKill writes exitInput to the agent's stdin. If the process is
// still alive after the grace period it is sent SIGTERM, then killed.
// It returns without waiting for the process to exit.
func (s *Supervisor) GracefulKill(agentID, exitInput string) error {
	proc, ok := s.get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
	}

	if exitInput != "" {
		proc.stdinMu.Lock()
		_, err := io.WriteString(proc.stdin, exitInput)
		proc.stdinMu.Unlock()
		if err != nil {
			log.Printf("Warning: failed to send exit input to agent %s: %v", agentID, err)
		}
	}

	go s.escalate(proc)
	return nil
}

func (s *Supervisor) escalate(proc *process) {
	select {
	case <-proc.done:
		return
	case <-time.After(s.gracePeriod):
	}

	log.Printf("agent_event=terminating agent_id=%s reason=grace_period_elapsed", proc.agentID)
	proc.cancel()

	select {
	case <-proc.done:
	case <-time.After(s.gracePeriod):
		if proc.cmd.Process != nil {
			proc.cmd.Process.Kill()
		}
	}
}

// IsRunning checks if an agent has a live process.
func (s *Supervisor) IsRunning(agentID string) bool {
	_, ok := s.get(agentID)
	return ok
}

// RunningCount returns the number of live processes.
func (s *Supervisor) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Shutdown terminates every process and waits for their exit callbacks.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
	}

	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-time.After(shutdownWait):
			if proc.cmd.Process != nil {
				proc.cmd.Process.Kill()
			}
			<-proc.done
		}
	}
}

func (s *Supervisor) get(agentID string) (*process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[agentID]
	return p, ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
