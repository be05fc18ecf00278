// Package agent describes the coding-agent CLIs the daemon can drive and how
// each one is invoked, configured and probed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sevir/clubhoused/pkg/models"
)

// Environment variables every spawned agent receives.
const (
	EnvAgentID   = "CLUBHOUSE_AGENT_ID"
	EnvHookNonce = "CLUBHOUSE_HOOK_NONCE"
)

const availabilityTimeout = 5 * time.Second

// ErrHooksUnsupported is returned by WriteHooksConfig for CLIs without hooks.
var ErrHooksUnsupported = errors.New("orchestrator does not support hooks")

// SpawnOptions carries what a provider needs to build its command line.
type SpawnOptions struct {
	AgentID      string
	Cwd          string
	Kind         models.AgentKind
	Model        string
	Mission      string
	SystemPrompt string
	AllowedTools []string
}

// SpawnCommand is a fully resolved subprocess invocation.
type SpawnCommand struct {
	Binary string
	Args   []string
	Env    map[string]string

	// FormatLine, when set, rewrites each stdout line before it reaches the
	// agent log. An empty result drops the line.
	FormatLine func(line string) string
}

// Provider is one external coding-agent CLI.
type Provider interface {
	ID() string
	DisplayName() string
	Badge() string
	Conventions() models.Conventions
	Capabilities() models.Capabilities

	// BuildSpawnCommand resolves binary, arguments and extra environment.
	BuildSpawnCommand(ctx context.Context, opts SpawnOptions) (*SpawnCommand, error)

	// ExitCommand is the keystroke sequence that asks the CLI to quit.
	ExitCommand() string

	// CheckAvailability probes the CLI binary. It never returns an error.
	CheckAvailability(ctx context.Context) models.Availability

	// WriteHooksConfig merges this daemon's hook wiring into the settings
	// file at path, keeping every other key and user hook intact.
	WriteHooksConfig(path, hookURL string) error

	// DefaultPermissions lists the tools allowed when a spawn request does
	// not name any.
	DefaultPermissions(kind models.AgentKind) []string
}

// Info projects a provider for display.
func Info(p Provider) models.OrchestratorInfo {
	return models.OrchestratorInfo{
		ID:           p.ID(),
		DisplayName:  p.DisplayName(),
		Badge:        p.Badge(),
		Capabilities: p.Capabilities(),
	}
}

// base holds the static description shared by every provider.
type base struct {
	id          string
	displayName string
	badge       string
	binary      string
	conventions models.Conventions
	caps        models.Capabilities
}

func (b *base) ID() string                        { return b.id }
func (b *base) DisplayName() string               { return b.displayName }
func (b *base) Badge() string                     { return b.badge }
func (b *base) Conventions() models.Conventions   { return b.conventions }
func (b *base) Capabilities() models.Capabilities { return b.caps }
func (b *base) ExitCommand() string               { return "/exit\r" }

// CheckAvailability looks the binary up on PATH and runs it with --version.
func (b *base) CheckAvailability(ctx context.Context) models.Availability {
	return probeBinary(ctx, b.binary)
}

func (b *base) WriteHooksConfig(path, hookURL string) error {
	return fmt.Errorf("%s: %w", b.id, ErrHooksUnsupported)
}

func probeBinary(ctx context.Context, binary string) models.Availability {
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return models.Availability{Error: fmt.Sprintf("%s not found on PATH", binary)}
	}

	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, resolved, "--version").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return models.Availability{Error: fmt.Sprintf("%s --version failed: %s", binary, msg)}
	}
	return models.Availability{Available: true}
}

// withMission returns the mission prefixed by the system prompt for CLIs
// that have no dedicated flag for it.
func withMission(systemPrompt, mission string) string {
	switch {
	case systemPrompt == "":
		return mission
	case mission == "":
		return systemPrompt
	default:
		return systemPrompt + "\n\n" + mission
	}
}
