// Package models defines the core domain types for the clubhoused agent host.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidRequest matches every SpawnRequest validation failure.
var ErrInvalidRequest = errors.New("invalid spawn request")

// agentIDPattern keeps ids safe to use as log file names and URL segments.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// AgentKind distinguishes long-lived agents from single-mission ones.
type AgentKind string

const (
	// AgentKindDurable is bound to a persistent worktree/branch.
	AgentKindDurable AgentKind = "durable"
	// AgentKindQuick is an ephemeral, single-mission agent.
	AgentKindQuick AgentKind = "quick"
)

// ValidKind checks if a kind is valid.
func ValidKind(k AgentKind) bool {
	return k == AgentKindDurable || k == AgentKindQuick
}

// Conventions describes the on-disk layout an orchestrator CLI expects.
type Conventions struct {
	ConfigDir              string `json:"config_dir"`
	LocalSettingsFile      string `json:"local_settings_file"`
	LegacyInstructionsFile string `json:"legacy_instructions_file,omitempty"`
	MCPConfigFile          string `json:"mcp_config_file,omitempty"`
}

// Capabilities lists the optional features an orchestrator CLI supports.
type Capabilities struct {
	Hooks            bool `json:"hooks"`
	StructuredOutput bool `json:"structured_output"`
	SessionResume    bool `json:"session_resume"`
	Permissions      bool `json:"permissions"`
	MaxTurns         bool `json:"max_turns"`
}

// OrchestratorInfo is the UI-facing projection of a registered orchestrator.
type OrchestratorInfo struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Badge        string       `json:"badge,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Availability reports whether an orchestrator CLI can be used.
type Availability struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// SpawnRequest represents a request to spawn a new agent.
type SpawnRequest struct {
	AgentID      string    `json:"agent_id"`
	ProjectPath  string    `json:"project_path"`
	Cwd          string    `json:"cwd,omitempty"`
	Kind         AgentKind `json:"kind"`
	Orchestrator string    `json:"orchestrator,omitempty"`
	Model        string    `json:"model,omitempty"`
	Mission      string    `json:"mission,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
}

// Validate checks required fields and fills the cwd default.
func (r *SpawnRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	if !agentIDPattern.MatchString(r.AgentID) {
		return fmt.Errorf("%w: invalid agent_id %q", ErrInvalidRequest, r.AgentID)
	}
	if strings.TrimSpace(r.ProjectPath) == "" {
		return fmt.Errorf("%w: project_path is required", ErrInvalidRequest)
	}
	if r.Kind == "" {
		r.Kind = AgentKindDurable
	}
	if !ValidKind(r.Kind) {
		return fmt.Errorf("%w: invalid kind: %s (valid: durable, quick)", ErrInvalidRequest, r.Kind)
	}
	if r.Cwd == "" {
		r.Cwd = r.ProjectPath
	}
	return nil
}

// AgentRecord is the in-memory tracking state of a spawned agent.
// Orchestrator is only set when the spawn request carried an override.
type AgentRecord struct {
	AgentID      string    `json:"agent_id"`
	ProjectPath  string    `json:"project_path"`
	Cwd          string    `json:"cwd"`
	Kind         AgentKind `json:"kind"`
	Orchestrator string    `json:"orchestrator,omitempty"`
	Nonce        string    `json:"-"`
	StartedAt    time.Time `json:"started_at"`
}

// HookEvent is a tool-use callback forwarded from a running agent.
// The payload is passed through without interpretation.
type HookEvent struct {
	AgentID    string          `json:"agent_id"`
	EventName  string          `json:"event_name,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ConfigSnapshot captures a settings file before any hook injection.
// A nil OriginalContent means the file did not exist.
type ConfigSnapshot struct {
	Path            string    `json:"path"`
	OriginalContent *string   `json:"original_content"`
	RefCount        int       `json:"ref_count"`
	Agents          []string  `json:"agents,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Existed reports whether the file existed when the snapshot was taken.
func (s *ConfigSnapshot) Existed() bool {
	return s.OriginalContent != nil
}
