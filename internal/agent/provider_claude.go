package agent

import (
	"context"
	"strings"

	"github.com/sevir/clubhoused/pkg/models"
)

// ClaudeCodeID is the default orchestrator.
const ClaudeCodeID = "claude-code"

var claudeHookEvents = []string{"PreToolUse", "PostToolUse", "Notification", "Stop"}

// ClaudeProvider drives the Claude Code CLI.
type ClaudeProvider struct {
	base
}

// NewClaudeProvider creates the Claude Code provider. An empty binary means
// "claude" from PATH.
func NewClaudeProvider(binary string) *ClaudeProvider {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeProvider{base{
		id:          ClaudeCodeID,
		displayName: "Claude Code",
		binary:      binary,
		conventions: models.Conventions{
			ConfigDir:              ".claude",
			LocalSettingsFile:      "settings.local.json",
			LegacyInstructionsFile: "CLAUDE.md",
			MCPConfigFile:          ".mcp.json",
		},
		caps: models.Capabilities{
			Hooks:            true,
			StructuredOutput: true,
			SessionResume:    true,
			Permissions:      true,
			MaxTurns:         true,
		},
	}}
}

// BuildSpawnCommand runs quick agents headless with stream-json output and
// durable agents interactively.
func (p *ClaudeProvider) BuildSpawnCommand(ctx context.Context, opts SpawnOptions) (*SpawnCommand, error) {
	cmd := &SpawnCommand{Binary: p.binary, Env: map[string]string{}}

	if opts.Kind == models.AgentKindQuick {
		parser := NewStreamParser()
		cmd.Args = append(cmd.Args, "-p", "--output-format", "stream-json", "--verbose")
		cmd.FormatLine = parser.ParseLine
	}
	if opts.Model != "" && opts.Model != "default" {
		cmd.Args = append(cmd.Args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		cmd.Args = append(cmd.Args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		cmd.Args = append(cmd.Args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Mission != "" {
		cmd.Args = append(cmd.Args, opts.Mission)
	}

	return cmd, nil
}

// WriteHooksConfig registers one matcher group per event.
func (p *ClaudeProvider) WriteHooksConfig(path, hookURL string) error {
	injected := make(map[string][]any, len(claudeHookEvents))
	for _, event := range claudeHookEvents {
		injected[event] = []any{map[string]any{
			"matcher": "",
			"hooks": []any{map[string]any{
				"type":    "command",
				"command": HookCommand(hookURL, event),
			}},
		}}
	}
	return mergeHooksFile(path, injected, nil)
}

func (p *ClaudeProvider) DefaultPermissions(kind models.AgentKind) []string {
	if kind == models.AgentKindQuick {
		return []string{"Read", "Edit", "Write", "Glob", "Grep", "Bash(git:*)", "Bash(npm:*)", "Bash(npx:*)"}
	}
	return []string{"Bash(git:*)", "Bash(npm:*)", "Bash(npx:*)"}
}
