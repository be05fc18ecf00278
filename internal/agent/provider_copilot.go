package agent

import (
	"context"

	"github.com/sevir/clubhoused/pkg/models"
)

// CopilotID identifies the GitHub Copilot CLI.
const CopilotID = "copilot-cli"

var copilotHookEvents = []string{"preToolUse", "postToolUse", "errorOccurred", "sessionEnd"}

// CopilotProvider drives the GitHub Copilot CLI. Its hooks live in a
// dedicated file under .github/hooks with flat entries.
type CopilotProvider struct {
	base
}

// NewCopilotProvider creates the Copilot provider.
func NewCopilotProvider(binary string) *CopilotProvider {
	if binary == "" {
		binary = "copilot"
	}
	return &CopilotProvider{base{
		id:          CopilotID,
		displayName: "GitHub Copilot",
		badge:       "Beta",
		binary:      binary,
		conventions: models.Conventions{
			ConfigDir:              ".github",
			LocalSettingsFile:      "hooks/clubhouse.json",
			LegacyInstructionsFile: "copilot-instructions.md",
			MCPConfigFile:          "mcp-config.json",
		},
		caps: models.Capabilities{
			Hooks:         true,
			SessionResume: true,
			Permissions:   true,
		},
	}}
}

func (p *CopilotProvider) BuildSpawnCommand(ctx context.Context, opts SpawnOptions) (*SpawnCommand, error) {
	cmd := &SpawnCommand{
		Binary: p.binary,
		Args:   []string{"--no-color"},
		Env:    map[string]string{},
	}

	if opts.Model != "" && opts.Model != "default" {
		cmd.Args = append(cmd.Args, "--model", opts.Model)
	}
	for _, tool := range opts.AllowedTools {
		cmd.Args = append(cmd.Args, "--allow-tool", tool)
	}

	prompt := withMission(opts.SystemPrompt, opts.Mission)
	if prompt != "" {
		if opts.Kind == models.AgentKindQuick {
			cmd.Args = append(cmd.Args, "-p", prompt)
		} else {
			cmd.Args = append(cmd.Args, "-i", prompt)
		}
	}

	return cmd, nil
}

// WriteHooksConfig registers one flat bash entry per event.
func (p *CopilotProvider) WriteHooksConfig(path, hookURL string) error {
	injected := make(map[string][]any, len(copilotHookEvents))
	for _, event := range copilotHookEvents {
		injected[event] = []any{map[string]any{
			"type":       "command",
			"bash":       HookCommand(hookURL, event),
			"timeoutSec": hookTimeoutSec,
		}}
	}
	return mergeHooksFile(path, injected, map[string]any{"version": 1})
}

func (p *CopilotProvider) DefaultPermissions(kind models.AgentKind) []string {
	if kind == models.AgentKindQuick {
		return []string{"write", "shell(git:*)", "shell(npm:*)"}
	}
	return []string{"shell(git:*)", "shell(npm:*)"}
}
