package agent

import (
	"context"

	"github.com/sevir/clubhoused/pkg/models"
)

// OpenCodeID identifies the OpenCode CLI.
const OpenCodeID = "opencode"

// OpenCodeProvider drives OpenCode. It has no hook or permission-list
// support, so agents run without callbacks.
type OpenCodeProvider struct {
	base
}

// NewOpenCodeProvider creates the OpenCode provider.
func NewOpenCodeProvider(binary string) *OpenCodeProvider {
	if binary == "" {
		binary = "opencode"
	}
	return &OpenCodeProvider{base{
		id:          OpenCodeID,
		displayName: "OpenCode",
		badge:       "Beta",
		binary:      binary,
		conventions: models.Conventions{
			ConfigDir:              ".opencode",
			LocalSettingsFile:      "opencode.json",
			LegacyInstructionsFile: "AGENTS.md",
			MCPConfigFile:          "opencode.json",
		},
		caps: models.Capabilities{
			SessionResume: true,
		},
	}}
}

// BuildSpawnCommand uses the run subcommand for quick agents and the TUI
// with an initial prompt for durable ones.
func (p *OpenCodeProvider) BuildSpawnCommand(ctx context.Context, opts SpawnOptions) (*SpawnCommand, error) {
	cmd := &SpawnCommand{Binary: p.binary, Env: map[string]string{}}
	prompt := withMission(opts.SystemPrompt, opts.Mission)

	if opts.Kind == models.AgentKindQuick {
		cmd.Args = append(cmd.Args, "run")
	}
	if opts.Model != "" && opts.Model != "default" {
		cmd.Args = append(cmd.Args, "-m", opts.Model)
	}
	if prompt != "" {
		if opts.Kind == models.AgentKindQuick {
			cmd.Args = append(cmd.Args, prompt)
		} else {
			cmd.Args = append(cmd.Args, "--prompt", prompt)
		}
	}

	return cmd, nil
}

func (p *OpenCodeProvider) DefaultPermissions(kind models.AgentKind) []string {
	return nil
}
