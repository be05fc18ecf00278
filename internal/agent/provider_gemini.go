package agent

import (
	"context"
	"strings"

	"github.com/sevir/clubhoused/pkg/models"
)

// GeminiID identifies the Gemini CLI.
const GeminiID = "gemini-cli"

// GeminiProvider drives the Gemini CLI.
type GeminiProvider struct {
	base
}

// NewGeminiProvider creates the Gemini provider.
func NewGeminiProvider(binary string) *GeminiProvider {
	if binary == "" {
		binary = "gemini"
	}
	return &GeminiProvider{base{
		id:          GeminiID,
		displayName: "Gemini CLI",
		badge:       "Experimental",
		binary:      binary,
		conventions: models.Conventions{
			ConfigDir:              ".gemini",
			LocalSettingsFile:      "settings.json",
			LegacyInstructionsFile: "GEMINI.md",
			MCPConfigFile:          "settings.json",
		},
		caps: models.Capabilities{
			Permissions: true,
		},
	}}
}

func (p *GeminiProvider) BuildSpawnCommand(ctx context.Context, opts SpawnOptions) (*SpawnCommand, error) {
	cmd := &SpawnCommand{Binary: p.binary, Env: map[string]string{}}

	if opts.Model != "" && opts.Model != "default" {
		cmd.Args = append(cmd.Args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		cmd.Args = append(cmd.Args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
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

// ExitCommand uses Gemini's /quit slash command.
func (p *GeminiProvider) ExitCommand() string {
	return "/quit\r"
}

func (p *GeminiProvider) DefaultPermissions(kind models.AgentKind) []string {
	if kind == models.AgentKindQuick {
		return []string{"read_file", "write_file", "replace", "run_shell_command(git)"}
	}
	return []string{"read_file", "run_shell_command(git)"}
}
