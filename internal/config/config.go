// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/sevir/clubhoused/pkg/models"
)

const (
	// DefaultOrchestrator is used when neither a spawn override nor a project setting names one.
	DefaultOrchestrator = "claude-code"

	defaultHookBodyBytes = 1 << 20
)

// Config holds the application configuration.
type Config struct {
	DefaultOrchestrator string                        `json:"default_orchestrator" yaml:"default_orchestrator" toml:"default_orchestrator"`
	Server              ServerConfig                  `json:"server" yaml:"server" toml:"server"`
	Hooks               HooksConfig                   `json:"hooks" yaml:"hooks" toml:"hooks"`
	State               StateConfig                   `json:"state" yaml:"state" toml:"state"`
	Agents              AgentsConfig                  `json:"agents" yaml:"agents" toml:"agents"`
	Orchestrators       map[string]OrchestratorConfig `json:"orchestrators,omitempty" yaml:"orchestrators,omitempty" toml:"orchestrators,omitempty"`
}

// ServerConfig holds the app-facing HTTP API configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
}

// HooksConfig holds hook listener configuration. The listener always binds
// an OS-assigned port.
type HooksConfig struct {
	Host         string `json:"host" yaml:"host" toml:"host"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// StateConfig holds on-disk state locations.
type StateConfig struct {
	JournalPath string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	LogDir      string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
}

// AgentsConfig holds subprocess timing configuration.
type AgentsConfig struct {
	GracePeriod         models.Duration `json:"grace_period" yaml:"grace_period" toml:"grace_period"`
	OrphanCheckInterval models.Duration `json:"orphan_check_interval" yaml:"orphan_check_interval" toml:"orphan_check_interval"`
}

// OrchestratorConfig overrides per-orchestrator settings.
type OrchestratorConfig struct {
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty" toml:"binary,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".clubhouse")

	return &Config{
		DefaultOrchestrator: DefaultOrchestrator,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8766,
		},
		Hooks: HooksConfig{
			Host:         "127.0.0.1",
			MaxBodyBytes: defaultHookBodyBytes,
		},
		State: StateConfig{
			JournalPath: filepath.Join(stateDir, "snapshots.json"),
			LogDir:      filepath.Join(stateDir, "logs"),
		},
		Agents: AgentsConfig{
			GracePeriod:         models.Duration(5 * time.Second),
			OrphanCheckInterval: models.Duration(30 * time.Second),
		},
	}
}

// Load loads configuration from a file (supports JSON, YAML and TOML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		found := false
		for _, name := range []string{"config.yaml", "config.toml", "config.json"} {
			candidate := filepath.Join(home, ".clubhouse", name)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				found = true
				break
			}
		}
		if !found {
			// No config file found, return defaults
			return cfg, nil
		}
	}
	baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.State.JournalPath = resolvePath(cfg.State.JournalPath, baseDir)
	cfg.State.LogDir = resolvePath(cfg.State.LogDir, baseDir)
	for id, oc := range cfg.Orchestrators {
		oc.Binary = expandHome(oc.Binary)
		cfg.Orchestrators[id] = oc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultOrchestrator) == "" {
		return fmt.Errorf("default_orchestrator must not be empty")
	}
	if c.Hooks.MaxBodyBytes <= 0 {
		c.Hooks.MaxBodyBytes = defaultHookBodyBytes
	}
	// Hook commands dial the literal address; localhost may resolve to a
	// different family than the one bound.
	if c.Hooks.Host == "" || c.Hooks.Host == "localhost" {
		c.Hooks.Host = "127.0.0.1"
	}
	switch c.Hooks.Host {
	case "127.0.0.1", "::1":
	default:
		return fmt.Errorf("hooks.host must be a loopback address, got %q", c.Hooks.Host)
	}
	if c.Agents.GracePeriod < 0 || c.Agents.OrphanCheckInterval < 0 {
		return fmt.Errorf("agent durations must not be negative")
	}
	return nil
}

// Save saves configuration to a file. The format follows the file extension.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".clubhouse", "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(c)
		data = []byte(sb.String())
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the app API server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BinaryOverrides returns the configured binary path per orchestrator id.
func (c *Config) BinaryOverrides() map[string]string {
	out := make(map[string]string, len(c.Orchestrators))
	for id, oc := range c.Orchestrators {
		if oc.Binary != "" {
			out[id] = oc.Binary
		}
	}
	return out
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
