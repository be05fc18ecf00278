// Package settings reads per-project preferences written by the desktop app.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Dir is the per-project directory holding clubhouse state.
	Dir = ".clubhouse"
	// File is the per-project settings file name.
	File = "settings.json"
)

// ProjectSettings is the subset of the project settings file this daemon reads.
type ProjectSettings struct {
	Orchestrator string `json:"orchestrator,omitempty"`
}

// Path returns the settings file location for a project.
func Path(projectPath string) string {
	return filepath.Join(projectPath, Dir, File)
}

// Read loads the project settings. Any failure (missing file, unreadable,
// malformed JSON) yields zero-value settings; it never returns an error.
func Read(projectPath string) ProjectSettings {
	var s ProjectSettings
	if strings.TrimSpace(projectPath) == "" {
		return s
	}
	data, err := os.ReadFile(Path(projectPath))
	if err != nil {
		return s
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return ProjectSettings{}
	}
	s.Orchestrator = strings.TrimSpace(s.Orchestrator)
	return s
}

// ProjectOrchestrator returns the project-level orchestrator id, or "" when unset.
func ProjectOrchestrator(projectPath string) string {
	return Read(projectPath).Orchestrator
}
