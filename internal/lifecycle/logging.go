package lifecycle

import (
	"log"

	"github.com/sevir/clubhoused/pkg/models"
)

func logAgentReceived(req models.SpawnRequest, orchestrator string) {
	log.Printf(
		"agent_event=received agent_id=%s kind=%s orchestrator=%s override=%q project=%q cwd=%q model=%q allowed_tools=%v mission_len=%d mission_preview=%q",
		req.AgentID,
		req.Kind,
		orchestrator,
		req.Orchestrator,
		req.ProjectPath,
		req.Cwd,
		req.Model,
		req.AllowedTools,
		len(req.Mission),
		truncateForLog(req.Mission, 160),
	)
}

func truncateForLog(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
