package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/sevir/clubhoused/internal/agent"
	"github.com/sevir/clubhoused/pkg/models"
)

// printOrchestrators probes every registered CLI and prints one row each.
func printOrchestrators(ctx context.Context, w io.Writer, registry *agent.Registry, defaultID string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	dim := color.New(color.Faint)

	providers := registry.All()
	results := make([]models.Availability, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p agent.Provider) {
			defer wg.Done()
			results[i] = p.CheckAvailability(ctx)
		}(i, p)
	}
	wg.Wait()

	cyan.Fprintf(w, "%-14s %-22s %-13s %s\n", "ID", "NAME", "STATUS", "DETAILS")
	for i, p := range providers {
		info := agent.Info(p)
		name := info.DisplayName
		if info.Badge != "" {
			name += " (" + info.Badge + ")"
		}
		id := info.ID
		if id == defaultID {
			id += "*"
		}

		fmt.Fprintf(w, "%-14s %-22s ", id, name)
		if results[i].Available {
			green.Fprintf(w, "%-13s ", "available")
			dim.Fprintln(w, capabilitySummary(info.Capabilities))
		} else {
			red.Fprintf(w, "%-13s ", "unavailable")
			fmt.Fprintln(w, results[i].Error)
		}
	}
	dim.Fprintln(w, "* default orchestrator")
}

func capabilitySummary(c models.Capabilities) string {
	var parts []string
	add := func(on bool, name string) {
		if on {
			parts = append(parts, name)
		}
	}
	add(c.StructuredOutput, "structured-output")
	add(c.Hooks, "hooks")
	add(c.SessionResume, "resume")
	add(c.Permissions, "permissions")
	add(c.MaxTurns, "max-turns")
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
