// Package main is the entry point for the clubhoused agent lifecycle daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevir/clubhoused/internal/agent"
	"github.com/sevir/clubhoused/internal/config"
	"github.com/sevir/clubhoused/internal/events"
	"github.com/sevir/clubhoused/internal/lifecycle"
	"github.com/sevir/clubhoused/internal/server"
	"github.com/sevir/clubhoused/internal/snapshot"
	"github.com/sevir/clubhoused/internal/store"
	"github.com/sevir/clubhoused/internal/supervisor"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse flags
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "API server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "API server port (default: 8766)")
		journalPath = flag.String("journal", "", "Path to the snapshot journal")
		logDir      = flag.String("log-dir", "", "Directory for agent logs")
		defaultOrch = flag.String("default-orchestrator", "", "Orchestrator used when none is configured")
		noJournal   = flag.Bool("no-journal", false, "Keep snapshots in memory only")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
		listOrchs   = flag.Bool("orchestrators", false, "Show orchestrator availability and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("clubhoused %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *journalPath != "" {
		cfg.State.JournalPath = *journalPath
	}
	if *logDir != "" {
		cfg.State.LogDir = *logDir
	}
	if *defaultOrch != "" {
		cfg.DefaultOrchestrator = *defaultOrch
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	registry := agent.DefaultRegistry(cfg.BinaryOverrides())
	if err := registry.Validate(cfg.DefaultOrchestrator); err != nil {
		log.Fatalf("Invalid default orchestrator: %v", err)
	}

	if *listOrchs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		printOrchestrators(ctx, os.Stdout, registry, cfg.DefaultOrchestrator)
		os.Exit(0)
	}

	// Snapshot journal; restore anything a crashed run left injected
	var journal store.Journal
	if !*noJournal {
		fj, err := store.NewFileJournal(cfg.State.JournalPath)
		if err != nil {
			log.Fatalf("Failed to open snapshot journal: %v", err)
		}
		journal = fj
	}
	pipeline := snapshot.New(journal)
	if n, err := pipeline.Recover(); err != nil {
		log.Printf("Warning: snapshot recovery incomplete: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d settings file(s) from a previous run", n)
	}

	sup, err := supervisor.New(supervisor.Config{
		LogDir:      cfg.State.LogDir,
		GracePeriod: cfg.Agents.GracePeriod.Std(),
	})
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}

	broadcaster := events.NewBroadcaster()

	manager, err := lifecycle.New(lifecycle.Config{
		Registry:            registry,
		Pipeline:            pipeline,
		Supervisor:          sup,
		HookHost:            cfg.Hooks.Host,
		HookMaxBodyBytes:    cfg.Hooks.MaxBodyBytes,
		Sink:                broadcaster.HandleHookEvent,
		DefaultOrchestrator: cfg.DefaultOrchestrator,
	})
	if err != nil {
		log.Fatalf("Failed to create lifecycle manager: %v", err)
	}

	srv := server.New(server.Config{
		Addr:        cfg.Address(),
		Manager:     manager,
		Broadcaster: broadcaster,
		Version:     version,
		Commit:      commit,
	})

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.RunReaper(ctx, cfg.Agents.OrphanCheckInterval.Std())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Printf("Lifecycle shutdown error: %v", err)
		}
		broadcaster.Close()
		if journal != nil {
			if err := journal.Close(); err != nil {
				log.Printf("Journal close error: %v", err)
			}
		}
	}()

	// Print startup info
	log.Printf("clubhoused %s starting", version)
	log.Printf("API endpoint:    http://%s/api", cfg.Address())
	log.Printf("Event stream:    ws://%s/api/events", cfg.Address())
	log.Printf("Health check:    http://%s/health", cfg.Address())
	log.Printf("Default orchestrator: %s", cfg.DefaultOrchestrator)

	// Start server
	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	<-shutdownDone
}
