// Package snapshot tracks orchestrator settings files shared by running agents
// and removes exactly the injected hook wiring once the last agent exits.
package snapshot

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sevir/clubhoused/internal/store"
	"github.com/sevir/clubhoused/pkg/models"
)

// Pipeline owns the per-path snapshots and their reference counts.
type Pipeline struct {
	mu         sync.Mutex
	snapshots  map[string]*models.ConfigSnapshot
	agentPaths map[string][]string
	journal    store.Journal
}

// New creates a pipeline. A nil journal disables crash recovery.
func New(journal store.Journal) *Pipeline {
	return &Pipeline{
		snapshots:  make(map[string]*models.ConfigSnapshot),
		agentPaths: make(map[string][]string),
		journal:    journal,
	}
}

// HooksConfigPath returns the settings file an orchestrator reads hook wiring
// from, or "" when the orchestrator does not support hooks.
func HooksConfigPath(conv models.Conventions, caps models.Capabilities, dir string) string {
	if !caps.Hooks || conv.LocalSettingsFile == "" {
		return ""
	}
	return filepath.Join(dir, conv.ConfigDir, conv.LocalSettingsFile)
}

// SnapshotFile records that agentID depends on injected wiring in path. The
// first call per path freezes the current content; later calls only count.
// Callers must not snapshot the same agent/path pair twice.
func (p *Pipeline) SnapshotFile(agentID, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.agentPaths[agentID] = append(p.agentPaths[agentID], abs)

	if snap, exists := p.snapshots[abs]; exists {
		snap.RefCount++
		snap.Agents = append(snap.Agents, agentID)
		p.journalPut(snap)
		return nil
	}

	snap := &models.ConfigSnapshot{
		Path:      abs,
		RefCount:  1,
		Agents:    []string{agentID},
		CreatedAt: time.Now(),
	}
	data, err := os.ReadFile(abs)
	switch {
	case err == nil:
		content := string(data)
		snap.OriginalContent = &content
	case os.IsNotExist(err):
	default:
		log.Printf("Warning: snapshot_event=unreadable path=%q error=%q treating as absent", abs, err)
	}

	p.snapshots[abs] = snap
	p.journalPut(snap)

	log.Printf("snapshot_event=captured path=%q agent_id=%s existed=%t", abs, agentID, snap.Existed())
	return nil
}

// RestoreForAgent releases agentID's references. A path whose count drops to
// zero is restored from its current content with injected hooks stripped.
// Unknown agents are a no-op. Only write errors are returned.
func (p *Pipeline) RestoreForAgent(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	paths, ok := p.agentPaths[agentID]
	if !ok {
		return nil
	}
	delete(p.agentPaths, agentID)

	var errs []error
	for _, path := range paths {
		snap, exists := p.snapshots[path]
		if !exists {
			continue
		}

		snap.RefCount--
		snap.Agents = removeOnce(snap.Agents, agentID)
		if snap.RefCount > 0 {
			p.journalPut(snap)
			continue
		}

		delete(p.snapshots, path)
		if err := restoreFile(snap); err != nil {
			errs = append(errs, err)
			continue
		}
		p.journalDelete(path)
	}

	return errors.Join(errs...)
}

// RestoreAll restores every tracked path regardless of reference counts and
// clears all tracking state.
func (p *Pipeline) RestoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for path, snap := range p.snapshots {
		if err := restoreFile(snap); err != nil {
			errs = append(errs, err)
			continue
		}
		p.journalDelete(path)
	}

	p.snapshots = make(map[string]*models.ConfigSnapshot)
	p.agentPaths = make(map[string][]string)

	return errors.Join(errs...)
}

// Recover restores snapshots journaled by a previous run that never reached
// a restore (host crash, kill -9). It must run before any agent is spawned.
func (p *Pipeline) Recover() (int, error) {
	if p.journal == nil {
		return 0, nil
	}

	entries, err := p.journal.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list journal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	recovered := 0
	var errs []error
	for i := range entries {
		snap := entries[i]
		if _, live := p.snapshots[snap.Path]; live {
			continue
		}
		if err := restoreFile(&snap); err != nil {
			errs = append(errs, err)
			continue
		}
		p.journalDelete(snap.Path)
		recovered++
		log.Printf("snapshot_event=recovered path=%q stale_agents=%v", snap.Path, snap.Agents)
	}

	return recovered, errors.Join(errs...)
}

// Tracked returns a copy of the snapshot held for path.
func (p *Pipeline) Tracked(path string) (models.ConfigSnapshot, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.ConfigSnapshot{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.snapshots[abs]
	if !ok {
		return models.ConfigSnapshot{}, false
	}
	out := *snap
	out.Agents = append([]string(nil), snap.Agents...)
	return out, true
}

// restoreFile applies the restore rules for a snapshot whose count reached zero.
func restoreFile(snap *models.ConfigSnapshot) error {
	data, err := os.ReadFile(snap.Path)
	if err != nil {
		if os.IsNotExist(err) && !snap.Existed() {
			return nil
		}
		log.Printf("Warning: snapshot_event=read_failed path=%q error=%q restoring original", snap.Path, err)
		return restoreOriginal(snap)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		log.Printf("Warning: snapshot_event=parse_failed path=%q error=%q restoring original", snap.Path, err)
		return restoreOriginal(snap)
	}

	stripped := StripClubhouseHooks(doc)
	if snap.Existed() {
		if original, err := ParseDocument([]byte(*snap.OriginalContent)); err == nil {
			stripped = KeepOriginalHookKeys(stripped, original)
		}
	}
	if !snap.Existed() && IsEmptyDocument(stripped) {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: snapshot_event=unlink_failed path=%q error=%q", snap.Path, err)
		}
		log.Printf("snapshot_event=restored path=%q action=deleted", snap.Path)
		return nil
	}

	if err := WriteDocument(snap.Path, stripped); err != nil {
		return err
	}
	log.Printf("snapshot_event=restored path=%q action=stripped", snap.Path)
	return nil
}

// restoreOriginal writes the frozen content back verbatim. A file that did not
// exist originally and is now unreadable or corrupt is left as is.
func restoreOriginal(snap *models.ConfigSnapshot) error {
	if !snap.Existed() {
		log.Printf("Warning: snapshot_event=left_untouched path=%q reason=no_original", snap.Path)
		return nil
	}
	if err := writeFile(snap.Path, []byte(*snap.OriginalContent)); err != nil {
		return err
	}
	log.Printf("snapshot_event=restored path=%q action=original", snap.Path)
	return nil
}

func (p *Pipeline) journalPut(snap *models.ConfigSnapshot) {
	if p.journal == nil {
		return
	}
	entry := *snap
	entry.Agents = append([]string(nil), snap.Agents...)
	if err := p.journal.Put(entry); err != nil {
		log.Printf("Warning: failed to journal snapshot %s: %v", snap.Path, err)
	}
}

func (p *Pipeline) journalDelete(path string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Delete(path); err != nil {
		log.Printf("Warning: failed to drop journal entry %s: %v", path, err)
	}
}

func removeOnce(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
