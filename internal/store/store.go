// Package store persists config snapshots so a crashed host can restore them on restart.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/sevir/clubhoused/pkg/models"
)

// ErrJournalInUse is returned when another process holds the journal.
var ErrJournalInUse = errors.New("journal in use by another clubhoused")

// Journal defines the interface for snapshot persistence.
type Journal interface {
	Put(snap models.ConfigSnapshot) error
	Delete(path string) error
	List() ([]models.ConfigSnapshot, error)
	Close() error
}

// FileJournal implements Journal using a JSON file for persistence.
// Every mutation is written through to disk. The journal is owned by one
// process at a time: the lock is taken on open and held until Close.
type FileJournal struct {
	path    string
	entries map[string]models.ConfigSnapshot
	mu      sync.Mutex
	lock    *flock.Flock
}

// NewFileJournal opens the journal at path, loading any existing entries. It
// fails with ErrJournalInUse when another process has it open.
func NewFileJournal(path string) (*FileJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock journal: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrJournalInUse, path)
	}

	fj := &FileJournal{
		path:    path,
		entries: make(map[string]models.ConfigSnapshot),
		lock:    lock,
	}

	if err := fj.load(); err != nil {
		lock.Close()
		return nil, err
	}

	return fj, nil
}

// load reads the journal file. A file that does not parse is moved aside to
// <path>.corrupt and the journal starts empty.
func (fj *FileJournal) load() error {
	fj.mu.Lock()
	defer fj.mu.Unlock()

	data, err := os.ReadFile(fj.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read journal file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var entries map[string]models.ConfigSnapshot
	if err := json.Unmarshal(data, &entries); err != nil {
		aside := fj.path + ".corrupt"
		if rerr := os.Rename(fj.path, aside); rerr != nil {
			log.Printf("Warning: journal_event=corrupt path=%q error=%q rename_error=%q starting empty", fj.path, err, rerr)
			return nil
		}
		log.Printf("Warning: journal_event=corrupt path=%q error=%q moved_to=%q starting empty", fj.path, err, aside)
		return nil
	}

	if entries != nil {
		fj.entries = entries
	}
	return nil
}

// save must be called with fj.mu held.
func (fj *FileJournal) save() error {
	data, err := json.MarshalIndent(fj.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}

	tmpPath := fj.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fj.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Put stores or updates the snapshot for its path.
func (fj *FileJournal) Put(snap models.ConfigSnapshot) error {
	fj.mu.Lock()
	defer fj.mu.Unlock()

	fj.entries[snap.Path] = snap
	return fj.save()
}

// Delete removes the snapshot for a path. Deleting a missing path is a no-op.
func (fj *FileJournal) Delete(path string) error {
	fj.mu.Lock()
	defer fj.mu.Unlock()

	if _, exists := fj.entries[path]; !exists {
		return nil
	}

	delete(fj.entries, path)
	return fj.save()
}

// List returns all journaled snapshots ordered by path.
func (fj *FileJournal) List() ([]models.ConfigSnapshot, error) {
	fj.mu.Lock()
	defer fj.mu.Unlock()

	return sortedEntries(fj.entries), nil
}

// Close releases the journal lock. Entries are already on disk.
func (fj *FileJournal) Close() error {
	fj.mu.Lock()
	defer fj.mu.Unlock()
	return fj.lock.Close()
}

// MemoryJournal is a Journal kept only in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]models.ConfigSnapshot
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]models.ConfigSnapshot)}
}

// Put stores or updates the snapshot for its path.
func (mj *MemoryJournal) Put(snap models.ConfigSnapshot) error {
	mj.mu.Lock()
	defer mj.mu.Unlock()
	mj.entries[snap.Path] = snap
	return nil
}

// Delete removes the snapshot for a path.
func (mj *MemoryJournal) Delete(path string) error {
	mj.mu.Lock()
	defer mj.mu.Unlock()
	delete(mj.entries, path)
	return nil
}

// List returns all snapshots ordered by path.
func (mj *MemoryJournal) List() ([]models.ConfigSnapshot, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()
	return sortedEntries(mj.entries), nil
}

// Close is a no-op.
func (mj *MemoryJournal) Close() error { return nil }

func sortedEntries(entries map[string]models.ConfigSnapshot) []models.ConfigSnapshot {
	result := make([]models.ConfigSnapshot, 0, len(entries))
	for _, snap := range entries {
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})
	return result
}
