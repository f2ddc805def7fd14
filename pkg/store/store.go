// Package store persists civilization snapshots as JSON files under a
// data directory, with an index file for listing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentciv/agentciv/pkg/civ"
)

// ErrNotFound indicates no snapshot exists for the requested id.
var ErrNotFound = errors.New("civilization not found")

const indexFile = "index.json"

// IndexEntry summarizes one stored civilization for listings.
type IndexEntry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	AgentCount int       `json:"agent_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileStore writes each civilization to <dir>/<id>.json and maintains
// <dir>/index.json. It implements civ.Store.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes the snapshot and upserts its index entry.
func (s *FileStore) Save(state *civ.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode civilization: %w", err)
	}
	path := filepath.Join(s.dir, state.ID+".json")
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	return s.upsertIndex(IndexEntry{
		ID:         state.ID,
		Name:       state.Name,
		CreatedAt:  state.CreatedAt,
		AgentCount: len(state.AgentStates),
		UpdatedAt:  time.Now().UTC(),
	})
}

// Load reads one snapshot by id.
func (s *FileStore) Load(id string) (*civ.State, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("civilization %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var state civ.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode civilization %q: %w", id, err)
	}
	return &state, nil
}

// List returns the index entries, most recently updated first.
func (s *FileStore) List() ([]IndexEntry, error) {
	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

// Delete removes a snapshot and its index entry.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("civilization %q: %w", id, ErrNotFound)
		}
		return err
	}
	entries, err := s.readIndex()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return s.writeIndex(kept)
}

func (s *FileStore) upsertIndex(entry IndexEntry) error {
	entries, err := s.readIndex()
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, entry)
	}
	return s.writeIndex(entries)
}

func (s *FileStore) readIndex() ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return entries, nil
}

func (s *FileStore) writeIndex(entries []IndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, indexFile), data)
}

// writeFileAtomic writes via a temp file and rename so a crash cannot
// leave a half-written snapshot.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
