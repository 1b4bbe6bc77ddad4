// Package history keeps a capped, newest-first record of finished import jobs
// in a JSON file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airframesio/table-importer/cmd/mapping"
)

// DefaultLimit is the number of entries kept.
const DefaultLimit = 50

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Entry is the terminal snapshot of one job. Entries are never modified once
// appended.
type Entry struct {
	JobID        string               `json:"job_id"`
	Timestamp    time.Time            `json:"timestamp"`
	SourceTable  string               `json:"source_table"`
	TargetTable  string               `json:"target_table"`
	FieldMapping mapping.FieldMapping `json:"field_mapping"`
	ImportMode   string               `json:"import_mode"`
	Status       Status               `json:"status"`
	RecordsCount int64                `json:"records_count"`
	TotalRecords int64                `json:"total_records"`
	Duration     float64              `json:"duration"` // seconds
	Error        string               `json:"error,omitempty"`
}

// Store persists entries to a single JSON file. Each Append rewrites the
// whole file through a temporary file and rename.
type Store struct {
	path   string
	limit  int
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore returns a store at path keeping at most limit entries
// (DefaultLimit when limit <= 0).
func NewStore(path string, limit int, logger *slog.Logger) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, limit: limit, logger: logger}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Append puts e at the front and drops entries beyond the limit.
func (s *Store) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load()
	entries = append([]Entry{e}, entries...)
	if len(entries) > s.limit {
		entries = entries[:s.limit]
	}
	return s.save(entries)
}

// All returns every stored entry, newest first. A missing or unreadable file
// yields an empty list.
func (s *Store) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(fmt.Sprintf("Failed to read import history %s: %v", s.path, err))
		}
		return []Entry{}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn(fmt.Sprintf("Import history %s is corrupted, starting fresh: %v", s.path, err))
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

func (s *Store) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
