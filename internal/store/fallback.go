package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/synapse-ops/synapse/internal/models"
)

// FileSecondary is a file-backed Secondary store. The sync queue is persisted
// as one JSON entry per line and rewritten atomically (write temp, rename)
// under a file lock so a concurrent process never observes a torn entry. The
// record/worker mirror is in-memory and best-effort: it serves key and
// equality-filter lookups only.
type FileSecondary struct {
	mu    sync.Mutex
	path  string
	flock *flock.Flock

	entries map[string]*models.FallbackEntry

	mirrorRecords map[string]*models.Record
	mirrorWorkers map[string]*models.Worker
}

var _ Secondary = (*FileSecondary)(nil)

// NewFileSecondary opens (or creates) the fallback queue at the given path
// and loads any entries persisted by a previous run.
func NewFileSecondary(path string) (*FileSecondary, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}

	s := &FileSecondary{
		path:          path,
		flock:         flock.New(path + ".lock"),
		entries:       make(map[string]*models.FallbackEntry),
		mirrorRecords: make(map[string]*models.Record),
		mirrorWorkers: make(map[string]*models.Worker),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSecondary) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open fallback queue: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.FallbackEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn tail line from a crashed writer is dropped; every
			// complete entry is intact because rewrites are atomic.
			continue
		}
		s.entries[entry.ID] = &entry
	}
	return scanner.Err()
}

// persist rewrites the queue file atomically. Caller holds s.mu.
func (s *FileSecondary) persist() error {
	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock fallback queue: %w", err)
	}
	defer func() { _ = s.flock.Unlock() }()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".fallback-*")
	if err != nil {
		return fmt.Errorf("failed to create temp fallback file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	for _, entry := range s.ordered() {
		data, err := json.Marshal(entry)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to marshal fallback entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write fallback entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// ordered returns all entries in creation order. Caller holds s.mu.
func (s *FileSecondary) ordered() []*models.FallbackEntry {
	entries := make([]*models.FallbackEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// Insert implements Secondary.
func (s *FileSecondary) Insert(_ context.Context, entry models.FallbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return nil
	}
	cp := entry
	s.entries[entry.ID] = &cp
	return s.persist()
}

// Unsynced implements Secondary.
func (s *FileSecondary) Unsynced(_ context.Context) ([]models.FallbackEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.FallbackEntry
	for _, e := range s.ordered() {
		if e.Synced || e.NeedsReview {
			continue
		}
		pending = append(pending, *e)
	}
	return pending, nil
}

// MarkSynced implements Secondary.
func (s *FileSecondary) MarkSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.Synced {
		return nil
	}
	entry.Synced = true
	return s.persist()
}

// RecordAttempt implements Secondary.
func (s *FileSecondary) RecordAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return 0, ErrNotFound
	}
	entry.Attempts++
	return entry.Attempts, s.persist()
}

// FlagReview implements Secondary.
func (s *FileSecondary) FlagReview(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	entry.NeedsReview = true
	return s.persist()
}

// MirrorRecord implements Secondary.
func (s *FileSecondary) MirrorRecord(_ context.Context, rec *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.mirrorRecords[rec.ID] = &cp
}

// MirrorDeleteRecord implements Secondary.
func (s *FileSecondary) MirrorDeleteRecord(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mirrorRecords, id)
}

// MirrorWorker implements Secondary.
func (s *FileSecondary) MirrorWorker(_ context.Context, w *models.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.mirrorWorkers[w.ID] = &cp
}

// GetRecord implements Secondary.
func (s *FileSecondary) GetRecord(_ context.Context, id string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mirrorRecords[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// QueryRecords implements Secondary. Similarity queries require full store
// capability and are rejected.
func (s *FileSecondary) QueryRecords(_ context.Context, q Query) (QueryResult, error) {
	if len(q.SimilarTo) > 0 {
		return QueryResult{}, models.ErrReducedCapability
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*models.Record
	for _, rec := range s.mirrorRecords {
		if !matches(rec, q) {
			continue
		}
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return QueryResult{Records: records, Reduced: true}, nil
}

// GetWorker implements Secondary.
func (s *FileSecondary) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.mirrorWorkers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers implements Secondary.
func (s *FileSecondary) ListWorkers(_ context.Context) ([]*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var workers []*models.Worker
	for _, w := range s.mirrorWorkers {
		cp := *w
		workers = append(workers, &cp)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}
