// Package audit keeps an append-only trail of data-loss-risk events:
// hard prunes, fallback entries parked for review, merge proposals.
// Events are written before the action they describe, so a crash in
// between loses the action but never the trace.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Event is one audit trail entry, one JSON line in the trail file.
type Event struct {
	Time    time.Time      `json:"time"`
	Event   string         `json:"event"`
	Details map[string]any `json:"details,omitempty"`
}

// Trail is a file-backed audit log. Appends are serialized in-process by
// a mutex and across processes by a file lock.
type Trail struct {
	mu    sync.Mutex
	path  string
	flock *flock.Flock
	now   func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// New opens (or creates) the audit trail at the given path.
func New(path string, opts ...Option) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	t := &Trail{
		path:  path,
		flock: flock.New(path + ".lock"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Append writes one event and flushes it to disk before returning.
func (t *Trail) Append(_ context.Context, event string, details map[string]any) error {
	line, err := json.Marshal(Event{
		Time:    t.now().UTC(),
		Event:   event,
		Details: details,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock audit trail: %w", err)
	}
	defer func() { _ = t.flock.Unlock() }()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return f.Sync()
}

// Recent returns the last n events, newest last. Used by the admin
// status surface.
func (t *Trail) Recent(n int) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// A torn final line from a crash is skipped, not fatal.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}
