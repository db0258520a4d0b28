package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// Handler is the work a job performs. It receives the store so built-in
// jobs (curation passes, fallback sync, tombstone purge) can read and
// mutate records without each carrying its own connection.
type Handler func(ctx context.Context, st store.Store) (models.Result, error)

// Entry pairs persisted job metadata with its registered handler.
type Entry struct {
	Job     models.Job
	Handler Handler
}

// Registry holds the job table. Registration is allowed while the
// scheduler is running; the next cycle picks up changes.
type Registry struct {
	mu       sync.RWMutex
	entries  map[models.JobKey]*Entry
	baseTick time.Duration
}

// NewRegistry creates a registry validating cadences against baseTick.
func NewRegistry(baseTick time.Duration) *Registry {
	return &Registry{
		entries:  make(map[models.JobKey]*Entry),
		baseTick: baseTick,
	}
}

// Register adds or replaces a job. Re-registering the same (owner, name)
// updates metadata and handler in place. A zero budget is allowed and
// means the job runs free of the cycle ceiling.
func (r *Registry) Register(job models.Job, h Handler) error {
	if job.Name == "" || job.Owner == "" {
		return fmt.Errorf("job must have a name and an owner")
	}
	if h == nil {
		return fmt.Errorf("job %s has no handler", job.Key())
	}
	if job.Cadence <= 0 || job.Cadence%r.baseTick != 0 {
		return fmt.Errorf("job %s cadence %s is not a multiple of the base tick %s",
			job.Key(), job.Cadence, r.baseTick)
	}
	if job.Budget < 0 {
		return fmt.Errorf("job %s has negative budget", job.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[job.Key()] = &Entry{Job: job, Handler: h}
	return nil
}

// Enable marks a job runnable.
func (r *Registry) Enable(key models.JobKey) error {
	return r.setEnabled(key, true)
}

// Disable removes a job from scheduling without dropping its registration.
func (r *Registry) Disable(key models.JobKey) error {
	return r.setEnabled(key, false)
}

func (r *Registry) setEnabled(key models.JobKey, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("job %s is not registered", key)
	}
	entry.Job.Enabled = enabled
	return nil
}

// Redistribute moves every job owned by `from` to `to`, as failover
// does when a worker stops functioning. Returns how many jobs moved.
func (r *Registry) Redistribute(_ context.Context, from, to string) (int, error) {
	if to == "" {
		return 0, fmt.Errorf("no standby to redistribute jobs from %q to", from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	moved := 0
	for key, entry := range r.entries {
		if key.Owner != from {
			continue
		}
		entry.Job.Owner = to
		newKey := entry.Job.Key()
		if _, taken := r.entries[newKey]; taken {
			// The standby already runs a job with this name; keep the
			// original registration rather than clobbering either.
			entry.Job.Owner = from
			continue
		}
		delete(r.entries, key)
		r.entries[newKey] = entry
		moved++
	}
	return moved, nil
}

// List returns a stable snapshot of all registered jobs.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]models.Job, 0, len(r.entries))
	for _, entry := range r.entries {
		jobs = append(jobs, entry.Job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Key().String() < jobs[j].Key().String()
	})
	return jobs
}

// snapshot returns copies of the entries for one cycle so a concurrent
// Register cannot mutate a job mid-run.
func (r *Registry) snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	return entries
}
