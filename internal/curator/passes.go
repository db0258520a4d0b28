package curator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synapse-ops/synapse/internal/logger"
	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// AuditTrail records destructive curation actions durably before they
// are applied, and receives merge proposals for review.
type AuditTrail interface {
	Append(ctx context.Context, event string, details map[string]any) error
}

// Passes binds the curator to the store as scheduler job handlers: the
// rapid pass at base cadence, the scoring pass hourly and the deep pass
// daily. Every pass mutates at most MaxMutations records per run.
type Passes struct {
	curator *Curator
	audit   AuditTrail
	now     func() time.Time

	mu        sync.Mutex
	decisions map[string]uint64
}

// PassOption configures the pass handlers.
type PassOption func(*Passes)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) PassOption {
	return func(p *Passes) { p.now = now }
}

// NewPasses creates the pass handlers. The audit trail is required:
// hard prunes are recorded before deletion.
func NewPasses(cur *Curator, audit AuditTrail, opts ...PassOption) *Passes {
	p := &Passes{
		curator:   cur,
		audit:     audit,
		now:       time.Now,
		decisions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DecisionCounts returns the number of decisions applied or proposed
// since startup, by decision type.
func (p *Passes) DecisionCounts() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]uint64, len(p.decisions))
	for decision, n := range p.decisions {
		counts[decision] = n
	}
	return counts
}

func (p *Passes) count(t DecisionType) {
	p.mu.Lock()
	p.decisions[t.String()]++
	p.mu.Unlock()
}

// Rapid hard-prunes expired ephemeral records. Cheap enough to run every
// cycle.
func (p *Passes) Rapid(ctx context.Context, st store.Store) (models.Result, error) {
	now := p.now()
	var batch []*models.Record
	for _, kind := range []models.Kind{models.KindSession, models.KindNotification} {
		k := kind
		result, err := st.QueryRecords(ctx, store.Query{Kind: &k})
		if err != nil {
			return models.Result{}, fmt.Errorf("rapid pass query: %w", err)
		}
		batch = append(batch, result.Records...)
	}

	pruned := 0
	for _, decision := range p.curator.Curate(batch, now) {
		if decision.Type != DecisionPruneHard {
			continue
		}
		if pruned >= p.curator.cfg.MaxMutations {
			break
		}
		if err := p.hardPrune(ctx, st, decision); err != nil {
			return models.Result{}, err
		}
		pruned++
	}
	return models.Result{
		Summary: fmt.Sprintf("hard-pruned %d expired ephemeral records", pruned),
		Mutated: pruned,
	}, nil
}

// Scoring rescores all live records and applies tier demotions and soft
// prunes. Merge candidates are proposed to the audit trail for review,
// never applied here.
func (p *Passes) Scoring(ctx context.Context, st store.Store) (models.Result, error) {
	now := p.now()
	result, err := st.QueryRecords(ctx, store.Query{})
	if err != nil {
		return models.Result{}, fmt.Errorf("scoring pass query: %w", err)
	}

	mutated, proposed := 0, 0
	for _, decision := range p.curator.Curate(result.Records, now) {
		if mutated >= p.curator.cfg.MaxMutations {
			break
		}
		switch decision.Type {
		case DecisionDemote:
			rec, err := st.GetRecord(ctx, decision.RecordID)
			if err != nil {
				return models.Result{}, err
			}
			rec.Tier = decision.DemoteTo
			if err := st.PutRecord(ctx, rec); err != nil {
				return models.Result{}, err
			}
			p.count(DecisionDemote)
			mutated++
		case DecisionPruneSoft:
			rec, err := st.GetRecord(ctx, decision.RecordID)
			if err != nil {
				return models.Result{}, err
			}
			ts := now
			rec.TombstonedAt = &ts
			if err := st.PutRecord(ctx, rec); err != nil {
				return models.Result{}, err
			}
			p.count(DecisionPruneSoft)
			mutated++
		case DecisionPruneHard:
			if err := p.hardPrune(ctx, st, decision); err != nil {
				return models.Result{}, err
			}
			mutated++
		case DecisionMerge:
			if err := p.proposeMerge(ctx, decision); err != nil {
				return models.Result{}, err
			}
			proposed++
		}
	}
	return models.Result{
		Summary: fmt.Sprintf("retiered/pruned %d records, proposed %d merges", mutated, proposed),
		Mutated: mutated,
	}, nil
}

// Deep purges tombstones past the grace period and runs cross-record
// duplicate detection. In reduced mode the similarity signal is
// unavailable, so dedup falls back to hash and title matching only.
func (p *Passes) Deep(ctx context.Context, st store.Store) (models.Result, error) {
	now := p.now()
	cutoff := now.Add(-p.curator.cfg.GracePeriod)
	expired, err := st.QueryRecords(ctx, store.Query{TombstonedBefore: &cutoff})
	if err != nil {
		return models.Result{}, fmt.Errorf("deep pass tombstone query: %w", err)
	}

	purged := 0
	for _, rec := range expired.Records {
		if purged >= p.curator.cfg.MaxMutations {
			break
		}
		if err := p.hardPrune(ctx, st, Decision{
			RecordID: rec.ID,
			Type:     DecisionPruneHard,
			Reason:   "tombstone grace period expired",
		}); err != nil {
			return models.Result{}, err
		}
		purged++
	}

	live, err := st.QueryRecords(ctx, store.Query{})
	if err != nil {
		return models.Result{}, fmt.Errorf("deep pass dedup query: %w", err)
	}
	cur := p.curator
	if live.Reduced {
		logger.Warn(ctx, "store in reduced mode, skipping similarity dedup")
		cur = cur.withoutSimilarity()
	}

	proposed := 0
	for _, rec := range live.Records {
		if rec.Tombstoned() || rec.Protected {
			continue
		}
		dup := cur.findDuplicate(rec, live.Records)
		if dup == nil {
			continue
		}
		if err := p.proposeMerge(ctx, Decision{
			RecordID:  rec.ID,
			Type:      DecisionMerge,
			MergeWith: dup.ID,
			Reason:    "cross-record dedup",
		}); err != nil {
			return models.Result{}, err
		}
		proposed++
	}
	return models.Result{
		Summary: fmt.Sprintf("purged %d tombstones, proposed %d merges", purged, proposed),
		Mutated: purged,
	}, nil
}

// hardPrune writes the audit event before the delete so a crash between
// the two loses the record but never the trace.
func (p *Passes) hardPrune(ctx context.Context, st store.Store, decision Decision) error {
	if err := p.audit.Append(ctx, "record_hard_pruned", map[string]any{
		"record": decision.RecordID,
		"score":  decision.Score,
		"reason": decision.Reason,
	}); err != nil {
		return fmt.Errorf("audit before hard prune: %w", err)
	}
	if err := st.DeleteRecord(ctx, decision.RecordID); err != nil {
		return fmt.Errorf("hard prune %s: %w", decision.RecordID, err)
	}
	p.count(DecisionPruneHard)
	logger.Info(ctx, "record hard-pruned", "record", decision.RecordID, "reason", decision.Reason)
	return nil
}

func (p *Passes) proposeMerge(ctx context.Context, decision Decision) error {
	p.count(DecisionMerge)
	logger.Info(ctx, "merge proposed", "record", decision.RecordID, "into", decision.MergeWith)
	return p.audit.Append(ctx, "merge_proposed", map[string]any{
		"record": decision.RecordID,
		"into":   decision.MergeWith,
		"reason": decision.Reason,
	})
}

// withoutSimilarity returns a copy whose dedup ignores embeddings.
// Cosine similarity never exceeds 1, so a threshold above it disables
// the check.
func (c *Curator) withoutSimilarity() *Curator {
	cfg := c.cfg
	cfg.SimilarityThreshold = 2
	return &Curator{cfg: cfg}
}
