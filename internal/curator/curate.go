package curator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

// DecisionType is the action the curator takes on one record.
type DecisionType int

const (
	DecisionKeep DecisionType = iota
	DecisionImprove
	DecisionMerge
	DecisionDemote
	DecisionPruneSoft
	DecisionPruneHard
)

func (d DecisionType) String() string {
	switch d {
	case DecisionKeep:
		return "keep"
	case DecisionImprove:
		return "improve"
	case DecisionMerge:
		return "merge"
	case DecisionDemote:
		return "demote"
	case DecisionPruneSoft:
		return "prune_soft"
	case DecisionPruneHard:
		return "prune_hard"
	default:
		return "unknown"
	}
}

// Decision is the curator's verdict for one record.
type Decision struct {
	RecordID string       `json:"recordId"`
	Type     DecisionType `json:"type"`
	Score    float64      `json:"score"`
	// MergeWith names the surviving duplicate for merge decisions.
	MergeWith string `json:"mergeWith,omitempty"`
	// DemoteTo is the target tier for demote decisions.
	DemoteTo models.Tier `json:"demoteTo,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

// Config tunes curation decisions.
type Config struct {
	Weights Weights
	// KeepThreshold and above keeps the record as is.
	KeepThreshold float64
	// PruneThreshold and below makes a record prune-eligible; between the
	// two thresholds the record is improved, merged or demoted.
	PruneThreshold float64
	// EphemeralFloor is the near-zero score at which ephemeral kinds are
	// hard-pruned instead of tombstoned.
	EphemeralFloor float64
	// MinAge is the age floor below which nothing is ever pruned.
	MinAge time.Duration
	// GracePeriod is how long a tombstoned record survives before the
	// deep pass purges it.
	GracePeriod time.Duration
	// SimilarityThreshold is the cosine similarity above which two
	// embeddings count as duplicates.
	SimilarityThreshold float64
	// MaxMutations caps the records one pass may change.
	MaxMutations int
}

// DefaultConfig returns the documented curation defaults.
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		KeepThreshold:       60,
		PruneThreshold:      25,
		EphemeralFloor:      15,
		MinAge:              24 * time.Hour,
		GracePeriod:         30 * 24 * time.Hour,
		SimilarityThreshold: 0.92,
		MaxMutations:        100,
	}
}

// Curator scores records and decides their lifecycle transitions.
type Curator struct {
	cfg Config
}

// New creates a curator. Zero config fields take defaults.
func New(cfg Config) *Curator {
	def := DefaultConfig()
	if cfg.KeepThreshold == 0 {
		cfg.KeepThreshold = def.KeepThreshold
	}
	if cfg.PruneThreshold == 0 {
		cfg.PruneThreshold = def.PruneThreshold
	}
	if cfg.EphemeralFloor == 0 {
		cfg.EphemeralFloor = def.EphemeralFloor
	}
	if cfg.MinAge == 0 {
		cfg.MinAge = def.MinAge
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxMutations == 0 {
		cfg.MaxMutations = def.MaxMutations
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Curator{cfg: cfg}
}

// Score computes the retention score of one record.
func (c *Curator) Score(rec *models.Record, now time.Time) float64 {
	return c.cfg.Weights.Score(rec, now)
}

// pruneEligible is the hard pre-filter: protection and the age floor
// override any score. Ephemeral kinds age out on their own half-life
// instead of the global floor, so a notification does not outlive its
// relevance window just because the window is short.
func (c *Curator) pruneEligible(rec *models.Record, now time.Time) bool {
	if rec.Protected {
		return false
	}
	floor := c.cfg.MinAge
	if spec := rec.Kind.Spec(); spec.Ephemeral {
		floor = 2 * spec.HalfLife
	}
	return rec.Age(now) >= floor
}

// Curate scores a batch and returns one decision per live record. Merge
// decisions name a surviving duplicate and are queued for review by the
// caller, never applied directly.
func (c *Curator) Curate(records []*models.Record, now time.Time) []Decision {
	decisions := make([]Decision, 0, len(records))
	for _, rec := range records {
		if rec.Tombstoned() {
			continue
		}
		decisions = append(decisions, c.decide(rec, records, now))
	}
	return decisions
}

func (c *Curator) decide(rec *models.Record, batch []*models.Record, now time.Time) Decision {
	score := c.Score(rec, now)
	d := Decision{RecordID: rec.ID, Score: score}

	if rec.Protected {
		d.Type = DecisionKeep
		d.Reason = "protected"
		return d
	}
	if score >= c.cfg.KeepThreshold {
		d.Type = DecisionKeep
		return d
	}

	if score > c.cfg.PruneThreshold {
		if dup := c.findDuplicate(rec, batch); dup != nil {
			d.Type = DecisionMerge
			d.MergeWith = dup.ID
			d.Reason = "near-duplicate"
			return d
		}
		if rec.Tier == models.TierCold {
			d.Type = DecisionImprove
			d.Reason = "mid-range score at lowest tier"
			return d
		}
		d.Type = DecisionDemote
		d.DemoteTo = rec.Tier.Demoted()
		return d
	}

	if !c.pruneEligible(rec, now) {
		d.Type = DecisionKeep
		d.Reason = "prune blocked: protected or under age floor"
		return d
	}
	if rec.Kind.Spec().Ephemeral && score <= c.cfg.EphemeralFloor {
		d.Type = DecisionPruneHard
		d.Reason = fmt.Sprintf("ephemeral %s below floor", rec.Kind)
		return d
	}
	d.Type = DecisionPruneSoft
	return d
}

var titleNorm = regexp.MustCompile(`\s+`)

func normalizeTitle(title string) string {
	return titleNorm.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), " ")
}

// findDuplicate looks for a near-duplicate of rec within the batch: exact
// content hash, normalized title or embedding cosine above the threshold.
// The older record survives a merge.
func (c *Curator) findDuplicate(rec *models.Record, batch []*models.Record) *models.Record {
	for _, other := range batch {
		if other.ID == rec.ID || other.Tombstoned() || other.Kind != rec.Kind {
			continue
		}
		// Merge into the older record only, so a pair produces one
		// decision instead of two pointing at each other.
		if !other.CreatedAt.Before(rec.CreatedAt) {
			continue
		}
		if rec.ContentHash != "" && rec.ContentHash == other.ContentHash {
			return other
		}
		if rec.Title != "" && normalizeTitle(rec.Title) == normalizeTitle(other.Title) {
			return other
		}
		if len(rec.Embedding) > 0 && len(other.Embedding) > 0 &&
			store.CosineSimilarity(rec.Embedding, other.Embedding) >= c.cfg.SimilarityThreshold {
			return other
		}
	}
	return nil
}
