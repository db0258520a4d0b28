package models

import (
	"fmt"
	"time"
)

// Tier is the retention bucket a record lives in. Demotion moves a record to
// a cheaper, slower-access bucket.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "HOT"
	case TierWarm:
		return "WARM"
	case TierCold:
		return "COLD"
	default:
		return "unknown"
	}
}

// ParseTier converts a stored tier string back to the enum.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "HOT":
		return TierHot, nil
	case "WARM":
		return TierWarm, nil
	case "COLD":
		return TierCold, nil
	default:
		return 0, fmt.Errorf("unknown tier: %q", s)
	}
}

// Demoted returns the next tier down. COLD stays COLD.
func (t Tier) Demoted() Tier {
	switch t {
	case TierHot:
		return TierWarm
	default:
		return TierCold
	}
}

// Kind is the closed set of record types under lifecycle management.
type Kind int

const (
	KindInsight Kind = iota
	KindDecision
	KindAnalysis
	KindReference
	KindSession
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindInsight:
		return "insight"
	case KindDecision:
		return "decision"
	case KindAnalysis:
		return "analysis"
	case KindReference:
		return "reference"
	case KindSession:
		return "session"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// ParseKind converts a stored kind string back to the enum.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "insight":
		return KindInsight, nil
	case "decision":
		return KindDecision, nil
	case "analysis":
		return KindAnalysis, nil
	case "reference":
		return KindReference, nil
	case "session":
		return KindSession, nil
	case "notification":
		return KindNotification, nil
	default:
		return 0, fmt.Errorf("unknown record kind: %q", s)
	}
}

// KindSpec carries the scoring parameters of a record kind.
type KindSpec struct {
	// BaseWeight is the kind's contribution to the retention score.
	BaseWeight float64
	// HalfLife controls how fast the recency bonus decays.
	HalfLife time.Duration
	// Ephemeral kinds are hard-pruned once their score reaches near zero.
	Ephemeral bool
}

// Spec returns the scoring parameters for the kind.
func (k Kind) Spec() KindSpec {
	return kindSpecs[k]
}

var kindSpecs = map[Kind]KindSpec{
	KindInsight:      {BaseWeight: 40, HalfLife: 14 * 24 * time.Hour},
	KindDecision:     {BaseWeight: 50, HalfLife: 30 * 24 * time.Hour},
	KindAnalysis:     {BaseWeight: 35, HalfLife: 7 * 24 * time.Hour},
	KindReference:    {BaseWeight: 30, HalfLife: 30 * 24 * time.Hour},
	KindSession:      {BaseWeight: 10, HalfLife: 12 * time.Hour, Ephemeral: true},
	KindNotification: {BaseWeight: 5, HalfLife: 6 * time.Hour, Ephemeral: true},
}

// Record is a stored item subject to lifecycle management. Application logic
// creates records; the curator owns Tier and TombstonedAt.
type Record struct {
	ID                string     `json:"id"`
	Kind              Kind       `json:"kind"`
	Tier              Tier       `json:"tier"`
	Title             string     `json:"title,omitempty"`
	ContentHash       string     `json:"contentHash,omitempty"`
	Embedding         []float64  `json:"embedding,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastAccessedAt    time.Time  `json:"lastAccessedAt"`
	AccessCountWindow int        `json:"accessCountWindow"`
	Confidence        float64    `json:"confidence"`
	Severity          float64    `json:"severity,omitempty"`
	RelationshipCount int        `json:"relationshipCount"`
	OwnerCount        int        `json:"ownerCount"`
	SizeBytes         int        `json:"sizeBytes"`
	Protected         bool       `json:"protected"`
	TombstonedAt      *time.Time `json:"tombstonedAt,omitempty"`
}

// Tombstoned reports whether the record carries a soft-delete marker.
func (r *Record) Tombstoned() bool {
	return r.TombstonedAt != nil
}

// Age returns the time since the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}
