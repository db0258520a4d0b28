package curator

import (
	"math"
	"time"

	"github.com/synapse-ops/synapse/internal/models"
)

// Weights tunes the retention score terms. Zero values fall back to the
// documented defaults.
type Weights struct {
	// RecencyMax is the recency bonus at age zero; it halves every
	// kind half-life.
	RecencyMax float64
	// FrequencyFactor scales the log of the windowed access count.
	FrequencyFactor float64
	// QualityFactor scales confidence.
	QualityFactor float64
	// SeverityFactor scales severity for analysis records.
	SeverityFactor float64
	// CentralityFactor scales the relationship count.
	CentralityFactor float64
	// CentralityCap bounds the relationship count before scaling so a
	// single hub record cannot dominate the formula.
	CentralityCap int
	// CrossOwnerBonus is a flat bonus for records touched by more than
	// one owner.
	CrossOwnerBonus float64
	// BloatFactor scales the penalty for exceeding the tier's
	// per-record size target.
	BloatFactor float64
	// ProtectedMultiplier lifts protected records above every
	// threshold.
	ProtectedMultiplier float64
}

// DefaultWeights returns the production scoring weights.
func DefaultWeights() Weights {
	return Weights{
		RecencyMax:          30,
		FrequencyFactor:     5,
		QualityFactor:       20,
		SeverityFactor:      10,
		CentralityFactor:    2,
		CentralityCap:       10,
		CrossOwnerBonus:     10,
		BloatFactor:         15,
		ProtectedMultiplier: 1000,
	}
}

// tierSizeTargets are the per-record storage targets in bytes; the bloat
// penalty grows with the overshoot past the target.
var tierSizeTargets = map[models.Tier]int{
	models.TierHot:  16 * 1024,
	models.TierWarm: 64 * 1024,
	models.TierCold: 256 * 1024,
}

// Score computes the retention value of a record at the given instant.
// Higher scores keep; near zero prunes.
func (w Weights) Score(rec *models.Record, now time.Time) float64 {
	spec := rec.Kind.Spec()
	score := spec.BaseWeight

	if age := now.Sub(rec.LastAccessedAt); age > 0 && spec.HalfLife > 0 {
		score += w.RecencyMax * math.Exp2(-age.Hours()/spec.HalfLife.Hours())
	} else {
		score += w.RecencyMax
	}

	if rec.AccessCountWindow > 0 {
		score += w.FrequencyFactor * math.Log1p(float64(rec.AccessCountWindow))
	}

	score += w.QualityFactor * rec.Confidence
	if rec.Kind == models.KindAnalysis {
		score += w.SeverityFactor * rec.Severity
	}

	centrality := rec.RelationshipCount
	if centrality > w.CentralityCap {
		centrality = w.CentralityCap
	}
	score += w.CentralityFactor * float64(centrality)

	if rec.OwnerCount > 1 {
		score += w.CrossOwnerBonus
	}

	if target := tierSizeTargets[rec.Tier]; target > 0 && rec.SizeBytes > target {
		score -= w.BloatFactor * float64(rec.SizeBytes-target) / float64(target)
	}

	if score < 0 {
		score = 0
	}
	if rec.Protected {
		score *= w.ProtectedMultiplier
	}
	return score
}
