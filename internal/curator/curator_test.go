package curator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapse-ops/synapse/internal/models"
	"github.com/synapse-ops/synapse/internal/store"
)

var fixedTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// liveRecord returns a record created and last accessed `age` ago.
func liveRecord(id string, kind models.Kind, age time.Duration) *models.Record {
	return &models.Record{
		ID:             id,
		Kind:           kind,
		Tier:           models.TierHot,
		CreatedAt:      fixedTime.Add(-age),
		LastAccessedAt: fixedTime.Add(-age),
	}
}

func decisionFor(t *testing.T, decisions []Decision, id string) Decision {
	t.Helper()
	for _, d := range decisions {
		if d.RecordID == id {
			return d
		}
	}
	t.Fatalf("no decision for record %q", id)
	return Decision{}
}

func TestScore_RecencyDecay(t *testing.T) {
	w := DefaultWeights()
	fresh := liveRecord("fresh", models.KindInsight, time.Hour)
	stale := liveRecord("stale", models.KindInsight, 60*24*time.Hour)

	assert.Greater(t, w.Score(fresh, fixedTime), w.Score(stale, fixedTime))

	// One half-life knocks the recency bonus down to half RecencyMax.
	half := liveRecord("half", models.KindInsight, models.KindInsight.Spec().HalfLife)
	got := w.Score(half, fixedTime) - models.KindInsight.Spec().BaseWeight
	assert.InDelta(t, w.RecencyMax/2, got, 0.5)
}

func TestScore_Bonuses(t *testing.T) {
	w := DefaultWeights()
	base := liveRecord("base", models.KindAnalysis, time.Hour)

	accessed := *base
	accessed.AccessCountWindow = 20
	assert.Greater(t, w.Score(&accessed, fixedTime), w.Score(base, fixedTime))

	confident := *base
	confident.Confidence = 1
	confident.Severity = 1
	assert.InDelta(t, w.QualityFactor+w.SeverityFactor,
		w.Score(&confident, fixedTime)-w.Score(base, fixedTime), 0.01)

	shared := *base
	shared.OwnerCount = 3
	assert.InDelta(t, w.CrossOwnerBonus,
		w.Score(&shared, fixedTime)-w.Score(base, fixedTime), 0.01)

	// Centrality is capped.
	hub := *base
	hub.RelationshipCount = 1000
	capped := *base
	capped.RelationshipCount = w.CentralityCap
	assert.Equal(t, w.Score(&capped, fixedTime), w.Score(&hub, fixedTime))
}

func TestScore_BloatPenaltyAndFloor(t *testing.T) {
	w := DefaultWeights()
	slim := liveRecord("slim", models.KindReference, time.Hour)
	bloated := *slim
	bloated.SizeBytes = 10 * tierSizeTargets[models.TierHot]

	assert.Less(t, w.Score(&bloated, fixedTime), w.Score(slim, fixedTime))

	// The penalty never pushes a score negative.
	bloated.SizeBytes = 1 << 30
	assert.Equal(t, 0.0, w.Score(&bloated, fixedTime))
}

func TestScore_ProtectedMultiplier(t *testing.T) {
	w := DefaultWeights()
	rec := liveRecord("r", models.KindSession, time.Hour)
	protected := *rec
	protected.Protected = true
	assert.Equal(t, w.Score(rec, fixedTime)*w.ProtectedMultiplier,
		w.Score(&protected, fixedTime))
}

func TestCurate_ExpiredNotificationHardPrunes(t *testing.T) {
	cur := New(Config{})
	rec := liveRecord("n1", models.KindNotification, 13*time.Hour)

	decisions := cur.Curate([]*models.Record{rec}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionPruneHard, decisions[0].Type)
}

func TestCurate_ProtectedNeverPruned(t *testing.T) {
	cur := New(Config{})
	rec := liveRecord("p1", models.KindNotification, 100*24*time.Hour)
	rec.Protected = true

	decisions := cur.Curate([]*models.Record{rec}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionKeep, decisions[0].Type)
	assert.Equal(t, "protected", decisions[0].Reason)
}

func TestCurate_AgeFloorBlocksPrune(t *testing.T) {
	cur := New(Config{})

	// Terrible score but only two hours old: kept by the pre-filter.
	rec := liveRecord("young", models.KindReference, 2*time.Hour)
	rec.SizeBytes = 1 << 30
	decisions := cur.Curate([]*models.Record{rec}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionKeep, decisions[0].Type)
	assert.Contains(t, decisions[0].Reason, "prune blocked")

	// A notification under twice its half-life is likewise untouchable.
	young := liveRecord("n-young", models.KindNotification, 11*time.Hour)
	decisions = cur.Curate([]*models.Record{young}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionKeep, decisions[0].Type)
}

func TestCurate_MidRangeDemotesOneTier(t *testing.T) {
	cur := New(Config{})
	rec := liveRecord("stale", models.KindInsight, 30*24*time.Hour)
	rec.Tier = models.TierHot

	decisions := cur.Curate([]*models.Record{rec}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionDemote, decisions[0].Type)
	assert.Equal(t, models.TierWarm, decisions[0].DemoteTo)

	// Already at the lowest tier there is nowhere to demote to.
	rec.Tier = models.TierCold
	decisions = cur.Curate([]*models.Record{rec}, fixedTime)
	assert.Equal(t, DecisionImprove, decisions[0].Type)
}

func TestCurate_LowScoreSoftPrunes(t *testing.T) {
	cur := New(Config{})
	rec := liveRecord("bloated", models.KindReference, 90*24*time.Hour)
	rec.Tier = models.TierCold
	rec.SizeBytes = 6 * tierSizeTargets[models.TierCold]

	decisions := cur.Curate([]*models.Record{rec}, fixedTime)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionPruneSoft, decisions[0].Type)
}

func TestCurate_DuplicateDetection(t *testing.T) {
	cur := New(Config{})
	older := liveRecord("older", models.KindInsight, 40*24*time.Hour)
	older.ContentHash = "same"
	newer := liveRecord("newer", models.KindInsight, 30*24*time.Hour)
	newer.ContentHash = "same"

	decisions := cur.Curate([]*models.Record{older, newer}, fixedTime)
	d := decisionFor(t, decisions, "newer")
	assert.Equal(t, DecisionMerge, d.Type)
	assert.Equal(t, "older", d.MergeWith)
	// The survivor is never itself a merge decision.
	assert.NotEqual(t, DecisionMerge, decisionFor(t, decisions, "older").Type)
}

func TestCurate_TitleAndEmbeddingDuplicates(t *testing.T) {
	cur := New(Config{})

	a := liveRecord("a", models.KindInsight, 40*24*time.Hour)
	a.Title = "Deploy  Pipeline Flakes"
	b := liveRecord("b", models.KindInsight, 30*24*time.Hour)
	b.Title = "deploy pipeline flakes"
	d := decisionFor(t, cur.Curate([]*models.Record{a, b}, fixedTime), "b")
	assert.Equal(t, DecisionMerge, d.Type)

	c := liveRecord("c", models.KindInsight, 40*24*time.Hour)
	c.Embedding = []float64{1, 0, 0}
	e := liveRecord("e", models.KindInsight, 30*24*time.Hour)
	e.Embedding = []float64{0.99, 0.01, 0}
	d = decisionFor(t, cur.Curate([]*models.Record{c, e}, fixedTime), "e")
	assert.Equal(t, DecisionMerge, d.Type)

	// Distant embeddings are not duplicates.
	far := liveRecord("far", models.KindInsight, 30*24*time.Hour)
	far.Embedding = []float64{0, 1, 0}
	d = decisionFor(t, cur.Curate([]*models.Record{c, far}, fixedTime), "far")
	assert.NotEqual(t, DecisionMerge, d.Type)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []string
	byName map[string][]map[string]any
}

func newAuditRecorder() *auditRecorder {
	return &auditRecorder{byName: make(map[string][]map[string]any)}
}

func (a *auditRecorder) Append(_ context.Context, event string, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.byName[event] = append(a.byName[event], details)
	return nil
}

func TestRapidPass_PrunesExpiredEphemera(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{}), audit, WithClock(func() time.Time { return fixedTime }))

	expired := liveRecord("n-old", models.KindNotification, 13*time.Hour)
	fresh := liveRecord("n-new", models.KindNotification, time.Hour)
	insight := liveRecord("i1", models.KindInsight, 100*24*time.Hour)
	for _, rec := range []*models.Record{expired, fresh, insight} {
		require.NoError(t, st.PutRecord(ctx, rec))
	}

	res, err := passes.Rapid(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mutated)

	_, err = st.GetRecord(ctx, "n-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetRecord(ctx, "n-new")
	assert.NoError(t, err)
	// The rapid pass only touches ephemeral kinds.
	_, err = st.GetRecord(ctx, "i1")
	assert.NoError(t, err)

	require.Len(t, audit.byName["record_hard_pruned"], 1)
	assert.Equal(t, "n-old", audit.byName["record_hard_pruned"][0]["record"])
	assert.Equal(t, uint64(1), passes.DecisionCounts()["prune_hard"])
}

func TestScoringPass_AppliesDemotionsAndTombstones(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{}), audit, WithClock(func() time.Time { return fixedTime }))

	stale := liveRecord("stale", models.KindInsight, 30*24*time.Hour)
	bloated := liveRecord("bloated", models.KindReference, 90*24*time.Hour)
	bloated.Tier = models.TierCold
	bloated.SizeBytes = 6 * tierSizeTargets[models.TierCold]
	keeper := liveRecord("keeper", models.KindDecision, time.Hour)
	keeper.Confidence = 1
	for _, rec := range []*models.Record{stale, bloated, keeper} {
		require.NoError(t, st.PutRecord(ctx, rec))
	}

	res, err := passes.Scoring(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Mutated)

	got, err := st.GetRecord(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.TierWarm, got.Tier)

	got, err = st.GetRecord(ctx, "bloated")
	require.NoError(t, err)
	require.True(t, got.Tombstoned())
	assert.True(t, got.TombstonedAt.Equal(fixedTime))

	got, err = st.GetRecord(ctx, "keeper")
	require.NoError(t, err)
	assert.Equal(t, models.TierHot, got.Tier)
	assert.False(t, got.Tombstoned())
}

func TestScoringPass_MergesProposedNotApplied(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{}), audit, WithClock(func() time.Time { return fixedTime }))

	older := liveRecord("older", models.KindInsight, 40*24*time.Hour)
	older.ContentHash = "same"
	newer := liveRecord("newer", models.KindInsight, 30*24*time.Hour)
	newer.ContentHash = "same"
	require.NoError(t, st.PutRecord(ctx, older))
	require.NoError(t, st.PutRecord(ctx, newer))

	_, err := passes.Scoring(ctx, st)
	require.NoError(t, err)

	// Both records survive untouched by the merge; only a proposal lands
	// in the review queue.
	_, err = st.GetRecord(ctx, "older")
	assert.NoError(t, err)
	got, err := st.GetRecord(ctx, "newer")
	require.NoError(t, err)
	assert.False(t, got.Tombstoned())

	require.Len(t, audit.byName["merge_proposed"], 1)
	assert.Equal(t, "newer", audit.byName["merge_proposed"][0]["record"])
	assert.Equal(t, "older", audit.byName["merge_proposed"][0]["into"])
}

func TestScoringPass_MutationCap(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{MaxMutations: 3}), audit,
		WithClock(func() time.Time { return fixedTime }))

	for i := 0; i < 10; i++ {
		rec := liveRecord(string(rune('a'+i)), models.KindInsight, 30*24*time.Hour)
		require.NoError(t, st.PutRecord(ctx, rec))
	}

	res, err := passes.Scoring(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Mutated)
}

func TestDeepPass_PurgesExpiredTombstones(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{}), audit, WithClock(func() time.Time { return fixedTime }))

	expired := liveRecord("expired", models.KindReference, 120*24*time.Hour)
	ts := fixedTime.Add(-40 * 24 * time.Hour)
	expired.TombstonedAt = &ts
	inGrace := liveRecord("in-grace", models.KindReference, 120*24*time.Hour)
	ts2 := fixedTime.Add(-10 * 24 * time.Hour)
	inGrace.TombstonedAt = &ts2
	require.NoError(t, st.PutRecord(ctx, expired))
	require.NoError(t, st.PutRecord(ctx, inGrace))

	res, err := passes.Deep(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Mutated)

	_, err = st.GetRecord(ctx, "expired")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetRecord(ctx, "in-grace")
	assert.NoError(t, err)
	require.Len(t, audit.byName["record_hard_pruned"], 1)
}

// reducedStore marks every query result as reduced, as the resilient
// layer does when serving from the fallback mirror.
type reducedStore struct {
	*store.MemoryStore
}

func (r reducedStore) QueryRecords(ctx context.Context, q store.Query) (store.QueryResult, error) {
	result, err := r.MemoryStore.QueryRecords(ctx, q)
	result.Reduced = true
	return result, err
}

func TestDeepPass_ReducedModeSkipsSimilarityDedup(t *testing.T) {
	st := reducedStore{store.NewMemoryStore()}
	ctx := context.Background()
	audit := newAuditRecorder()
	passes := NewPasses(New(Config{}), audit, WithClock(func() time.Time { return fixedTime }))

	a := liveRecord("a", models.KindInsight, 40*24*time.Hour)
	a.Embedding = []float64{1, 0}
	b := liveRecord("b", models.KindInsight, 30*24*time.Hour)
	b.Embedding = []float64{0.999, 0.001}
	// Hash duplicates are still caught without embeddings.
	c := liveRecord("c", models.KindInsight, 40*24*time.Hour)
	c.ContentHash = "same"
	d := liveRecord("d", models.KindInsight, 30*24*time.Hour)
	d.ContentHash = "same"
	for _, rec := range []*models.Record{a, b, c, d} {
		require.NoError(t, st.PutRecord(ctx, rec))
	}

	_, err := passes.Deep(ctx, st)
	require.NoError(t, err)

	require.Len(t, audit.byName["merge_proposed"], 1)
	assert.Equal(t, "d", audit.byName["merge_proposed"][0]["record"])
}
