package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestTrail_AppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := New(path, WithClock(func() time.Time { return fixedTime }))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, trail.Append(ctx, "record_hard_pruned", map[string]any{"record": "r1"}))
	require.NoError(t, trail.Append(ctx, "merge_proposed", map[string]any{"record": "r2", "into": "r3"}))

	events, err := trail.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "record_hard_pruned", events[0].Event)
	assert.Equal(t, "r1", events[0].Details["record"])
	assert.True(t, events[0].Time.Equal(fixedTime))

	// Recent limits to the newest entries.
	events, err = trail.Recent(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "merge_proposed", events[0].Event)
}

func TestTrail_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	trail, err := New(path)
	require.NoError(t, err)
	require.NoError(t, trail.Append(ctx, "a", nil))

	reopened, err := New(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Append(ctx, "b", nil))

	events, err := reopened.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestTrail_RecentOnEmptyTrail(t *testing.T) {
	trail, err := New(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	events, err := trail.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTrail_SkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := New(path)
	require.NoError(t, err)
	require.NoError(t, trail.Append(context.Background(), "good", nil))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"time":"2025-06-01T10:`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := trail.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].Event)
}
