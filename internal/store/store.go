package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synapse-ops/synapse/internal/models"
)

// Store is the parameterized access surface over the backing store. The core
// depends only on this interface; any graph, document, or relational engine
// can be substituted behind it.
type Store interface {
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	PutRecord(ctx context.Context, rec *models.Record) error
	DeleteRecord(ctx context.Context, id string) error
	QueryRecords(ctx context.Context, q Query) (QueryResult, error)

	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	PutWorker(ctx context.Context, w *models.Worker) error
	ListWorkers(ctx context.Context) ([]*models.Worker, error)

	AppendCycle(ctx context.Context, cycle *models.Cycle, results []models.JobResult) error
	LatestCycle(ctx context.Context) (*models.Cycle, []models.JobResult, error)
}

// Query selects records. SimilarTo requires full query capability and is
// rejected by the fallback mirror.
type Query struct {
	Kind              *models.Kind
	Tier              *models.Tier
	Protected         *bool
	IncludeTombstoned bool
	// TombstonedBefore selects tombstoned records whose grace period started
	// before the given time. Implies IncludeTombstoned.
	TombstonedBefore *time.Time
	// SimilarTo requests records whose embedding cosine-similarity to the
	// given vector exceeds MinSimilarity.
	SimilarTo     []float64
	MinSimilarity float64
	Limit         int
}

// QueryResult carries query output together with the capability flag so
// callers know when data came from the reduced-capability mirror.
type QueryResult struct {
	Records []*models.Record
	// Reduced is true when the result was served from the fallback mirror.
	Reduced bool
}

// OpType enumerates the write operations captured as fallback entries.
type OpType int

const (
	OpPutRecord OpType = iota
	OpDeleteRecord
	OpPutWorker
	OpAppendCycle
)

func (t OpType) String() string {
	switch t {
	case OpPutRecord:
		return "put_record"
	case OpDeleteRecord:
		return "delete_record"
	case OpPutWorker:
		return "put_worker"
	case OpAppendCycle:
		return "append_cycle"
	default:
		return "unknown"
	}
}

// WriteOp is the serialized form of a write, replayed during reconciliation.
type WriteOp struct {
	Type     OpType             `json:"type"`
	RecordID string             `json:"recordId,omitempty"`
	Record   *models.Record     `json:"record,omitempty"`
	Worker   *models.Worker     `json:"worker,omitempty"`
	Cycle    *models.Cycle      `json:"cycle,omitempty"`
	Results  []models.JobResult `json:"results,omitempty"`
}

// Encode marshals the op for storage in a fallback entry payload.
func (op WriteOp) Encode() ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode write op: %w", err)
	}
	return data, nil
}

// DecodeWriteOp unmarshals a fallback entry payload.
func DecodeWriteOp(payload []byte) (WriteOp, error) {
	var op WriteOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return WriteOp{}, fmt.Errorf("failed to decode write op: %w", err)
	}
	return op, nil
}

// Apply replays the op against the given store.
func (op WriteOp) Apply(ctx context.Context, st Store) error {
	switch op.Type {
	case OpPutRecord:
		return st.PutRecord(ctx, op.Record)
	case OpDeleteRecord:
		return st.DeleteRecord(ctx, op.RecordID)
	case OpPutWorker:
		return st.PutWorker(ctx, op.Worker)
	case OpAppendCycle:
		return st.AppendCycle(ctx, op.Cycle, op.Results)
	default:
		return fmt.Errorf("unknown write op type: %v", op.Type)
	}
}

// Secondary is the reduced-capability store used while the primary is
// unreachable: an append queue for captured writes plus a best-effort mirror
// serving key and equality-filter lookups only.
type Secondary interface {
	// Insert appends a captured write for later reconciliation.
	Insert(ctx context.Context, entry models.FallbackEntry) error
	// Unsynced returns entries pending reconciliation in creation order,
	// excluding those flagged for review.
	Unsynced(ctx context.Context) ([]models.FallbackEntry, error)
	// MarkSynced marks an entry as reconciled. Idempotent.
	MarkSynced(ctx context.Context, id string) error
	// RecordAttempt increments the entry's reconciliation attempt counter and
	// returns the new count.
	RecordAttempt(ctx context.Context, id string) (int, error)
	// FlagReview marks an entry for manual review; it is excluded from
	// further reconciliation.
	FlagReview(ctx context.Context, id string) error

	// Mirror maintenance and reduced-capability reads.
	MirrorRecord(ctx context.Context, rec *models.Record)
	MirrorDeleteRecord(ctx context.Context, id string)
	MirrorWorker(ctx context.Context, w *models.Worker)
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	QueryRecords(ctx context.Context, q Query) (QueryResult, error)
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
}

// ErrNotFound is returned when a record or worker does not exist.
var ErrNotFound = errors.New("not found")

// IsRetriable reports whether a store error may be retried. Permanent errors
// and not-found are surfaced immediately.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrPermanentStore) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
