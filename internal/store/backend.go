package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/synapse-ops/synapse/internal/models"
)

// sqlBackend implements Store over database/sql. The dialect only differs in
// placeholder format; the schema below is accepted by both SQLite and
// PostgreSQL.
type sqlBackend struct {
	db      *sql.DB
	dialect string
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	tier TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	embedding TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	access_count_window INTEGER NOT NULL DEFAULT 0,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	severity DOUBLE PRECISION NOT NULL DEFAULT 0,
	relationship_count INTEGER NOT NULL DEFAULT 0,
	owner_count INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	protected BOOLEAN NOT NULL DEFAULT FALSE,
	tombstoned_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	infra_heartbeat TIMESTAMP NOT NULL,
	functional_heartbeat TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	standby TEXT NOT NULL DEFAULT '',
	failed_over_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS cycles (
	number BIGINT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP NOT NULL,
	jobs_run INTEGER NOT NULL,
	jobs_succeeded INTEGER NOT NULL,
	jobs_failed INTEGER NOT NULL,
	budget_consumed INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_results (
	cycle_number BIGINT NOT NULL,
	job_name TEXT NOT NULL,
	owner TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT ''
);
`

func newSQLBackend(ctx context.Context, db *sql.DB, dialect string) (*sqlBackend, error) {
	b := &sqlBackend{db: db, dialect: dialect}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return b, nil
}

// rebind converts ?-style placeholders to the dialect's format.
func (b *sqlBackend) rebind(query string) string {
	if b.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// classify wraps backend errors into the store error taxonomy. Not-found and
// context errors pass through; everything else is considered transient and
// left to the resilient layer's retry policy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", models.ErrTransientStore, err)
	}
}

func encodeEmbedding(v []float64) string {
	if len(v) == 0 {
		return ""
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeEmbedding(s string) []float64 {
	if s == "" {
		return nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// GetRecord implements Store.
func (b *sqlBackend) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT id, kind, tier, title, content_hash, embedding, created_at,
			last_accessed_at, access_count_window, confidence, severity,
			relationship_count, owner_count, size_bytes, protected, tombstoned_at
		FROM records WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec          models.Record
		kind, tier   string
		embedding    string
		tombstonedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &kind, &tier, &rec.Title, &rec.ContentHash,
		&embedding, &rec.CreatedAt, &rec.LastAccessedAt, &rec.AccessCountWindow,
		&rec.Confidence, &rec.Severity, &rec.RelationshipCount, &rec.OwnerCount,
		&rec.SizeBytes, &rec.Protected, &tombstonedAt)
	if err != nil {
		return nil, err
	}
	if rec.Kind, err = models.ParseKind(kind); err != nil {
		return nil, err
	}
	if rec.Tier, err = models.ParseTier(tier); err != nil {
		return nil, err
	}
	rec.Embedding = decodeEmbedding(embedding)
	if tombstonedAt.Valid {
		t := tombstonedAt.Time
		rec.TombstonedAt = &t
	}
	return &rec, nil
}

// PutRecord implements Store.
func (b *sqlBackend) PutRecord(ctx context.Context, rec *models.Record) error {
	var tombstonedAt any
	if rec.TombstonedAt != nil {
		tombstonedAt = *rec.TombstonedAt
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO records (id, kind, tier, title, content_hash, embedding,
			created_at, last_accessed_at, access_count_window, confidence,
			severity, relationship_count, owner_count, size_bytes, protected,
			tombstoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			tier = excluded.tier,
			title = excluded.title,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count_window = excluded.access_count_window,
			confidence = excluded.confidence,
			severity = excluded.severity,
			relationship_count = excluded.relationship_count,
			owner_count = excluded.owner_count,
			size_bytes = excluded.size_bytes,
			protected = excluded.protected,
			tombstoned_at = excluded.tombstoned_at`),
		rec.ID, rec.Kind.String(), rec.Tier.String(), rec.Title, rec.ContentHash,
		encodeEmbedding(rec.Embedding), rec.CreatedAt, rec.LastAccessedAt,
		rec.AccessCountWindow, rec.Confidence, rec.Severity,
		rec.RelationshipCount, rec.OwnerCount, rec.SizeBytes, rec.Protected,
		tombstonedAt)
	return classify(err)
}

// DeleteRecord implements Store.
func (b *sqlBackend) DeleteRecord(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM records WHERE id = ?`), id)
	return classify(err)
}

// QueryRecords implements Store. Similarity filtering is computed in-process
// after the SQL filters narrow the candidate set.
func (b *sqlBackend) QueryRecords(ctx context.Context, q Query) (QueryResult, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, q.Kind.String())
	}
	if q.Tier != nil {
		where = append(where, "tier = ?")
		args = append(args, q.Tier.String())
	}
	if q.Protected != nil {
		where = append(where, "protected = ?")
		args = append(args, *q.Protected)
	}
	switch {
	case q.TombstonedBefore != nil:
		where = append(where, "tombstoned_at IS NOT NULL AND tombstoned_at < ?")
		args = append(args, *q.TombstonedBefore)
	case !q.IncludeTombstoned:
		where = append(where, "tombstoned_at IS NULL")
	}

	query := `SELECT id, kind, tier, title, content_hash, embedding, created_at,
		last_accessed_at, access_count_window, confidence, severity,
		relationship_count, owner_count, size_bytes, protected, tombstoned_at
	FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return QueryResult{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return QueryResult{}, classify(err)
		}
		if len(q.SimilarTo) > 0 {
			if CosineSimilarity(q.SimilarTo, rec.Embedding) < q.MinSimilarity {
				continue
			}
		}
		records = append(records, rec)
		if q.Limit > 0 && len(records) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, classify(err)
	}
	return QueryResult{Records: records}, nil
}

// GetWorker implements Store.
func (b *sqlBackend) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT id, infra_heartbeat, functional_heartbeat, status, standby,
			failed_over_at FROM workers WHERE id = ?`), id)
	w, err := scanWorker(row)
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w            models.Worker
		status       string
		failedOverAt sql.NullTime
	)
	err := row.Scan(&w.ID, &w.InfraHeartbeat, &w.FunctionalHeartbeat, &status,
		&w.Standby, &failedOverAt)
	if err != nil {
		return nil, err
	}
	if w.Status, err = models.ParseWorkerStatus(status); err != nil {
		return nil, err
	}
	if failedOverAt.Valid {
		t := failedOverAt.Time
		w.FailedOverAt = &t
	}
	return &w, nil
}

// PutWorker implements Store.
func (b *sqlBackend) PutWorker(ctx context.Context, w *models.Worker) error {
	var failedOverAt any
	if w.FailedOverAt != nil {
		failedOverAt = *w.FailedOverAt
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO workers (id, infra_heartbeat, functional_heartbeat, status,
			standby, failed_over_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			infra_heartbeat = excluded.infra_heartbeat,
			functional_heartbeat = excluded.functional_heartbeat,
			status = excluded.status,
			standby = excluded.standby,
			failed_over_at = excluded.failed_over_at`),
		w.ID, w.InfraHeartbeat, w.FunctionalHeartbeat, w.Status.String(),
		w.Standby, failedOverAt)
	return classify(err)
}

// ListWorkers implements Store.
func (b *sqlBackend) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, infra_heartbeat, functional_heartbeat, status, standby,
			failed_over_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, classify(err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return workers, nil
}

// AppendCycle implements Store. The cycle and its results are written in one
// transaction; cycles are append-only.
func (b *sqlBackend) AppendCycle(ctx context.Context, cycle *models.Cycle, results []models.JobResult) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, b.rebind(
		`INSERT INTO cycles (number, started_at, completed_at, jobs_run,
			jobs_succeeded, jobs_failed, budget_consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		cycle.Number, cycle.StartedAt, cycle.CompletedAt, cycle.JobsRun,
		cycle.JobsSucceeded, cycle.JobsFailed, cycle.BudgetConsumed)
	if err != nil {
		return classify(err)
	}

	for _, r := range results {
		_, err = tx.ExecContext(ctx, b.rebind(
			`INSERT INTO job_results (cycle_number, job_name, owner, status,
				started_at, completed_at, summary, error_detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			cycle.Number, r.JobName, r.Owner, r.Status.String(), r.StartedAt,
			r.CompletedAt, r.Summary, r.ErrorDetail)
		if err != nil {
			return classify(err)
		}
	}

	return classify(tx.Commit())
}

// LatestCycle implements Store.
func (b *sqlBackend) LatestCycle(ctx context.Context) (*models.Cycle, []models.JobResult, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT number, started_at, completed_at, jobs_run, jobs_succeeded,
			jobs_failed, budget_consumed
		FROM cycles ORDER BY number DESC LIMIT 1`)

	var c models.Cycle
	err := row.Scan(&c.Number, &c.StartedAt, &c.CompletedAt, &c.JobsRun,
		&c.JobsSucceeded, &c.JobsFailed, &c.BudgetConsumed)
	if err != nil {
		return nil, nil, classify(err)
	}

	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT job_name, owner, status, started_at, completed_at, summary,
			error_detail
		FROM job_results WHERE cycle_number = ? ORDER BY started_at`), c.Number)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var results []models.JobResult
	for rows.Next() {
		var (
			r      models.JobResult
			status string
		)
		err := rows.Scan(&r.JobName, &r.Owner, &status, &r.StartedAt,
			&r.CompletedAt, &r.Summary, &r.ErrorDetail)
		if err != nil {
			return nil, nil, classify(err)
		}
		if r.Status, err = models.ParseJobStatus(status); err != nil {
			return nil, nil, classify(err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify(err)
	}
	return &c, results, nil
}
