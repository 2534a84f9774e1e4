package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/thought-mesh/internal/types"
)

// MutationKind labels a journal entry.
type MutationKind string

const (
	MutationAdd     MutationKind = "add"
	MutationRemove  MutationKind = "remove"
	MutationResolve MutationKind = "resolve"
)

// Mutation is one durable replica change: the stored version that resulted
// from an add, remove, or merge resolution, with the clock in effect.
type Mutation struct {
	Seq        int64               `json:"seq,omitempty"`
	ID         string              `json:"mutation_id"`
	Node       types.NodeID        `json:"node_id"`
	CID        types.CID           `json:"cid"`
	Kind       MutationKind        `json:"kind"`
	Version    types.StoredVersion `json:"version"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// SnapshotRef points at a full replica state stored in object storage,
// together with the journal position it covers.
type SnapshotRef struct {
	Node       types.NodeID      `json:"node_id"`
	SnapshotID string            `json:"snapshot_id"`
	ObjectPath string            `json:"object_path"`
	LastSeq    int64             `json:"last_seq"`
	Clock      types.VectorClock `json:"vector_clock"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Journal persists replica mutations in Postgres and provides the replay and
// checkpoint helpers used for recovery and history queries.
type Journal struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the journal.
type Option func(*Journal)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(j *Journal) {
		j.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(j *Journal) {
		j.retryDelay = d
	}
}

// NewJournal constructs a journal over the provided Postgres pool.
func NewJournal(pool *pgxpool.Pool, opts ...Option) *Journal {
	j := &Journal{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// AppendMutation durably stores a mutation and returns its sequence number.
// The insert runs in a transaction and transient failures are retried.
func (j *Journal) AppendMutation(ctx context.Context, m Mutation) (int64, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	ctx, span := journalTracer.Start(ctx, "journal.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("node", string(m.Node)),
		attribute.String("cid", string(m.CID)),
		attribute.String("kind", string(m.Kind)),
	)

	start := time.Now()
	var seq int64
	err := j.retry(ctx, func(ctx context.Context) error {
		tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		versionBytes, err := json.Marshal(m.Version)
		if err != nil {
			return fmt.Errorf("marshal stored version: %w", err)
		}
		clockBytes, err := json.Marshal(m.Version.Clock)
		if err != nil {
			return fmt.Errorf("marshal vector clock: %w", err)
		}

		row := tx.QueryRow(ctx, `
INSERT INTO thought_mutations (mutation_id, node_id, cid, kind, version, vector_clock, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING seq`,
			m.ID, m.Node, m.CID, m.Kind, versionBytes, clockBytes, m.RecordedAt,
		)
		if err := row.Scan(&seq); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	appendLatency.WithLabelValues(string(m.Node)).Observe(time.Since(start).Seconds())
	return seq, nil
}

// ReplayMutations scans mutations for a node in sequence order, invoking the
// handler for each entry after fromSeq.
func (j *Journal) ReplayMutations(ctx context.Context, node types.NodeID, fromSeq int64, handler func(Mutation) error) error {
	start := time.Now()
	rows, err := j.pool.Query(ctx, `
                SELECT seq, mutation_id, node_id, cid, kind, version, recorded_at
                FROM thought_mutations
                WHERE node_id = $1 AND seq > $2
                ORDER BY seq`, node, fromSeq)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m            Mutation
			nodeID, kind string
			versionBytes []byte
		)
		if err := rows.Scan(&m.Seq, &m.ID, &nodeID, &m.CID, &kind, &versionBytes, &m.RecordedAt); err != nil {
			return err
		}
		m.Node = types.NodeID(nodeID)
		m.Kind = MutationKind(kind)
		if err := json.Unmarshal(versionBytes, &m.Version); err != nil {
			return fmt.Errorf("decode stored version: %w", err)
		}

		if err := handler(m); err != nil {
			return err
		}
	}

	replayLatency.WithLabelValues(string(node)).Observe(time.Since(start).Seconds())
	return rows.Err()
}

// LatestSeq returns the highest sequence recorded for a node.
func (j *Journal) LatestSeq(ctx context.Context, node types.NodeID) (int64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx, `
                SELECT COALESCE(MAX(seq), 0) FROM thought_mutations WHERE node_id = $1
        `, node).Scan(&seq)
	return seq, err
}

// SeqForTime returns the highest sequence recorded at or before ts.
func (j *Journal) SeqForTime(ctx context.Context, node types.NodeID, ts time.Time) (int64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx, `
                SELECT COALESCE(MAX(seq), 0) FROM thought_mutations
                WHERE node_id = $1 AND recorded_at <= $2
        `, node, ts).Scan(&seq)
	return seq, err
}

// MutationCountAfterSeq reports the backlog of entries past a position.
func (j *Journal) MutationCountAfterSeq(ctx context.Context, node types.NodeID, seq int64) (int64, error) {
	var count int64
	err := j.pool.QueryRow(ctx, `
                SELECT COUNT(*) FROM thought_mutations WHERE node_id = $1 AND seq > $2
        `, node, seq).Scan(&count)
	return count, err
}

// LastCheckpoint returns the most recent persisted sequence for a node.
func (j *Journal) LastCheckpoint(ctx context.Context, node types.NodeID) (int64, error) {
	var seq int64
	err := j.pool.QueryRow(ctx, `
                SELECT last_seq FROM replica_checkpoints WHERE node_id = $1
        `, node).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RecordCheckpoint upserts the replayed-through sequence for a node.
func (j *Journal) RecordCheckpoint(ctx context.Context, node types.NodeID, seq int64) error {
	return j.retry(ctx, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx, `
                        INSERT INTO replica_checkpoints (node_id, last_seq)
                        VALUES ($1, $2)
                        ON CONFLICT (node_id)
                        DO UPDATE SET last_seq = EXCLUDED.last_seq, checkpointed_at = now()
                `, node, seq)
		return err
	})
}

// LatestSnapshot returns the most recent snapshot ref for a node, or a zero
// ref when none exists yet.
func (j *Journal) LatestSnapshot(ctx context.Context, node types.NodeID) (SnapshotRef, error) {
	return j.snapshotQuery(ctx, `
                SELECT node_id, snapshot_id, object_path, last_seq, vector_clock, created_at
                FROM state_snapshots
                WHERE node_id = $1
                ORDER BY last_seq DESC
                LIMIT 1`, node)
}

// SnapshotBeforeSeq returns the newest snapshot covering at most seq.
func (j *Journal) SnapshotBeforeSeq(ctx context.Context, node types.NodeID, seq int64) (SnapshotRef, error) {
	return j.snapshotQuery(ctx, `
                SELECT node_id, snapshot_id, object_path, last_seq, vector_clock, created_at
                FROM state_snapshots
                WHERE node_id = $1 AND last_seq <= $2
                ORDER BY last_seq DESC
                LIMIT 1`, node, seq)
}

func (j *Journal) snapshotQuery(ctx context.Context, query string, args ...any) (SnapshotRef, error) {
	var (
		ref        SnapshotRef
		nodeID     string
		clockBytes []byte
	)
	err := j.pool.QueryRow(ctx, query, args...).Scan(
		&nodeID, &ref.SnapshotID, &ref.ObjectPath, &ref.LastSeq, &clockBytes, &ref.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Node = types.NodeID(nodeID)
	if len(clockBytes) > 0 {
		if err := json.Unmarshal(clockBytes, &ref.Clock); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return ref, nil
}

// RecordSnapshot stores a snapshot reference.
func (j *Journal) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.SnapshotID == "" {
		ref.SnapshotID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return j.retry(ctx, func(ctx context.Context) error {
		clockBytes, err := json.Marshal(ref.Clock)
		if err != nil {
			return fmt.Errorf("marshal vector clock: %w", err)
		}
		_, err = j.pool.Exec(ctx, `
                        INSERT INTO state_snapshots (node_id, snapshot_id, object_path, last_seq, vector_clock, created_at)
                        VALUES ($1, $2, $3, $4, $5, $6)
                `, ref.Node, ref.SnapshotID, ref.ObjectPath, ref.LastSeq, clockBytes, ref.CreatedAt)
		return err
	})
}

// RecordBacklogMetric publishes the journal backlog gauge for a node.
func (j *Journal) RecordBacklogMetric(node types.NodeID, backlog int64) {
	journalBacklog.WithLabelValues(string(node)).Set(float64(backlog))
}

func (j *Journal) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := j.retryDelay
	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == j.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
