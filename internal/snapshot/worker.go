package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/storage"
	"github.com/example/thought-mesh/internal/types"
)

const (
	defaultInterval         = 30 * time.Second
	defaultBacklogThreshold = int64(500)
	defaultRecordThreshold  = 256
)

// Payload is the full replica state persisted inside an object storage
// snapshot, together with the journal position it covers.
type Payload struct {
	Node    types.NodeID       `json:"node_id"`
	LastSeq int64              `json:"last_seq"`
	State   types.ReplicaState `json:"state"`
	TakenAt time.Time          `json:"taken_at"`
}

// Worker periodically inspects journal backlog and emits replica state
// snapshots to object storage when thresholds are exceeded.
type Worker struct {
	journal *storage.Journal
	replica *crdt.Replica
	object  *minio.Client
	bucket  string

	interval         time.Duration
	backlogThreshold int64
	recordThreshold  int

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker with sane defaults.
func NewWorker(journal *storage.Journal, replica *crdt.Replica, object *minio.Client, bucket string, logger zerolog.Logger) *Worker {
	return &Worker{
		journal:          journal,
		replica:          replica,
		object:           object,
		bucket:           bucket,
		interval:         defaultInterval,
		backlogThreshold: defaultBacklogThreshold,
		recordThreshold:  defaultRecordThreshold,
		logger:           logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("snapshot emission failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}
	node := w.replica.NodeID()

	latest, err := w.journal.LatestSnapshot(ctx, node)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	backlog, err := w.journal.MutationCountAfterSeq(ctx, node, latest.LastSeq)
	if err != nil {
		return fmt.Errorf("count mutations: %w", err)
	}
	w.journal.RecordBacklogMetric(node, backlog)

	recordCount := w.replica.Len()
	if backlog < w.backlogThreshold && recordCount < w.recordThreshold {
		return nil
	}
	if backlog == 0 {
		return nil
	}

	lastSeq, err := w.journal.LatestSeq(ctx, node)
	if err != nil {
		return fmt.Errorf("lookup latest seq: %w", err)
	}

	state := w.replica.State()
	payload := Payload{
		Node:    node,
		LastSeq: lastSeq,
		State:   state,
		TakenAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%d.json", node, lastSeq)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Node:       node,
		ObjectPath: objectPath,
		LastSeq:    lastSeq,
		Clock:      state.Clock.Clone(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.journal.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("node", string(node)).Int64("last_seq", lastSeq).Int("records", recordCount).Msg("snapshot created")
	return nil
}

// Restore rebuilds the replica from the latest snapshot plus the journal tail
// and returns the sequence the replica is caught up to. A node with no
// snapshot and no journal history starts empty at sequence zero.
func Restore(ctx context.Context, journal *storage.Journal, replica *crdt.Replica, object *minio.Client, bucket string, logger zerolog.Logger) (int64, error) {
	node := replica.NodeID()

	ref, err := journal.LatestSnapshot(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	state := types.ReplicaState{
		NodeID: node,
		Clock:  types.VectorClock{},
		Store:  map[types.CID]types.StoredVersion{},
	}

	if ref.ObjectPath != "" {
		payload, err := fetchPayload(ctx, object, bucket, ref.ObjectPath)
		if err != nil {
			return 0, fmt.Errorf("fetch snapshot object: %w", err)
		}
		state = payload.State
		logger.Info().Str("node", string(node)).Int64("last_seq", ref.LastSeq).Msg("snapshot loaded")
	}

	lastSeq := ref.LastSeq
	err = journal.ReplayMutations(ctx, node, ref.LastSeq, func(m storage.Mutation) error {
		state.Store[m.CID] = m.Version.Clone()
		state.Clock.Merge(m.Version.Clock)
		lastSeq = m.Seq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay journal: %w", err)
	}

	replica.LoadState(state)
	logger.Info().Str("node", string(node)).Int64("caught_up_seq", lastSeq).Int("records", len(state.Store)).Msg("replica restored")
	return lastSeq, nil
}

func fetchPayload(ctx context.Context, object *minio.Client, bucket, path string) (Payload, error) {
	obj, err := object.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return Payload{}, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Payload{}, err
	}
	return DecodePayload(data)
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}
