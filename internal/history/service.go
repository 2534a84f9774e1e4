package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/snapshot"
	"github.com/example/thought-mesh/internal/storage"
	"github.com/example/thought-mesh/internal/types"
)

var errReplayComplete = errors.New("replay complete")

// Log provides the journal reads required to rebuild replica state at a
// specific point.
type Log interface {
	SeqForTime(ctx context.Context, node types.NodeID, ts time.Time) (int64, error)
	SnapshotBeforeSeq(ctx context.Context, node types.NodeID, seq int64) (storage.SnapshotRef, error)
	ReplayMutations(ctx context.Context, node types.NodeID, fromSeq int64, handler func(storage.Mutation) error) error
}

// SnapshotLoader fetches snapshot payloads from object storage.
type SnapshotLoader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// Request captures the history cursor for a node's replica.
type Request struct {
	Node   types.NodeID
	AtSeq  int64
	AtTime *time.Time
}

// Response is the rebuilt replica view at the requested point.
type Response struct {
	Node     types.NodeID            `json:"node_id"`
	Seq      int64                   `json:"seq"`
	Clock    types.VectorClock       `json:"vector_clock"`
	Thoughts []types.DecoratedRecord `json:"thoughts"`
}

// Service rebuilds deterministic replica state at a requested journal
// position or wall-clock time from snapshots plus journal replay.
type Service struct {
	journal Log
	bucket  string
	loader  SnapshotLoader
	cache   *stateCache
	logger  zerolog.Logger
}

// ServiceConfig configures optional behaviours.
type ServiceConfig struct {
	CacheSize int
}

// NewService constructs a history service over the journal and a snapshot
// loader.
func NewService(journal Log, bucket string, loader SnapshotLoader, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		journal: journal,
		bucket:  bucket,
		loader:  loader,
		cache:   newStateCache(cacheSize),
		logger:  logger,
	}
}

// StateAt rebuilds the replica at the requested sequence or timestamp.
func (s *Service) StateAt(ctx context.Context, req Request) (Response, error) {
	if req.Node == "" {
		return Response{}, errors.New("node id is required")
	}
	if req.AtSeq == 0 && req.AtTime == nil {
		return Response{}, errors.New("at_seq or at_time is required")
	}

	targetSeq := req.AtSeq
	if targetSeq == 0 {
		seq, err := s.journal.SeqForTime(ctx, req.Node, *req.AtTime)
		if err != nil {
			return Response{}, fmt.Errorf("lookup seq for time: %w", err)
		}
		targetSeq = seq
	}

	// Fast path: reuse a cached rebuild at or before the target and replay
	// only the remaining tail.
	if cached, ok := s.cache.Get(req.Node, targetSeq); ok {
		return s.replayFrom(ctx, req.Node, cached.State, cached.Seq, targetSeq)
	}

	state, fromSeq, err := s.fetchSnapshot(ctx, req.Node, targetSeq)
	if err != nil {
		return Response{}, err
	}
	return s.replayFrom(ctx, req.Node, state, fromSeq, targetSeq)
}

func (s *Service) replayFrom(ctx context.Context, node types.NodeID, state types.ReplicaState, fromSeq, targetSeq int64) (Response, error) {
	if fromSeq < targetSeq {
		err := s.journal.ReplayMutations(ctx, node, fromSeq, func(m storage.Mutation) error {
			if m.Seq > targetSeq {
				return errReplayComplete
			}
			state.Store[m.CID] = m.Version.Clone()
			state.Clock.Merge(m.Version.Clock)
			return nil
		})
		if err != nil && !errors.Is(err, errReplayComplete) {
			return Response{}, fmt.Errorf("replay journal: %w", err)
		}
	}

	s.cache.Put(node, cacheEntry{Seq: targetSeq, State: state.Clone()})

	replica := crdt.NewReplica(node, s.logger)
	replica.LoadState(state)
	return Response{
		Node:     node,
		Seq:      targetSeq,
		Clock:    replica.Clock(),
		Thoughts: replica.Thoughts(),
	}, nil
}

func (s *Service) fetchSnapshot(ctx context.Context, node types.NodeID, targetSeq int64) (types.ReplicaState, int64, error) {
	empty := types.ReplicaState{
		NodeID: node,
		Clock:  make(types.VectorClock),
		Store:  make(map[types.CID]types.StoredVersion),
	}

	ref, err := s.journal.SnapshotBeforeSeq(ctx, node, targetSeq)
	if err != nil {
		return types.ReplicaState{}, 0, fmt.Errorf("find snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return empty, 0, nil
	}

	payloadBytes, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return types.ReplicaState{}, 0, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := snapshot.DecodePayload(payloadBytes)
	if err != nil {
		return types.ReplicaState{}, 0, fmt.Errorf("decode snapshot: %w", err)
	}

	state := payload.State.Clone()
	if state.Store == nil {
		state.Store = make(map[types.CID]types.StoredVersion)
	}
	if state.Clock == nil {
		state.Clock = make(types.VectorClock)
	}
	return state, ref.LastSeq, nil
}

// ObjectLoader fetches raw bytes from object storage.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements SnapshotLoader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryLoader is a helper used in tests to return embedded snapshots.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements SnapshotLoader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}
