package history

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/snapshot"
	"github.com/example/thought-mesh/internal/storage"
	"github.com/example/thought-mesh/internal/types"
)

type fakeLog struct {
	mutations []storage.Mutation
	snapshots []storage.SnapshotRef
	replays   int
}

func (f *fakeLog) SeqForTime(_ context.Context, node types.NodeID, ts time.Time) (int64, error) {
	var seq int64
	for _, m := range f.mutations {
		if m.Node != node || m.RecordedAt.After(ts) {
			continue
		}
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq, nil
}

func (f *fakeLog) SnapshotBeforeSeq(_ context.Context, node types.NodeID, seq int64) (storage.SnapshotRef, error) {
	var best storage.SnapshotRef
	for _, ref := range f.snapshots {
		if ref.Node != node || ref.LastSeq > seq {
			continue
		}
		if ref.LastSeq > best.LastSeq {
			best = ref
		}
	}
	return best, nil
}

func (f *fakeLog) ReplayMutations(_ context.Context, node types.NodeID, fromSeq int64, handler func(storage.Mutation) error) error {
	f.replays++
	for _, m := range f.mutations {
		if m.Node != node || m.Seq <= fromSeq {
			continue
		}
		if err := handler(m); err != nil {
			return err
		}
	}
	return nil
}

func TestStateAtDeterministicForOverlappingTimes(t *testing.T) {
	node := types.NodeID("n1")
	base := time.Now()

	log := &fakeLog{
		mutations: []storage.Mutation{
			addMutation(1, node, "cid-a", base, false),
			addMutation(2, node, "cid-b", base.Add(1*time.Minute), false),
			addMutation(3, node, "cid-a", base.Add(2*time.Minute), true),
		},
	}

	svc := NewService(log, "", MemoryLoader{}, zeroLogger(), ServiceConfig{CacheSize: 4})

	early := base.Add(90 * time.Second)  // after cid-b, before the removal
	later := base.Add(150 * time.Second) // after cid-a is tombstoned

	resp1, err := svc.StateAt(context.Background(), Request{Node: node, AtTime: &early})
	if err != nil {
		t.Fatalf("state at early err: %v", err)
	}
	resp2, err := svc.StateAt(context.Background(), Request{Node: node, AtTime: &later})
	if err != nil {
		t.Fatalf("state at later err: %v", err)
	}

	if len(resp1.Thoughts) != 2 {
		t.Fatalf("expected 2 live thoughts before removal, got %d", len(resp1.Thoughts))
	}
	if len(resp2.Thoughts) != 1 {
		t.Fatalf("expected 1 live thought after removal, got %d", len(resp2.Thoughts))
	}
	if resp2.Thoughts[0].Record.CID != "cid-b" {
		t.Fatalf("expected surviving thought cid-b, got %s", resp2.Thoughts[0].Record.CID)
	}
	if log.replays > 2 {
		t.Fatalf("expected at most 2 replays, got %d", log.replays)
	}
}

func TestStateAtUsesSnapshotsAndCache(t *testing.T) {
	node := types.NodeID("n2")
	base := time.Now()

	snapState := types.ReplicaState{
		NodeID: node,
		Clock:  types.VectorClock{node: 2},
		Store: map[types.CID]types.StoredVersion{
			"cid-snap": storedVersion(node, "cid-snap", 2, base, false),
		},
	}
	snapBytes, err := json.Marshal(snapshot.Payload{Node: node, LastSeq: 2, State: snapState})
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}

	log := &fakeLog{
		mutations: []storage.Mutation{
			addMutation(3, node, "cid-tail", base.Add(30*time.Second), false),
		},
		snapshots: []storage.SnapshotRef{
			{Node: node, ObjectPath: "snap.json", LastSeq: 2},
		},
	}

	loader := MemoryLoader{Objects: map[string][]byte{"snap.json": snapBytes}}
	svc := NewService(log, "bucket", loader, zeroLogger(), ServiceConfig{CacheSize: 2})

	resp, err := svc.StateAt(context.Background(), Request{Node: node, AtSeq: 3})
	if err != nil {
		t.Fatalf("state at err: %v", err)
	}
	if len(resp.Thoughts) != 2 {
		t.Fatalf("expected snapshot record plus tail record, got %d", len(resp.Thoughts))
	}

	// A repeated query for the same position should come from the cache and
	// avoid another full replay.
	if _, err := svc.StateAt(context.Background(), Request{Node: node, AtSeq: 3}); err != nil {
		t.Fatalf("second state at err: %v", err)
	}
	if log.replays > 2 {
		t.Fatalf("expected cache to cap replays, got %d", log.replays)
	}
}

func addMutation(seq int64, node types.NodeID, cid types.CID, ts time.Time, tombstone bool) storage.Mutation {
	kind := storage.MutationAdd
	if tombstone {
		kind = storage.MutationRemove
	}
	return storage.Mutation{
		Seq:        seq,
		Node:       node,
		CID:        cid,
		Kind:       kind,
		Version:    storedVersion(node, cid, uint64(seq), ts, tombstone),
		RecordedAt: ts,
	}
}

func storedVersion(node types.NodeID, cid types.CID, clockValue uint64, ts time.Time, tombstone bool) types.StoredVersion {
	return types.StoredVersion{
		Record:    types.Record{CID: cid, Topic: types.TopicEvent, TS: ts.UnixNano()},
		WriteTime: ts,
		Writer:    node,
		Clock:     types.VectorClock{node: clockValue},
		Tombstone: tombstone,
	}
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
