package mesh

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/types"
)

func encodedEnvelope(t *testing.T, from *crdt.Replica, id string) string {
	t.Helper()
	env := stateEnvelope{
		AnnouncementID: id,
		Node:           string(from.NodeID()),
		State:          from.State(),
		EnqueuedAt:     time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return string(encoded)
}

func TestProcessMergesForeignState(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	local := crdt.NewReplica("n1", quiet)
	bus := NewBus(nil, local, quiet)

	remote := crdt.NewReplica("n2", quiet)
	remote.Add(types.Record{CID: "cid-1", Topic: types.TopicEvent, TS: 5})

	msg := &redis.Message{Payload: encodedEnvelope(t, remote, "ann-1")}
	if err := bus.process(msg); err != nil {
		t.Fatalf("process err: %v", err)
	}

	if _, ok := local.Get("cid-1"); !ok {
		t.Fatal("expected gossiped record merged into local replica")
	}
}

func TestProcessSkipsOwnAnnouncements(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	local := crdt.NewReplica("n1", quiet)
	bus := NewBus(nil, local, quiet)

	// Build an announcement that claims to be from n1 but carries a record
	// the replica does not have. It must be ignored, not merged.
	other := crdt.NewReplica("n1", quiet)
	other.Add(types.Record{CID: "cid-loop", Topic: types.TopicEvent, TS: 5})

	msg := &redis.Message{Payload: encodedEnvelope(t, other, "ann-1")}
	if err := bus.process(msg); err != nil {
		t.Fatalf("process err: %v", err)
	}
	if _, ok := local.Get("cid-loop"); ok {
		t.Fatal("expected own announcement to be skipped")
	}
}

func TestProcessDeduplicatesAnnouncements(t *testing.T) {
	quiet := zerolog.New(io.Discard)

	local := crdt.NewReplica("n1", quiet)
	bus := NewBus(nil, local, quiet)

	remote := crdt.NewReplica("n2", quiet)
	remote.Add(types.Record{CID: "cid-1", Topic: types.TopicEvent, TS: 5})
	payload := encodedEnvelope(t, remote, "ann-1")

	if err := bus.process(&redis.Message{Payload: payload}); err != nil {
		t.Fatalf("first process err: %v", err)
	}
	if !bus.isDuplicate("n2", "ann-1") {
		t.Fatal("expected replayed announcement to be flagged as duplicate")
	}
}

func TestProcessRejectsIncompleteEnvelope(t *testing.T) {
	quiet := zerolog.New(io.Discard)
	bus := NewBus(nil, crdt.NewReplica("n1", quiet), quiet)

	if err := bus.process(&redis.Message{Payload: `{"node_id":""}`}); err == nil {
		t.Fatal("expected error for envelope without node id")
	}
	if err := bus.process(&redis.Message{Payload: `not json`}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
