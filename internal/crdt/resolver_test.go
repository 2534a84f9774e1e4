package crdt

import (
	"reflect"
	"testing"
	"time"

	"github.com/example/thought-mesh/internal/types"
)

func version(node types.NodeID, topic types.Topic, ts int64, writeTime time.Time, payload types.Payload, clock types.VectorClock) types.StoredVersion {
	return types.StoredVersion{
		Record:    types.Record{CID: "t1", Topic: topic, TS: ts, Payload: payload},
		WriteTime: writeTime,
		Writer:    node,
		Clock:     clock,
	}
}

var (
	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func TestResolveTombstonePrecedence(t *testing.T) {
	dead := version("n1", types.TopicEvent, 10, t0, types.Payload{"type": "a"}, types.VectorClock{"n1": 2})
	dead.Tombstone = true
	alive := version("n2", types.TopicEvent, 20, t1, types.Payload{"type": "b"}, types.VectorClock{"n2": 3})

	// The live write is later: the deletion is overridden.
	resolved, strategy := resolveConcurrent(dead, alive, "n1")
	if strategy != StrategyTombstoneLatest {
		t.Fatalf("strategy = %s, want %s", strategy, StrategyTombstoneLatest)
	}
	if resolved.Tombstone {
		t.Fatalf("later concurrent write should override the deletion")
	}
	if resolved.Record.Payload["type"] != "b" {
		t.Fatalf("wrong side won: %v", resolved.Record.Payload)
	}

	// Flip the write times: now the tombstone is later and wins.
	dead.WriteTime, alive.WriteTime = t1, t0
	resolved, _ = resolveConcurrent(dead, alive, "n1")
	if !resolved.Tombstone {
		t.Fatalf("later tombstone should win")
	}
}

func TestResolveTombstoneMetadata(t *testing.T) {
	dead := version("n1", types.TopicEvent, 10, t1, nil, types.VectorClock{"n1": 2})
	dead.Tombstone = true
	alive := version("n2", types.TopicEvent, 20, t0, nil, types.VectorClock{"n2": 3})

	resolved, _ := resolveConcurrent(dead, alive, "n9")

	if !resolved.Clock.Equal(types.VectorClock{"n1": 2, "n2": 3}) {
		t.Fatalf("clock = %v, want point-wise max", resolved.Clock)
	}
	if !resolved.WriteTime.Equal(t1) {
		t.Fatalf("write time = %v, want max", resolved.WriteTime)
	}
	if resolved.Writer != "n9" {
		t.Fatalf("writer = %s, want the resolving node", resolved.Writer)
	}
}

func TestResolveMetricAveragesSharedNumericFields(t *testing.T) {
	ours := version("n1", types.TopicMetric, 10, t0,
		types.Payload{"H": 0.8, "tau": 0.2, "label": "old", "onlyOurs": 1.0}, types.VectorClock{"n1": 1})
	theirs := version("n2", types.TopicMetric, 20, t1,
		types.Payload{"H": 0.9, "tau": 0.1, "label": "new"}, types.VectorClock{"n2": 1})

	resolved, strategy := resolveConcurrent(ours, theirs, "n1")

	if strategy != StrategySemanticMerge {
		t.Fatalf("strategy = %s, want %s", strategy, StrategySemanticMerge)
	}
	assertClose(t, resolved.Record.Payload["H"], 0.85)
	assertClose(t, resolved.Record.Payload["tau"], 0.15)
	if resolved.Record.Payload["label"] != "new" {
		t.Fatalf("non-numeric field should come from the later producer: %v", resolved.Record.Payload)
	}
	if resolved.Record.Payload["onlyOurs"] != 1.0 {
		t.Fatalf("one-sided field dropped: %v", resolved.Record.Payload)
	}
}

func TestResolveMetricMixedTypesAreNotAveraged(t *testing.T) {
	ours := version("n1", types.TopicMetric, 10, t0, types.Payload{"H": "high"}, types.VectorClock{"n1": 1})
	theirs := version("n2", types.TopicMetric, 20, t1, types.Payload{"H": 0.9}, types.VectorClock{"n2": 1})

	resolved, _ := resolveConcurrent(ours, theirs, "n1")

	if resolved.Record.Payload["H"] != 0.9 {
		t.Fatalf("non-numeric pair must fall back to the later side: %v", resolved.Record.Payload)
	}
}

func TestResolveDreamConcatenatesVision(t *testing.T) {
	ours := version("n1", types.TopicDream, 10, t0, types.Payload{"vision": "a red door", "depth": 1.0}, types.VectorClock{"n1": 1})
	theirs := version("n2", types.TopicDream, 20, t1, types.Payload{"vision": "an open sea"}, types.VectorClock{"n2": 1})

	resolved, strategy := resolveConcurrent(ours, theirs, "n1")

	if strategy != StrategySemanticMerge {
		t.Fatalf("strategy = %s, want %s", strategy, StrategySemanticMerge)
	}
	want := "a red door" + dreamSeparator + "an open sea"
	if resolved.Record.Payload["vision"] != want {
		t.Fatalf("vision = %v, want %q", resolved.Record.Payload["vision"], want)
	}
	if resolved.Record.Payload["depth"] != 1.0 {
		t.Fatalf("union rule dropped a field: %v", resolved.Record.Payload)
	}
	if resolved.Record.Payload["merged"] != true {
		t.Fatalf("dream resolution should be flagged as merged")
	}
}

func TestResolveUnknownTopicLastWriteWins(t *testing.T) {
	ours := version("n1", "mood", 30, t0, types.Payload{"shade": "blue", "extra": 1}, types.VectorClock{"n1": 1})
	theirs := version("n2", "mood", 20, t1, types.Payload{"shade": "red"}, types.VectorClock{"n2": 1})

	resolved, strategy := resolveConcurrent(ours, theirs, "n1")

	if strategy != StrategyLastWriteWins {
		t.Fatalf("strategy = %s, want %s", strategy, StrategyLastWriteWins)
	}
	// ours has the later producer timestamp and wins outright, no field merge.
	if resolved.Record.Payload["shade"] != "blue" {
		t.Fatalf("later producer should win outright: %v", resolved.Record.Payload)
	}
	if _, ok := resolved.Record.Payload["extra"]; !ok {
		t.Fatalf("winner payload should be taken whole")
	}
}

func TestResolveUnionsLinksForEveryTopic(t *testing.T) {
	ours := version("n1", "mood", 10, t0, nil, types.VectorClock{"n1": 1})
	ours.Record.Links = []types.CID{"b", "a"}
	theirs := version("n2", "mood", 20, t1, nil, types.VectorClock{"n2": 1})
	theirs.Record.Links = []types.CID{"c", "a"}

	resolved, _ := resolveConcurrent(ours, theirs, "n1")

	want := []types.CID{"a", "b", "c"}
	if !reflect.DeepEqual(resolved.Record.Links, want) {
		t.Fatalf("links = %v, want %v", resolved.Record.Links, want)
	}
}

// The resolver must be a pure, symmetric function: swapping which side is
// "ours" may not change the resolved record.
func TestResolveIsSymmetric(t *testing.T) {
	a := version("n1", types.TopicEvent, 10, t0, types.Payload{"type": "a", "left": 1}, types.VectorClock{"n1": 4})
	b := version("n2", types.TopicEvent, 10, t1, types.Payload{"type": "b", "right": 2}, types.VectorClock{"n2": 7})

	fromA, strategyA := resolveConcurrent(a, b, "nX")
	fromB, strategyB := resolveConcurrent(b, a, "nX")

	if strategyA != strategyB {
		t.Fatalf("strategies diverged: %s vs %s", strategyA, strategyB)
	}
	if !reflect.DeepEqual(fromA.Record, fromB.Record) {
		t.Fatalf("resolution depends on argument order:\n %+v\n %+v", fromA.Record, fromB.Record)
	}
	if !fromA.Clock.Equal(fromB.Clock) || !fromA.WriteTime.Equal(fromB.WriteTime) {
		t.Fatalf("resolution metadata depends on argument order")
	}
}
