package types

import (
	"reflect"
	"testing"
)

func TestVectorClockBump(t *testing.T) {
	vc := make(VectorClock)
	vc.Bump("n1")
	vc.Bump("n1")
	vc.Bump("n2")

	if vc["n1"] != 2 {
		t.Fatalf("expected n1=2, got %d", vc["n1"])
	}
	if vc["n2"] != 1 {
		t.Fatalf("expected n2=1, got %d", vc["n2"])
	}
}

func TestVectorClockMergeTakesPointwiseMax(t *testing.T) {
	a := VectorClock{"n1": 3, "n2": 1}
	b := VectorClock{"n1": 2, "n2": 5, "n3": 1}

	a.Merge(b)

	want := VectorClock{"n1": 3, "n2": 5, "n3": 1}
	if !a.Equal(want) {
		t.Fatalf("expected %v, got %v", want, a)
	}

	// Idempotent: merging again changes nothing.
	snapshot := a.Clone()
	a.Merge(b)
	if !a.Equal(snapshot) {
		t.Fatalf("merge not idempotent: %v vs %v", snapshot, a)
	}
}

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Causality
	}{
		{"both empty", VectorClock{}, VectorClock{}, Equal},
		{"identical", VectorClock{"n1": 1, "n2": 2}, VectorClock{"n1": 1, "n2": 2}, Equal},
		{"strictly before", VectorClock{"n1": 1}, VectorClock{"n1": 2}, Before},
		{"strictly after", VectorClock{"n1": 2, "n2": 1}, VectorClock{"n1": 1, "n2": 1}, After},
		{"concurrent crosswise", VectorClock{"n1": 2, "n2": 1}, VectorClock{"n1": 1, "n2": 2}, Concurrent},
		{"before via missing key", VectorClock{"n1": 1}, VectorClock{"n1": 1, "n2": 1}, Before},
		{"disjoint nodes are concurrent", VectorClock{"n1": 1}, VectorClock{"n2": 1}, Concurrent},
		{"zero entry equals missing", VectorClock{"n1": 1, "n2": 0}, VectorClock{"n1": 1}, Equal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("a.Compare(b) = %v, want %v", got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != invert(tt.want) {
				t.Fatalf("b.Compare(a) = %v, want %v", got, invert(tt.want))
			}
		})
	}
}

func invert(c Causality) Causality {
	switch c {
	case Before:
		return After
	case After:
		return Before
	default:
		return c
	}
}

func TestVectorClockMergeDominatesBothInputs(t *testing.T) {
	a := VectorClock{"n1": 1, "n2": 4}
	b := VectorClock{"n1": 3, "n3": 2}

	merged := a.Clone()
	merged.Merge(b)

	if rel := merged.Compare(a); rel != After && rel != Equal {
		t.Fatalf("merged should dominate a, got %v", rel)
	}
	if rel := merged.Compare(b); rel != After && rel != Equal {
		t.Fatalf("merged should dominate b, got %v", rel)
	}
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	a := VectorClock{"n1": 1}
	b := a.Clone()
	b.Bump("n1")

	if a["n1"] != 1 {
		t.Fatalf("clone mutation leaked into original: %v", a)
	}
}

func TestPayloadCloneIsDeep(t *testing.T) {
	p := Payload{
		"H":       0.8,
		"nested":  map[string]any{"k": "v"},
		"list":    []any{1, 2},
		"sources": []Payload{{"type": "a"}},
	}

	clone := p.Clone()
	clone["H"] = 0.1
	clone["nested"].(map[string]any)["k"] = "changed"
	clone["list"].([]any)[0] = 9
	clone["sources"].([]Payload)[0]["type"] = "b"

	if p["H"] != 0.8 {
		t.Fatalf("scalar overwritten: %v", p["H"])
	}
	if p["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested map shared between clone and original")
	}
	if p["list"].([]any)[0] != 1 {
		t.Fatalf("slice shared between clone and original")
	}
	if p["sources"].([]Payload)[0]["type"] != "a" {
		t.Fatalf("payload slice shared between clone and original")
	}
}

func TestReplicaStateCloneIsDeep(t *testing.T) {
	state := ReplicaState{
		NodeID: "n1",
		Clock:  VectorClock{"n1": 2},
		Store: map[CID]StoredVersion{
			"t1": {
				Record: Record{CID: "t1", Topic: TopicEvent, Payload: Payload{"type": "a"}, Links: []CID{"t0"}},
				Writer: "n1",
				Clock:  VectorClock{"n1": 2},
			},
		},
	}

	clone := state.Clone()
	clone.Clock.Bump("n1")
	version := clone.Store["t1"]
	version.Record.Payload["type"] = "b"
	version.Record.Links[0] = "zz"
	version.Clock.Bump("n1")

	if state.Clock["n1"] != 2 {
		t.Fatalf("clock shared with clone")
	}
	original := state.Store["t1"]
	if original.Record.Payload["type"] != "a" {
		t.Fatalf("payload shared with clone")
	}
	if original.Record.Links[0] != "t0" {
		t.Fatalf("links shared with clone")
	}
	if original.Clock["n1"] != 2 {
		t.Fatalf("version clock shared with clone")
	}
}

func TestTopicKindDispatchIsClosed(t *testing.T) {
	cases := map[Topic]TopicKind{
		TopicMetric:     KindMetric,
		TopicEvent:      KindEvent,
		TopicDream:      KindDream,
		"mood":          KindOther,
		"":              KindOther,
		Topic("METRIC"): KindOther,
	}
	for topic, want := range cases {
		if got := topic.Kind(); got != want {
			t.Fatalf("Kind(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := Record{CID: "t1", Topic: TopicDream, Payload: Payload{"vision": "x"}, Links: []CID{"a"}}
	clone := r.Clone()
	clone.Payload["vision"] = "y"
	clone.Links[0] = "b"

	if !reflect.DeepEqual(r.Payload, Payload{"vision": "x"}) || r.Links[0] != "a" {
		t.Fatalf("record clone aliases original: %+v", r)
	}
}
