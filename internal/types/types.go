package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeID identifies a replica participating in the mesh.
type NodeID string

// CID is the content identifier of a thought record, unique within a store.
type CID string

// Topic is the logical channel of a record. It selects the semantic merge
// policy applied when two replicas modify the same record concurrently.
type Topic string

const (
	TopicMetric Topic = "metric"
	TopicEvent  Topic = "event"
	TopicDream  Topic = "dream"
)

// TopicKind is the closed set of merge policies. Unknown topic strings all
// collapse to KindOther so dispatch stays exhaustive.
type TopicKind int

const (
	KindMetric TopicKind = iota
	KindEvent
	KindDream
	KindOther
)

// Kind maps a topic string onto its merge policy.
func (t Topic) Kind() TopicKind {
	switch t {
	case TopicMetric:
		return KindMetric
	case TopicEvent:
		return KindEvent
	case TopicDream:
		return KindDream
	default:
		return KindOther
	}
}

// Payload is the topic-dependent structured value carried by a record.
type Payload map[string]any

// Clone returns a deep copy of the payload. Nested maps and slices are
// copied so callers can never alias the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Payload:
		return tv.Clone()
	case map[string]any:
		return map[string]any(Payload(tv).Clone())
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case []Payload:
		out := make([]Payload, len(tv))
		for i, e := range tv {
			out[i] = e.Clone()
		}
		return out
	default:
		return v
	}
}

// VectorClock keeps a logical counter per node. A node only ever increments
// its own entry; entries for other nodes grow via point-wise maximum.
type VectorClock map[NodeID]uint64

// Causality classifies the relationship between two vector clocks.
type Causality int

const (
	// Before means the receiver happened before the other clock.
	Before Causality = iota
	// After means the receiver happened after the other clock.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
	// Equal means both clocks carry identical entries.
	Equal
)

// String implements fmt.Stringer for log fields and conflict descriptors.
func (c Causality) String() string {
	switch c {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return fmt.Sprintf("causality(%d)", int(c))
	}
}

// Bump increments the counter for a node by exactly one.
func (vc VectorClock) Bump(node NodeID) {
	vc[node]++
}

// Merge folds another clock into the receiver by taking the maximum value
// for each entry. Idempotent and commutative.
func (vc VectorClock) Merge(other VectorClock) {
	for node, value := range other {
		if vc[node] < value {
			vc[node] = value
		}
	}
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for node, value := range vc {
		out[node] = value
	}
	return out
}

// Equal reports whether both clocks carry exactly the same entries, treating
// missing entries as zero.
func (vc VectorClock) Equal(other VectorClock) bool {
	for node, value := range vc {
		if other[node] != value {
			return false
		}
	}
	for node, value := range other {
		if vc[node] != value {
			return false
		}
	}
	return true
}

// Compare classifies the causal relationship between the receiver and the
// other clock. Nodes absent from either side count as zero, so a clock is
// never dominated merely because the other side has seen nodes it has not.
func (vc VectorClock) Compare(other VectorClock) Causality {
	var less, greater bool

	for node, value := range vc {
		switch o := other[node]; {
		case value < o:
			less = true
		case value > o:
			greater = true
		}
	}
	for node, o := range other {
		if _, ok := vc[node]; ok {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// String renders the clock with sorted keys for deterministic logging.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}
	nodes := make([]string, 0, len(vc))
	for node := range vc {
		nodes = append(nodes, string(node))
	}
	sort.Strings(nodes)

	parts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		parts = append(parts, fmt.Sprintf("%s:%d", node, vc[NodeID(node)]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Record is the immutable-by-convention payload handed to the replica by the
// surrounding system. TS is producer-supplied wall time in milliseconds and
// is never trusted for causal ordering. Signature is opaque here; the core
// does not verify it.
type Record struct {
	CID       CID     `json:"cid"`
	Topic     Topic   `json:"topic"`
	TS        int64   `json:"ts"`
	Payload   Payload `json:"payload,omitempty"`
	Links     []CID   `json:"links,omitempty"`
	Origin    NodeID  `json:"origin,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Payload = r.Payload.Clone()
	if r.Links != nil {
		out.Links = append([]CID(nil), r.Links...)
	}
	return out
}

// StoredVersion wraps a record with the CRDT metadata stamped at write time.
// Tombstoned versions stay in the store so deletions propagate and order
// correctly against concurrent re-additions.
type StoredVersion struct {
	Record    Record      `json:"record"`
	WriteTime time.Time   `json:"write_time"`
	Writer    NodeID      `json:"writer"`
	Clock     VectorClock `json:"clock"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

// Clone returns a deep copy of the version.
func (v StoredVersion) Clone() StoredVersion {
	out := v
	out.Record = v.Record.Clone()
	out.Clock = v.Clock.Clone()
	return out
}

// DecoratedRecord is the caller-facing view of a stored record together with
// its CRDT metadata. Version is the writer's own clock entry at write time.
type DecoratedRecord struct {
	Record    Record      `json:"record"`
	Clock     VectorClock `json:"clock"`
	WriteTime time.Time   `json:"write_time"`
	Writer    NodeID      `json:"writer"`
	Version   uint64      `json:"version"`
}

// ReplicaState is the whole-replica snapshot exchanged during synchronization
// and used for persistence. State transfer, not operation transfer: the triple
// fully describes a replica.
type ReplicaState struct {
	NodeID NodeID                `json:"node_id"`
	Clock  VectorClock           `json:"vector_clock"`
	Store  map[CID]StoredVersion `json:"store"`
}

// Clone returns a deep copy so a borrowed snapshot never aliases live state.
func (s ReplicaState) Clone() ReplicaState {
	out := ReplicaState{NodeID: s.NodeID, Clock: s.Clock.Clone()}
	if s.Store != nil {
		out.Store = make(map[CID]StoredVersion, len(s.Store))
		for cid, version := range s.Store {
			out.Store[cid] = version.Clone()
		}
	}
	return out
}

// ConflictDescriptor captures one resolved concurrent pair inside a merge
// report: both originals, the resolution installed, and the strategy used.
type ConflictDescriptor struct {
	CID        CID           `json:"cid"`
	Ours       StoredVersion `json:"our_version"`
	Theirs     StoredVersion `json:"their_version"`
	Resolution StoredVersion `json:"resolution"`
	Strategy   string        `json:"strategy"`
}

// MergeReport summarizes a merge call. Conflicts are resolved outcomes
// surfaced for observability, not failures.
type MergeReport struct {
	Added     []CID                `json:"added"`
	Updated   []CID                `json:"updated"`
	Conflicts []ConflictDescriptor `json:"conflicts"`
}
