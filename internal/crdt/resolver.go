package crdt

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/example/thought-mesh/internal/types"
)

// Strategy names surfaced in conflict descriptors.
const (
	StrategySemanticMerge   = "semantic-merge"
	StrategyLastWriteWins   = "last-write-wins"
	StrategyTombstoneLatest = "tombstone-latest"
)

const dreamSeparator = " | "

// resolveConcurrent combines two concurrently written versions of the same
// CID into a single resolution. It is a pure function of its inputs: no
// clocks are read, no randomness is used, and the two sides are put into a
// canonical order before field merging, so every replica resolving the same
// pair converges to a bit-identical record regardless of which side is local.
// The merging node authors the resolution, so Writer is set to resolver.
func resolveConcurrent(ours, theirs types.StoredVersion, resolver types.NodeID) (types.StoredVersion, string) {
	if ours.Tombstone || theirs.Tombstone {
		// Causal order could not decide, so the later wall-clock write wins,
		// tombstone or not: a later concurrent write may override a deletion.
		winner := laterWrite(ours, theirs)
		resolution := winner.Clone()
		resolution.Clock = mergedClock(ours, theirs)
		resolution.WriteTime = maxTime(ours, theirs)
		resolution.Writer = resolver
		return resolution, StrategyTombstoneLatest
	}

	// Canonical order: the side with the later producer timestamp wins field
	// collisions; ties fall back to the writer id so ordering stays total.
	first, second := orderByProducer(ours, theirs)

	var (
		payload  types.Payload
		strategy string
	)
	switch second.Record.Topic.Kind() {
	case types.KindMetric:
		payload = mergeMetric(first.Record.Payload, second.Record.Payload)
		strategy = StrategySemanticMerge
	case types.KindEvent:
		payload = mergeEvent(first.Record.Payload, second.Record.Payload)
		strategy = StrategySemanticMerge
	case types.KindDream:
		payload = mergeDream(first.Record.Payload, second.Record.Payload)
		strategy = StrategySemanticMerge
	case types.KindOther:
		payload = second.Record.Payload.Clone()
		strategy = StrategyLastWriteWins
	}

	record := second.Record.Clone()
	record.Payload = payload
	record.Links = unionLinks(first.Record.Links, second.Record.Links)
	if first.Record.TS > record.TS {
		record.TS = first.Record.TS
	}

	resolution := types.StoredVersion{
		Record:    record,
		WriteTime: maxTime(ours, theirs),
		Writer:    resolver,
		Clock:     mergedClock(ours, theirs),
	}
	return resolution, strategy
}

// mergeMetric averages numeric fields present on both sides and takes every
// other field from the canonical winner, the loser's fields filling gaps.
func mergeMetric(first, second types.Payload) types.Payload {
	out := unionPayload(first, second)
	for key, a := range first {
		b, ok := second[key]
		if !ok {
			continue
		}
		av, aNum := asFloat(a)
		bv, bNum := asFloat(b)
		if aNum && bNum {
			out[key] = (av + bv) / 2
		}
	}
	return out
}

// mergeEvent unions both sides, flags the result as merged, and keeps the
// original payloads under "sources" for audit.
func mergeEvent(first, second types.Payload) types.Payload {
	out := unionPayload(first, second)
	out["merged"] = true
	out["sources"] = []types.Payload{first.Clone(), second.Clone()}
	return out
}

// mergeDream concatenates the free-text vision field and unions the rest.
func mergeDream(first, second types.Payload) types.Payload {
	out := unionPayload(first, second)
	a, aOK := first["vision"].(string)
	b, bOK := second["vision"].(string)
	switch {
	case aOK && bOK:
		out["vision"] = a + dreamSeparator + b
	case aOK:
		out["vision"] = a
	case bOK:
		out["vision"] = b
	}
	out["merged"] = true
	return out
}

func unionPayload(first, second types.Payload) types.Payload {
	out := make(types.Payload, len(first)+len(second))
	for k, v := range first.Clone() {
		out[k] = v
	}
	for k, v := range second.Clone() {
		out[k] = v
	}
	return out
}

func unionLinks(a, b []types.CID) []types.CID {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[types.CID]struct{}, len(a)+len(b))
	out := make([]types.CID, 0, len(a)+len(b))
	for _, links := range [][]types.CID{a, b} {
		for _, cid := range links {
			if _, ok := seen[cid]; ok {
				continue
			}
			seen[cid] = struct{}{}
			out = append(out, cid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// orderByProducer returns the two versions as (loser, winner) of field
// collisions. Producer timestamps decide; the writer id breaks ties so both
// replicas order an identical pair identically.
func orderByProducer(a, b types.StoredVersion) (types.StoredVersion, types.StoredVersion) {
	if a.Record.TS != b.Record.TS {
		if a.Record.TS < b.Record.TS {
			return a, b
		}
		return b, a
	}
	if a.Writer < b.Writer {
		return a, b
	}
	return b, a
}

func laterWrite(a, b types.StoredVersion) types.StoredVersion {
	if a.WriteTime.After(b.WriteTime) {
		return a
	}
	if b.WriteTime.After(a.WriteTime) {
		return b
	}
	// Equal write times: fall back to writer id so the pick is deterministic.
	if a.Writer > b.Writer {
		return a
	}
	return b
}

func maxTime(a, b types.StoredVersion) time.Time {
	if a.WriteTime.After(b.WriteTime) {
		return a.WriteTime
	}
	return b.WriteTime
}

func mergedClock(a, b types.StoredVersion) types.VectorClock {
	clock := a.Clock.Clone()
	clock.Merge(b.Clock)
	return clock
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
