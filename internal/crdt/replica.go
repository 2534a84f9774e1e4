package crdt

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/thought-mesh/internal/types"
)

// Replica owns one node's view of the thought collection: its vector clock
// and the versioned record store. Local writes and merges are the only
// mutation paths; both are synchronous and confined to in-memory maps. A
// single Replica expects one caller at a time; the internal mutex guards
// against accidental sharing, not against a multi-writer design.
type Replica struct {
	mu     sync.RWMutex
	nodeID types.NodeID
	clock  types.VectorClock
	store  map[types.CID]types.StoredVersion
	logger zerolog.Logger
	now    func() time.Time
}

// NewReplica constructs an empty replica for the given node.
func NewReplica(nodeID types.NodeID, logger zerolog.Logger) *Replica {
	return &Replica{
		nodeID: nodeID,
		clock:  make(types.VectorClock),
		store:  make(map[types.CID]types.StoredVersion),
		logger: logger.With().Str("node", string(nodeID)).Logger(),
		now:    time.Now,
	}
}

// NodeID returns the identifier of the owning node.
func (r *Replica) NodeID() types.NodeID {
	return r.nodeID
}

// Add stamps the record with a freshly bumped clock and installs it unless
// the existing entry causally dominates the new write. A concurrent existing
// entry is overwritten without semantic resolution: the local writer wins
// locally, resolution happens only on merge. A missing CID is a contract
// violation and panics. Add never fails; a causally stale write is ignored
// and the surviving entry is returned.
func (r *Replica) Add(record types.Record) types.DecoratedRecord {
	if record.CID == "" {
		panic("crdt: Add called with empty cid")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock.Bump(r.nodeID)
	version := types.StoredVersion{
		Record:    record.Clone(),
		WriteTime: r.now().UTC(),
		Writer:    r.nodeID,
		Clock:     r.clock.Clone(),
	}

	if existing, ok := r.store[record.CID]; ok {
		switch existing.Clock.Compare(version.Clock) {
		case types.After, types.Equal:
			r.logger.Debug().Str("cid", string(record.CID)).Msg("stale local write ignored")
			return decorate(existing)
		}
	}

	r.store[record.CID] = version
	r.updateGauges()
	return decorate(version)
}

// Remove tombstones the record if present. The local clock is bumped either
// way; removing an absent key is a no-op, not an error.
func (r *Replica) Remove(cid types.CID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock.Bump(r.nodeID)

	existing, ok := r.store[cid]
	if !ok {
		return
	}

	r.store[cid] = types.StoredVersion{
		Record:    existing.Record.Clone(),
		WriteTime: r.now().UTC(),
		Writer:    r.nodeID,
		Clock:     r.clock.Clone(),
		Tombstone: true,
	}
	r.updateGauges()
}

// Thoughts returns every non-tombstoned record decorated with its CRDT
// metadata. Pure projection; ordering is not significant.
func (r *Replica) Thoughts() []types.DecoratedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.DecoratedRecord, 0, len(r.store))
	for _, version := range r.store {
		if version.Tombstone {
			continue
		}
		out = append(out, decorate(version))
	}
	return out
}

// Get returns the decorated record for a CID when present and live.
func (r *Replica) Get(cid types.CID) (types.DecoratedRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.store[cid]
	if !ok || version.Tombstone {
		return types.DecoratedRecord{}, false
	}
	return decorate(version), true
}

// Version returns a copy of the stored version for a CID, tombstones
// included. Persistence callers need the full version, not the live view.
func (r *Replica) Version(cid types.CID) (types.StoredVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.store[cid]
	if !ok {
		return types.StoredVersion{}, false
	}
	return version.Clone(), true
}

// State exports a deep copy of the replica triple for synchronization or
// persistence. The caller may retain it freely.
func (r *Replica) State() types.ReplicaState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := types.ReplicaState{
		NodeID: r.nodeID,
		Clock:  r.clock.Clone(),
		Store:  make(map[types.CID]types.StoredVersion, len(r.store)),
	}
	for cid, version := range r.store {
		state.Store[cid] = version.Clone()
	}
	return state
}

// LoadState replaces the replica contents with the imported snapshot. The
// node identity stays the replica's own; a mismatching snapshot origin is
// logged but not rejected, matching the restore-from-backup path.
func (r *Replica) LoadState(state types.ReplicaState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state.NodeID != "" && state.NodeID != r.nodeID {
		r.logger.Warn().
			Str("snapshot_node", string(state.NodeID)).
			Msg("loading state exported by a different node")
	}

	r.clock = state.Clock.Clone()
	if r.clock == nil {
		r.clock = make(types.VectorClock)
	}
	r.store = make(map[types.CID]types.StoredVersion, len(state.Store))
	for cid, version := range state.Store {
		r.store[cid] = version.Clone()
	}
	r.updateGauges()
}

// Clock returns a copy of the current vector clock.
func (r *Replica) Clock() types.VectorClock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock.Clone()
}

// Len reports the number of entries in the store, tombstones included.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

func (r *Replica) updateGauges() {
	var live, dead int
	for _, version := range r.store {
		if version.Tombstone {
			dead++
		} else {
			live++
		}
	}
	thoughtCount.WithLabelValues(string(r.nodeID)).Set(float64(live))
	tombstoneCount.WithLabelValues(string(r.nodeID)).Set(float64(dead))
}

func decorate(version types.StoredVersion) types.DecoratedRecord {
	return types.DecoratedRecord{
		Record:    version.Record.Clone(),
		Clock:     version.Clock.Clone(),
		WriteTime: version.WriteTime,
		Writer:    version.Writer,
		Version:   version.Clock[version.Writer],
	}
}

// String renders a short identity for logs.
func (r *Replica) String() string {
	return fmt.Sprintf("replica(%s)", r.nodeID)
}
