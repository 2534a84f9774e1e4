package crdt

import (
	"sort"
	"time"

	"github.com/example/thought-mesh/internal/types"
)

// Merge folds a remote replica snapshot into the local store. For each remote
// entry the two stored clocks are classified; theirs-newer overwrites,
// ours-newer and identical are no-ops, and concurrent pairs go through the
// semantic resolver. The local clock absorbs the remote clock afterwards, so
// a subsequent local write dominates everything seen so far.
//
// Only local state is mutated; every installed version is a deep copy, so the
// snapshot owner is never aliased. Merging the same snapshot twice is
// idempotent, and merges of independent snapshots commute on final contents.
func (r *Replica) Merge(remote types.ReplicaState) types.MergeReport {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	report := types.MergeReport{
		Added:     []types.CID{},
		Updated:   []types.CID{},
		Conflicts: []types.ConflictDescriptor{},
	}

	for _, cid := range sortedCIDs(remote.Store) {
		theirs := remote.Store[cid]

		ours, ok := r.store[cid]
		if !ok {
			r.store[cid] = theirs.Clone()
			report.Added = append(report.Added, cid)
			continue
		}

		switch ours.Clock.Compare(theirs.Clock) {
		case types.Before:
			r.store[cid] = theirs.Clone()
			report.Updated = append(report.Updated, cid)
		case types.After, types.Equal:
			// Nothing newer on their side.
		case types.Concurrent:
			resolution, strategy := resolveConcurrent(ours, theirs, r.nodeID)
			r.store[cid] = resolution
			report.Conflicts = append(report.Conflicts, types.ConflictDescriptor{
				CID:        cid,
				Ours:       ours.Clone(),
				Theirs:     theirs.Clone(),
				Resolution: resolution.Clone(),
				Strategy:   strategy,
			})
			conflictsResolved.WithLabelValues(strategy).Inc()
		}
	}

	r.clock.Merge(remote.Clock)
	r.updateGauges()

	mergeLatency.WithLabelValues(string(r.nodeID)).Observe(time.Since(start).Seconds())
	r.logger.Debug().
		Str("remote", string(remote.NodeID)).
		Int("added", len(report.Added)).
		Int("updated", len(report.Updated)).
		Int("conflicts", len(report.Conflicts)).
		Msg("merge applied")

	return report
}

func sortedCIDs(store map[types.CID]types.StoredVersion) []types.CID {
	cids := make([]types.CID, 0, len(store))
	for cid := range store {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })
	return cids
}
