package raftstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"

	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

// regionItem orders regions by their encoded end key.
type regionItem struct {
	endKey   []byte
	regionID uint64
}

func regionItemLess(a, b regionItem) bool {
	return bytes.Compare(a.endKey, b.endKey) < 0
}

func encStartKey(r *region.Region) []byte { return meta.DataKey(r.Range.Start) }

func encEndKey(r *region.Region) []byte { return meta.DataEndKey(r.Range.End) }

// mergeLock marks a source region that has prepared a merge at Version.
type mergeLock struct {
	version uint64
}

// storeMeta is the store wide index of region ownership. All fields are
// guarded by the embedded mutex and no I/O happens while it is held.
type storeMeta struct {
	sync.Mutex

	// encoded end key -> region id, for initialized regions only
	regionRanges *btree.BTreeG[regionItem]
	// region id -> region, same id set as regionRanges
	regions map[uint64]*region.Region
	// vote messages for regions not created yet
	pendingVotes *voteRing
	// regions whose snapshot was accepted but not yet persisted
	pendingSnapshotRegions []*region.Region
	// target region id -> source region id -> target epoch at merge time
	pendingMergeTargets map[uint64]map[uint64]region.Epoch
	// source region id -> target region id
	targetsMap map[uint64]uint64
	// source region id -> prepared merge
	mergeLocks map[uint64]*mergeLock
}

func newStoreMeta(maxPendingVotes int) *storeMeta {
	return &storeMeta{
		regionRanges:        btree.NewG[regionItem](32, regionItemLess),
		regions:             make(map[uint64]*region.Region),
		pendingVotes:        newVoteRing(maxPendingVotes),
		pendingMergeTargets: make(map[uint64]map[uint64]region.Epoch),
		targetsMap:          make(map[uint64]uint64),
		mergeLocks:          make(map[uint64]*mergeLock),
	}
}

// setRegion replaces the descriptor of r.ID and updates p when given. A
// stored descriptor with a different id means the index is corrupted.
func (m *storeMeta) setRegion(r *region.Region, p *peer) {
	if prev, ok := m.regions[r.ID]; ok && prev.ID != r.ID {
		panic(fmt.Sprintf("raftstore: region %d is stored under id %d", prev.ID, r.ID))
	}
	m.regions[r.ID] = r.Clone()
	if p != nil {
		p.setRegion(r)
	}
}

// insertRegion indexes an initialized region. It returns the id that
// previously owned the same end key, or zero.
func (m *storeMeta) insertRegion(r *region.Region) uint64 {
	m.setRegion(r, nil)
	old, replaced := m.regionRanges.ReplaceOrInsert(regionItem{endKey: encEndKey(r), regionID: r.ID})
	if replaced && old.regionID != r.ID {
		return old.regionID
	}
	return 0
}

// removeRange drops the range entry of r if it still belongs to r.
func (m *storeMeta) removeRange(r *region.Region) bool {
	item := regionItem{endKey: encEndKey(r)}
	cur, ok := m.regionRanges.Get(item)
	if !ok || cur.regionID != r.ID {
		return false
	}
	m.regionRanges.Delete(item)
	return true
}

// removeRegion forgets r entirely.
func (m *storeMeta) removeRegion(r *region.Region) bool {
	removed := m.removeRange(r)
	delete(m.regions, r.ID)
	return removed
}

// applySplit replaces the range of the split region by the ranges of
// regions, all of which are indexed. derived keeps the original id.
func (m *storeMeta) applySplit(derived *region.Region, regions []*region.Region) {
	last := regions[len(regions)-1]
	if !m.removeRange(&region.Region{ID: derived.ID, Range: region.KeyRange{End: last.Range.End}}) {
		panic(fmt.Sprintf("raftstore: region %d range missing before split", derived.ID))
	}
	for _, r := range regions {
		if old := m.insertRegion(r); old != 0 {
			panic(fmt.Sprintf("raftstore: split region %d overwrote region %d", r.ID, old))
		}
	}
}

// isRangeCovered reports whether indexed regions tile [start, end) of the
// encoded keyspace without a gap.
func (m *storeMeta) isRangeCovered(start, end []byte) bool {
	covered := false
	cursor := append([]byte(nil), start...)
	m.regionRanges.AscendGreaterOrEqual(regionItem{endKey: start}, func(it regionItem) bool {
		if bytes.Equal(it.endKey, start) {
			return true
		}
		r := m.regions[it.regionID]
		if bytes.Compare(cursor, encStartKey(r)) < 0 {
			return false
		}
		if bytes.Compare(it.endKey, end) >= 0 {
			covered = true
			return false
		}
		cursor = it.endKey
		return true
	})
	return covered
}

// findOverlapRegions lists indexed regions other than excludeID that
// intersect the encoded range [start, end), in key order.
func (m *storeMeta) findOverlapRegions(start, end []byte, excludeID uint64) []*region.Region {
	var out []*region.Region
	m.regionRanges.AscendGreaterOrEqual(regionItem{endKey: start}, func(it regionItem) bool {
		if bytes.Equal(it.endKey, start) {
			return true
		}
		r := m.regions[it.regionID]
		if bytes.Compare(encStartKey(r), end) >= 0 {
			return false
		}
		if r.ID != excludeID {
			out = append(out, r)
		}
		return true
	})
	return out
}

// searchRegion returns the region owning the user key.
func (m *storeMeta) searchRegion(key []byte) *region.Region {
	dk := meta.DataKey(key)
	var found *region.Region
	m.regionRanges.AscendGreaterOrEqual(regionItem{endKey: dk}, func(it regionItem) bool {
		if bytes.Equal(it.endKey, dk) {
			return true
		}
		r := m.regions[it.regionID]
		if bytes.Compare(encStartKey(r), dk) <= 0 {
			found = r
		}
		return false
	})
	return found
}

// forEachRange visits indexed regions in key order.
func (m *storeMeta) forEachRange(fn func(r *region.Region) bool) {
	m.regionRanges.Ascend(func(it regionItem) bool {
		return fn(m.regions[it.regionID])
	})
}

// overlapsPendingSnapshot reports whether r collides with a snapshot of
// another region that is accepted but not yet persisted.
func (m *storeMeta) overlapsPendingSnapshot(r *region.Region) bool {
	for _, p := range m.pendingSnapshotRegions {
		if p.ID != r.ID && p.Overlaps(r) {
			return true
		}
	}
	return false
}

func (m *storeMeta) removePendingSnapshotRegion(regionID uint64) {
	kept := m.pendingSnapshotRegions[:0]
	for _, r := range m.pendingSnapshotRegions {
		if r.ID != regionID {
			kept = append(kept, r)
		}
	}
	clear(m.pendingSnapshotRegions[len(kept):])
	m.pendingSnapshotRegions = kept
}

// addMergeTarget records that source was absorbed by target at epoch.
func (m *storeMeta) addMergeTarget(targetID, sourceID uint64, epoch region.Epoch) {
	sources, ok := m.pendingMergeTargets[targetID]
	if !ok {
		sources = make(map[uint64]region.Epoch)
		m.pendingMergeTargets[targetID] = sources
	}
	sources[sourceID] = epoch
	m.targetsMap[sourceID] = targetID
}

// maybeDestroySource reports whether source is provably stale because
// target already absorbed it at an epoch older than epoch.
func (m *storeMeta) maybeDestroySource(targetID, sourceID uint64, epoch region.Epoch) bool {
	sources, ok := m.pendingMergeTargets[targetID]
	if !ok {
		return false
	}
	targetEpoch, ok := sources[sourceID]
	if !ok {
		return false
	}
	return targetEpoch.IsStale(epoch)
}

// clearMergeState drops every merge record involving regionID.
func (m *storeMeta) clearMergeState(regionID uint64) {
	delete(m.pendingMergeTargets, regionID)
	if targetID, ok := m.targetsMap[regionID]; ok {
		delete(m.targetsMap, regionID)
		if sources, ok := m.pendingMergeTargets[targetID]; ok {
			delete(sources, regionID)
			if _, exists := m.regions[targetID]; !exists && len(sources) == 0 {
				delete(m.pendingMergeTargets, targetID)
			}
		}
	}
	delete(m.mergeLocks, regionID)
}

// voteRing is a bounded FIFO of vote messages; pushing into a full ring
// drops the oldest message.
type voteRing struct {
	buf   []*api.RaftMessage
	head  int
	count int
}

func newVoteRing(capacity int) *voteRing {
	return &voteRing{buf: make([]*api.RaftMessage, capacity)}
}

func (r *voteRing) len() int { return r.count }

func (r *voteRing) push(msg *api.RaftMessage) {
	if len(r.buf) == 0 {
		return
	}
	if r.count == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	r.buf[(r.head+r.count)%len(r.buf)] = msg
	r.count++
}

// take removes and returns every message addressed to peer.
func (r *voteRing) take(to region.Peer) []*api.RaftMessage {
	var out []*api.RaftMessage
	kept := make([]*api.RaftMessage, 0, r.count)
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.head+i)%len(r.buf)]
		if msg.ToPeer.ID == to.ID && msg.ToPeer.StoreID == to.StoreID {
			out = append(out, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	clear(r.buf)
	copy(r.buf, kept)
	r.head, r.count = 0, len(kept)
	return out
}
