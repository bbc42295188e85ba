package raftstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

func newRegion(id uint64, start, end string) *region.Region {
	return &region.Region{
		ID:    id,
		Range: region.KeyRange{Start: []byte(start), End: []byte(end)},
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: id, StoreID: 1}},
	}
}

func rangeOf(start, end string) ([]byte, []byte) {
	r := newRegion(0, start, end)
	return encStartKey(r), encEndKey(r)
}

func TestStoreMetaTiling(t *testing.T) {
	m := newStoreMeta(4)
	require.Zero(t, m.insertRegion(newRegion(1, "", "c")))
	require.Zero(t, m.insertRegion(newRegion(2, "c", "f")))
	require.Zero(t, m.insertRegion(newRegion(3, "h", "")))

	start, end := rangeOf("a", "e")
	assert.True(t, m.isRangeCovered(start, end))
	start, end = rangeOf("d", "g")
	assert.False(t, m.isRangeCovered(start, end), "gap between f and h")
	start, end = rangeOf("h", "")
	assert.True(t, m.isRangeCovered(start, end))

	start, end = rangeOf("b", "i")
	ids := func(rs []*region.Region) []uint64 {
		out := make([]uint64, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids(m.findOverlapRegions(start, end, 0)))
	assert.Equal(t, []uint64{1, 3}, ids(m.findOverlapRegions(start, end, 2)))
	start, end = rangeOf("f", "h")
	assert.Empty(t, m.findOverlapRegions(start, end, 0))

	assert.Equal(t, uint64(2), m.searchRegion([]byte("c")).ID)
	assert.Equal(t, uint64(1), m.searchRegion([]byte("")).ID)
	assert.Nil(t, m.searchRegion([]byte("g")))
	assert.Equal(t, uint64(3), m.searchRegion([]byte("zzz")).ID)
}

func TestStoreMetaInsertReportsReplacedOwner(t *testing.T) {
	m := newStoreMeta(4)
	require.Zero(t, m.insertRegion(newRegion(1, "a", "c")))
	assert.Equal(t, uint64(1), m.insertRegion(newRegion(2, "b", "c")))
}

func TestStoreMetaApplySplit(t *testing.T) {
	m := newStoreMeta(4)
	require.Zero(t, m.insertRegion(newRegion(1, "", "")))

	derived := newRegion(1, "", "m")
	derived.Epoch.Version = 2
	right := newRegion(2, "m", "")
	right.Epoch.Version = 2
	m.applySplit(derived, []*region.Region{derived, right})

	assert.Equal(t, 2, m.regionRanges.Len())
	assert.Equal(t, uint64(1), m.searchRegion([]byte("a")).ID)
	assert.Equal(t, uint64(2), m.searchRegion([]byte("x")).ID)
	start, end := rangeOf("", "")
	assert.True(t, m.isRangeCovered(start, end))
}

func TestStoreMetaRemoveRangeChecksOwner(t *testing.T) {
	m := newStoreMeta(4)
	r := newRegion(1, "a", "c")
	require.Zero(t, m.insertRegion(r))
	assert.False(t, m.removeRange(newRegion(9, "a", "c")))
	assert.True(t, m.removeRegion(r))
	assert.Empty(t, m.regions)
	assert.False(t, m.removeRange(r))
}

func TestStoreMetaPendingSnapshotOverlap(t *testing.T) {
	m := newStoreMeta(4)
	m.pendingSnapshotRegions = append(m.pendingSnapshotRegions, newRegion(1, "a", "f"), newRegion(2, "k", "p"))

	assert.True(t, m.overlapsPendingSnapshot(newRegion(3, "e", "h")))
	assert.False(t, m.overlapsPendingSnapshot(newRegion(2, "k", "z")), "own region never conflicts")
	assert.False(t, m.overlapsPendingSnapshot(newRegion(3, "f", "k")))

	m.removePendingSnapshotRegion(1)
	require.Len(t, m.pendingSnapshotRegions, 1)
	assert.Equal(t, uint64(2), m.pendingSnapshotRegions[0].ID)
}

func TestStoreMetaMergeSource(t *testing.T) {
	m := newStoreMeta(4)
	require.Zero(t, m.insertRegion(newRegion(1, "a", "c")))
	require.Zero(t, m.insertRegion(newRegion(2, "c", "f")))

	merged := region.Epoch{Version: 3, ConfVersion: 1}
	m.addMergeTarget(1, 2, merged)
	assert.True(t, m.maybeDestroySource(1, 2, region.Epoch{Version: 4, ConfVersion: 1}))
	assert.False(t, m.maybeDestroySource(1, 2, merged))
	assert.False(t, m.maybeDestroySource(1, 3, region.Epoch{Version: 9}))
	assert.False(t, m.maybeDestroySource(7, 2, region.Epoch{Version: 9}))

	m.clearMergeState(2)
	assert.False(t, m.maybeDestroySource(1, 2, region.Epoch{Version: 4, ConfVersion: 1}))
	assert.Empty(t, m.targetsMap)
}

func voteMsg(regionID, toPeer, toStore uint64) *api.RaftMessage {
	return &api.RaftMessage{RegionID: regionID, ToPeer: region.Peer{ID: toPeer, StoreID: toStore}}
}

func TestVoteRingDropsOldest(t *testing.T) {
	r := newVoteRing(3)
	for i := uint64(1); i <= 5; i++ {
		r.push(voteMsg(i, i, 1))
	}
	require.Equal(t, 3, r.len())
	assert.Empty(t, r.take(region.Peer{ID: 1, StoreID: 1}))
	assert.Empty(t, r.take(region.Peer{ID: 2, StoreID: 1}))

	got := r.take(region.Peer{ID: 4, StoreID: 1})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].RegionID)
	assert.Equal(t, 2, r.len())

	r.push(voteMsg(6, 6, 1))
	r.push(voteMsg(7, 7, 1))
	assert.Equal(t, 3, r.len())
	assert.Empty(t, r.take(region.Peer{ID: 3, StoreID: 1}), "oldest message was dropped")
	assert.Len(t, r.take(region.Peer{ID: 5, StoreID: 1}), 1)
}

func TestStoreMetaSetRegion(t *testing.T) {
	tests := []struct {
		name   string
		stored *region.Region
		panics bool
	}{
		{name: "new region"},
		{name: "same id", stored: newRegion(1, "a", "c")},
		{name: "corrupted index", stored: newRegion(2, "a", "c"), panics: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStoreMeta(4)
			if tt.stored != nil {
				m.regions[1] = tt.stored
			}
			r := newRegion(1, "a", "m")
			if tt.panics {
				require.Panics(t, func() { m.setRegion(r, nil) })
				return
			}
			require.NotPanics(t, func() { m.setRegion(r, nil) })
			assert.Equal(t, []byte("m"), m.regions[1].Range.End)
			r.Range.End = []byte("z")
			assert.Equal(t, []byte("m"), m.regions[1].Range.End, "stored descriptor is a copy")
		})
	}
}
