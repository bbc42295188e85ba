package raftstore

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

// newIdleStore returns a store whose pollers are not running, together with
// a poll context to drive its fsms by hand.
func newIdleStore(t *testing.T, regions ...*region.Region) (*testStore, *pollContext) {
	t.Helper()
	engines := openTestEngines(t)
	bootstrapRegion(t, engines, 1, nil)
	s := newTestStore(t, 1, engines, filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, s.SnapManager().Init())
	m := s.ctx.meta
	m.Lock()
	for _, r := range regions {
		require.Zero(t, m.insertRegion(r))
	}
	m.Unlock()
	pc := newPollContext(s.ctx)
	t.Cleanup(func() {
		pc.kvBatch.Close()
		pc.raftBatch.Close()
		pc.applyBatch.Close()
	})
	return s, pc
}

func TestStoreFsmDropsMessageForOverlappedRange(t *testing.T) {
	s, pc := newIdleStore(t, newRegion(1, "a", "z"))
	d := newStoreFsmDelegate(s.control, pc)

	vote := &api.RaftMessage{
		RegionID:    5,
		FromPeer:    region.Peer{ID: 6, StoreID: 2},
		ToPeer:      region.Peer{ID: 5, StoreID: 1},
		RegionEpoch: region.Epoch{Version: 1, ConfVersion: 1},
		StartKey:    []byte("m"),
		EndKey:      []byte("zz"),
		Message:     raftpb.Message{Type: raftpb.MsgVote, To: 5, From: 6, Term: 6},
	}
	require.NoError(t, d.onRaftMessage(vote))

	assert.False(t, s.ctx.router.has(5), "no peer is created over an owned range")
	assert.Equal(t, 0, s.RegionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.ctx.metrics.DroppedCounter(metrics.DropRegionOverlap)))
	m := s.ctx.meta
	m.Lock()
	assert.Equal(t, 1, m.pendingVotes.len(), "vote is kept until the owner splits")
	m.Unlock()

	// A range nobody owns gets a peer.
	vote.RegionID = 7
	vote.StartKey, vote.EndKey = []byte("z"), nil
	vote.ToPeer = region.Peer{ID: 7, StoreID: 1}
	require.NoError(t, d.onRaftMessage(vote))
	assert.True(t, s.ctx.router.has(7))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.ctx.metrics.DroppedCounter(metrics.DropRegionOverlap)))
}

func TestStoreFsmDestroysStaleMergeSource(t *testing.T) {
	s, pc := newIdleStore(t, newRegion(1, "a", "z"))
	core, logs := observer.New(zapcore.WarnLevel)
	s.ctx.logger = zap.New(core)
	m := s.ctx.meta
	m.Lock()
	m.addMergeTarget(5, 1, region.Epoch{Version: 1, ConfVersion: 1})
	m.Unlock()

	vote := &api.RaftMessage{
		RegionID:    5,
		FromPeer:    region.Peer{ID: 6, StoreID: 2},
		ToPeer:      region.Peer{ID: 5, StoreID: 1},
		RegionEpoch: region.Epoch{Version: 2, ConfVersion: 1},
		StartKey:    []byte("a"),
		EndKey:      []byte("zz"),
		Message:     raftpb.Message{Type: raftpb.MsgVote, To: 5, From: 6, Term: 6},
	}
	require.NoError(t, newStoreFsmDelegate(s.control, pc).onRaftMessage(vote))

	// The target waits for the source to go away, and the source has no
	// running fsm to receive the destroy.
	assert.False(t, s.ctx.router.has(5))
	assert.Zero(t, testutil.ToFloat64(s.ctx.metrics.DroppedCounter(metrics.DropRegionOverlap)))
	entries := logs.FilterMessage("failed to destroy merge source").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].ContextMap()["source"])
}

// receivedSnapMessage stores a received snapshot of r and returns the
// MsgSnap announcing it.
func receivedSnapMessage(t *testing.T, s *testStore, r *region.Region, term, index uint64) *api.RaftMessage {
	t.Helper()
	mgr := s.SnapManager()
	key := snap.SnapKey{RegionID: r.ID, Term: term, Index: index}
	gen, err := mgr.GetSnapshotForBuilding(key)
	require.NoError(t, err)
	kvSnap := s.engines.Kv.NewSnapshot()
	defer kvSnap.Close()
	data := new(api.RaftSnapshotData)
	require.NoError(t, gen.Build(context.Background(), s.engines.Kv, kvSnap, r, data, nil))

	src, err := mgr.GetSnapshotForSending(key)
	require.NoError(t, err)
	defer src.Close()
	dst, err := mgr.GetSnapshotForReceiving(key, data.Meta)
	require.NoError(t, err)
	defer dst.Close()
	_, err = io.Copy(dst, src)
	require.NoError(t, err)
	require.NoError(t, dst.Save())

	encoded, err := snap.EncodeSnapshotData(data)
	require.NoError(t, err)
	return &api.RaftMessage{
		RegionID:    r.ID,
		FromPeer:    region.Peer{ID: 10, StoreID: 2},
		ToPeer:      r.Peers[0],
		RegionEpoch: r.Epoch,
		Message: raftpb.Message{
			Type: raftpb.MsgSnap,
			Snapshot: raftpb.Snapshot{
				Data:     encoded,
				Metadata: raftpb.SnapshotMetadata{Term: term, Index: index},
			},
		},
	}
}

func TestCheckSnapshotRange(t *testing.T) {
	tests := []struct {
		name    string
		hosted  []*region.Region
		dropped bool
	}{
		{name: "covered by split regions", hosted: []*region.Region{newRegion(1, "a", "d"), newRegion(2, "d", "g")}, dropped: true},
		{name: "partly covered", hosted: []*region.Region{newRegion(1, "a", "d")}, dropped: true},
		{name: "free range", hosted: []*region.Region{newRegion(1, "a", "b"), newRegion(2, "g", "h")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pc := newIdleStore(t, tt.hosted...)
			target := newRegion(3, "c", "f")
			target.Epoch.Version = 2
			msg := receivedSnapMessage(t, s, target, 6, 10)

			pf, err := replicatePeerFsm(s.ctx, 3, target.Peers[0])
			require.NoError(t, err)
			key, err := newPeerFsmDelegate(pf, pc).checkSnapshot(msg)
			require.NoError(t, err)

			m := s.ctx.meta
			m.Lock()
			defer m.Unlock()
			if tt.dropped {
				require.NotNil(t, key)
				assert.Equal(t, snap.SnapKey{RegionID: 3, Term: 6, Index: 10}, *key)
				assert.Empty(t, m.pendingSnapshotRegions)
				assert.NotContains(t, pc.queuedSnaps, uint64(3))
				return
			}
			assert.Nil(t, key)
			require.Len(t, m.pendingSnapshotRegions, 1)
			assert.Equal(t, uint64(3), m.pendingSnapshotRegions[0].ID)
			assert.Contains(t, pc.queuedSnaps, uint64(3))
		})
	}
}
