package raftstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/region"
)

func openTestEngines(t *testing.T) *engine.Engines {
	t.Helper()
	engines, err := engine.OpenEngines(t.TempDir(), false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engines.Close() })
	return engines
}

func bootstrapRegion(t *testing.T, engines *engine.Engines, storeID uint64, r *region.Region) {
	t.Helper()
	require.NoError(t, meta.BootstrapStore(engines, 1, storeID))
	if r != nil {
		require.NoError(t, meta.PrepareBootstrapRegion(engines, r))
	}
}

type testReadyCtx struct {
	kv, raft *engine.WriteBatch
	sync     bool
}

func newTestReadyCtx(engines *engine.Engines) *testReadyCtx {
	return &testReadyCtx{kv: engines.Kv.NewWriteBatch(), raft: engines.Raft.NewWriteBatch()}
}

func (c *testReadyCtx) kvWB() *engine.WriteBatch { return c.kv }

func (c *testReadyCtx) raftWB() *engine.WriteBatch { return c.raft }

func (c *testReadyCtx) setSyncLog(sync bool) { c.sync = c.sync || sync }

// persist writes the staged batches and publishes them like a poller round.
func persist(t *testing.T, engines *engine.Engines, ps *peerStorage, rd raft.Ready) {
	t.Helper()
	ctx := newTestReadyCtx(engines)
	defer ctx.kv.Close()
	defer ctx.raft.Close()
	ic, err := ps.handleRaftReady(ctx, &rd)
	require.NoError(t, err)
	require.NoError(t, engines.WriteKV(ctx.kv, ctx.sync))
	require.NoError(t, engines.WriteRaft(ctx.raft, ctx.sync))
	require.Nil(t, ps.postReady(ic))
}

func entriesOf(term uint64, indexes ...uint64) []raftpb.Entry {
	out := make([]raftpb.Entry, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, raftpb.Entry{Index: idx, Term: term, Data: []byte{byte(idx)}})
	}
	return out
}

func newTestPeerStorage(t *testing.T) (*engine.Engines, *peerStorage) {
	t.Helper()
	engines := openTestEngines(t)
	r := newRegion(1, "", "")
	bootstrapRegion(t, engines, 1, r)
	ps, err := newPeerStorage(engines, r, func(regionTask) error { return nil }, zap.NewNop())
	require.NoError(t, err)
	return engines, ps
}

func TestPeerStorageInitialState(t *testing.T) {
	_, ps := newTestPeerStorage(t)

	hs, cs, err := ps.InitialState()
	require.NoError(t, err)
	assert.Equal(t, meta.RaftInitLogTerm, hs.Term)
	assert.Equal(t, meta.RaftInitLogIndex, hs.Commit)
	assert.Equal(t, []uint64{1}, cs.Voters)

	first, _ := ps.FirstIndex()
	last, _ := ps.LastIndex()
	assert.Equal(t, meta.RaftInitLogIndex+1, first)
	assert.Equal(t, meta.RaftInitLogIndex, last)
	term, err := ps.Term(meta.RaftInitLogIndex)
	require.NoError(t, err)
	assert.Equal(t, meta.RaftInitLogTerm, term)
}

func TestPeerStorageUninitializedState(t *testing.T) {
	engines := openTestEngines(t)
	ps, err := newPeerStorage(engines, &region.Region{ID: 7}, func(regionTask) error { return nil }, zap.NewNop())
	require.NoError(t, err)
	hs, cs, err := ps.InitialState()
	require.NoError(t, err)
	assert.True(t, raft.IsEmptyHardState(hs))
	assert.Empty(t, cs.Voters)
	last, _ := ps.LastIndex()
	assert.Zero(t, last)
}

func TestPeerStorageAppendAndRead(t *testing.T) {
	engines, ps := newTestPeerStorage(t)
	persist(t, engines, ps, raft.Ready{
		Entries:   entriesOf(6, 6, 7, 8, 9, 10),
		HardState: raftpb.HardState{Term: 6, Vote: 1, Commit: 8},
		MustSync:  true,
	})

	last, _ := ps.LastIndex()
	assert.Equal(t, uint64(10), last)
	ents, err := ps.Entries(6, 11, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, ents, 5)
	assert.Equal(t, uint64(6), ents[0].Index)

	// Reading from the engine only, as after a restart.
	ps.cache = entryCache{}
	ents, err = ps.Entries(7, 10, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	ents, err = ps.Entries(6, 11, 1)
	require.NoError(t, err)
	assert.Len(t, ents, 1, "size limit still returns one entry")

	_, err = ps.Entries(5, 7, math.MaxUint64)
	assert.ErrorIs(t, err, raft.ErrCompacted)
	_, err = ps.Entries(6, 12, math.MaxUint64)
	assert.Error(t, err)

	state, err := meta.GetRaftLocalState(engines.Raft, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), state.HardState.Commit)
	assert.Equal(t, uint64(10), state.LastIndex)
}

func TestPeerStorageOverwritesConflictingTail(t *testing.T) {
	engines, ps := newTestPeerStorage(t)
	persist(t, engines, ps, raft.Ready{Entries: entriesOf(6, 6, 7, 8, 9, 10)})
	persist(t, engines, ps, raft.Ready{Entries: entriesOf(7, 8, 9)})

	last, _ := ps.LastIndex()
	assert.Equal(t, uint64(9), last)
	ps.cache = entryCache{}
	ents, err := ps.Entries(6, 10, math.MaxUint64)
	require.NoError(t, err)
	terms := make([]uint64, 0, len(ents))
	for _, e := range ents {
		terms = append(terms, e.Term)
	}
	assert.Equal(t, []uint64{6, 6, 7, 7}, terms)

	_, err = meta.GetRaftEntry(engines.Raft, 1, 10)
	assert.ErrorIs(t, err, engine.ErrNotFound, "replaced tail is deleted")
}

func TestCompactRaftLog(t *testing.T) {
	state := &meta.RaftApplyState{
		AppliedIndex:   20,
		TruncatedState: meta.RaftTruncatedState{Index: 5, Term: 5},
	}
	assert.ErrorIs(t, compactRaftLog(state, 5, 5), ErrStaleCommand)
	assert.Error(t, compactRaftLog(state, 21, 6))
	require.NoError(t, compactRaftLog(state, 15, 6))
	assert.Equal(t, meta.RaftTruncatedState{Index: 15, Term: 6}, state.TruncatedState)
}

func TestEntryCacheAppendAndCompact(t *testing.T) {
	var ec entryCache
	logger := zap.NewNop()
	ec.append(logger, entriesOf(1, 1, 2, 3, 4))
	ec.append(logger, entriesOf(2, 3, 4, 5))
	require.Equal(t, uint64(1), ec.front())
	require.Equal(t, uint64(5), ec.back())
	assert.Equal(t, uint64(2), ec.cache[2].Term)

	ec.compactTo(3)
	assert.Equal(t, uint64(3), ec.front())
	ec.compactTo(10)
	assert.True(t, ec.empty())
}

func TestSnapshotGenerationIsAsynchronous(t *testing.T) {
	engines := openTestEngines(t)
	r := newRegion(1, "", "")
	bootstrapRegion(t, engines, 1, r)
	var tasks []regionTask
	ps, err := newPeerStorage(engines, r, func(task regionTask) error {
		tasks = append(tasks, task)
		return nil
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = ps.Snapshot()
	require.ErrorIs(t, err, raft.ErrSnapshotTemporarilyUnavailable)
	require.Len(t, tasks, 1)
	assert.Equal(t, regionTaskGen, tasks[0].tp)
	defer tasks[0].kvSnap.Close()

	// Still generating: no new task.
	_, err = ps.Snapshot()
	require.ErrorIs(t, err, raft.ErrSnapshotTemporarilyUnavailable)
	assert.Len(t, tasks, 1)

	// A failed generation schedules a new one.
	close(tasks[0].notifier)
	_, err = ps.Snapshot()
	require.ErrorIs(t, err, raft.ErrSnapshotTemporarilyUnavailable)
	require.Len(t, tasks, 2)
	tasks[1].kvSnap.Close()
}

func TestCancelApplyingSnapshot(t *testing.T) {
	_, ps := newTestPeerStorage(t)
	full := true
	ps.regionSched = func(regionTask) error {
		if full {
			return ErrWorkerBusy
		}
		return nil
	}

	ps.scheduleApplyingSnapshot()
	require.True(t, ps.isApplyingSnapshot())
	require.False(t, ps.snapState.scheduled)
	// Not handed to the worker yet, so it can be dropped right away.
	assert.True(t, ps.cancelApplyingSnap())
	assert.False(t, ps.isApplyingSnapshot())

	full = false
	ps.scheduleApplyingSnapshot()
	require.True(t, ps.snapState.scheduled)
	assert.False(t, ps.cancelApplyingSnap(), "worker must observe the cancel")
	ps.onSnapApplied(ps.snapState.status.Load())
	assert.True(t, ps.isApplyingSnapshot(), "cancelling is not a final status")
}
