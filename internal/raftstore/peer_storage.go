package raftstore

import (
	"bytes"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
)

const (
	maxCacheCapacity = 1024
	// Snapshot generation attempts before the counter is reset.
	maxSnapTryCnt = 5
)

// entryCache keeps the tail of the raft log in memory.
type entryCache struct {
	cache []raftpb.Entry
}

func (ec *entryCache) empty() bool { return len(ec.cache) == 0 }

func (ec *entryCache) front() uint64 { return ec.cache[0].Index }

func (ec *entryCache) back() uint64 { return ec.cache[len(ec.cache)-1].Index }

// fetch appends the cached entries of [lo, hi) to ents while the running
// size stays within maxSize. At least one entry is always returned.
func (ec *entryCache) fetch(lo, hi, maxSize uint64, size *uint64, ents []raftpb.Entry) ([]raftpb.Entry, bool) {
	start := int(lo - ec.front())
	end := min(int(hi-ec.front()), len(ec.cache))
	for i := start; i < end; i++ {
		e := ec.cache[i]
		*size += uint64(e.Size())
		if len(ents) > 0 && *size > maxSize {
			return ents, true
		}
		ents = append(ents, e)
	}
	return ents, false
}

func (ec *entryCache) append(logger *zap.Logger, entries []raftpb.Entry) {
	if len(entries) == 0 {
		return
	}
	if !ec.empty() {
		first := entries[0].Index
		last := ec.back()
		switch {
		case last >= first && ec.front() >= first:
			ec.cache = ec.cache[:0]
		case last >= first:
			ec.cache = ec.cache[:len(ec.cache)-int(last-first+1)]
		case last+1 < first:
			logger.Panic("unexpected hole in entry cache", zap.Uint64("last", last), zap.Uint64("first", first))
		}
	}
	ec.cache = append(ec.cache, entries...)
	if extra := len(ec.cache) - maxCacheCapacity; extra > 0 {
		ec.cache = append(ec.cache[:0:0], ec.cache[extra:]...)
	}
}

// compactTo drops cached entries below idx.
func (ec *entryCache) compactTo(idx uint64) {
	if ec.empty() || ec.front() > idx {
		return
	}
	pos := min(int(idx-ec.front()), len(ec.cache))
	ec.cache = ec.cache[pos:]
}

type snapStateType int

const (
	snapStateRelax snapStateType = iota
	snapStateGenerating
	snapStateApplying
)

type snapState struct {
	tp       snapStateType
	receiver <-chan *raftpb.Snapshot
	status   *atomic.Uint32
	// scheduled is false while the apply task waits for room in the region worker.
	scheduled bool
}

// applySnapResult describes a region whose descriptor was replaced by a snapshot.
type applySnapResult struct {
	prevRegion *region.Region
	region     *region.Region
}

// invokeContext stages the state changes of one ready until they are durable.
type invokeContext struct {
	regionID   uint64
	raftState  meta.RaftLocalState
	applyState meta.RaftApplyState
	snapRegion *region.Region
}

func (ic *invokeContext) hasSnapshot() bool { return ic.snapRegion != nil }

// readyContext exposes the write batches of a poller round.
type readyContext interface {
	kvWB() *engine.WriteBatch
	raftWB() *engine.WriteBatch
	setSyncLog(sync bool)
}

var _ raft.Storage = (*peerStorage)(nil)

// peerStorage implements raft.Storage over the raft engine (log and hard
// state) and the kv engine (apply and region state).
type peerStorage struct {
	engines *engine.Engines

	region     *region.Region
	raftState  meta.RaftLocalState
	applyState meta.RaftApplyState

	snapState    snapState
	snapTriedCnt int
	regionSched  func(regionTask) error

	cache  entryCache
	logger *zap.Logger
}

func newPeerStorage(engines *engine.Engines, r *region.Region, regionSched func(regionTask) error, logger *zap.Logger) (*peerStorage, error) {
	raftState, err := initRaftState(engines.Raft, r)
	if err != nil {
		return nil, err
	}
	applyState, err := initApplyState(engines.Kv, r)
	if err != nil {
		return nil, err
	}
	if raftState.LastIndex < applyState.AppliedIndex {
		// The kv batch of a snapshot is durable but the raft batch was lost.
		logger.Warn("raft state is behind apply state, repairing",
			zap.Uint64("last", raftState.LastIndex), zap.Uint64("applied", applyState.AppliedIndex))
		raftState.LastIndex = applyState.AppliedIndex
		raftState.LastTerm = applyState.AppliedIndexTerm
		raftState.HardState.Commit = max(raftState.HardState.Commit, applyState.AppliedIndex)
		raftState.HardState.Term = max(raftState.HardState.Term, applyState.AppliedIndexTerm)
	}
	return &peerStorage{
		engines:     engines,
		region:      r,
		raftState:   *raftState,
		applyState:  *applyState,
		regionSched: regionSched,
		logger:      logger,
	}, nil
}

func initRaftState(raftEngine engine.Reader, r *region.Region) (*meta.RaftLocalState, error) {
	state, err := meta.GetRaftLocalState(raftEngine, r.ID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	state = new(meta.RaftLocalState)
	if r.Initialized() {
		// Created by a split; its log starts at the initial position.
		state.LastIndex = meta.RaftInitLogIndex
		state.LastTerm = meta.RaftInitLogTerm
		state.HardState = raftpb.HardState{Term: meta.RaftInitLogTerm, Commit: meta.RaftInitLogIndex}
	}
	return state, nil
}

func initApplyState(kvEngine engine.Reader, r *region.Region) (*meta.RaftApplyState, error) {
	state, err := meta.GetApplyState(kvEngine, r.ID)
	if errors.Is(err, engine.ErrNotFound) {
		state = new(meta.RaftApplyState)
		if r.Initialized() {
			state.AppliedIndex = meta.RaftInitLogIndex
			state.AppliedIndexTerm = meta.RaftInitLogTerm
			state.TruncatedState = meta.RaftTruncatedState{Index: meta.RaftInitLogIndex, Term: meta.RaftInitLogTerm}
		}
		return state, nil
	}
	return state, err
}

func (ps *peerStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	if !ps.isInitialized() {
		return raftpb.HardState{}, raftpb.ConfState{}, nil
	}
	return ps.raftState.HardState, confStateFromRegion(ps.region), nil
}

func (ps *peerStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if err := ps.checkRange(lo, hi); err != nil || lo == hi {
		return nil, err
	}
	var (
		ents []raftpb.Entry
		size uint64
	)
	cacheLow := hi
	if !ps.cache.empty() && ps.cache.front() < hi {
		cacheLow = max(ps.cache.front(), lo)
	}
	if lo < cacheLow {
		var err error
		var full bool
		ents, full, err = ps.fetchEntries(lo, cacheLow, maxSize, &size, ents)
		if err != nil || full {
			return ents, err
		}
	}
	if cacheLow < hi {
		ents, _ = ps.cache.fetch(cacheLow, hi, maxSize, &size, ents)
	}
	return ents, nil
}

// fetchEntries reads [lo, hi) from the raft engine. A gap in the log means
// the entries were compacted concurrently.
func (ps *peerStorage) fetchEntries(lo, hi, maxSize uint64, size *uint64, ents []raftpb.Entry) ([]raftpb.Entry, bool, error) {
	next := lo
	full := false
	err := ps.engines.Raft.ScanCF(engine.CFRaft,
		meta.RaftLogKey(ps.region.ID, lo), meta.RaftLogKey(ps.region.ID, hi), false,
		func(_, value []byte) (bool, error) {
			e, err := meta.DecodeEntry(value)
			if err != nil {
				return false, err
			}
			if e.Index != next {
				return false, nil
			}
			next++
			*size += uint64(len(value))
			if len(ents) > 0 && *size > maxSize {
				full = true
				return false, nil
			}
			ents = append(ents, e)
			return true, nil
		})
	if err != nil {
		return nil, false, err
	}
	if full || next == hi {
		return ents, full, nil
	}
	return nil, false, raft.ErrUnavailable
}

func (ps *peerStorage) Term(idx uint64) (uint64, error) {
	if idx == ps.truncatedIndex() {
		return ps.truncatedTerm(), nil
	}
	if err := ps.checkRange(idx, idx+1); err != nil {
		return 0, err
	}
	if idx == ps.raftState.LastIndex {
		return ps.raftState.LastTerm, nil
	}
	if !ps.cache.empty() && idx >= ps.cache.front() && idx <= ps.cache.back() {
		return ps.cache.cache[idx-ps.cache.front()].Term, nil
	}
	e, err := meta.GetRaftEntry(ps.engines.Raft, ps.region.ID, idx)
	if errors.Is(err, engine.ErrNotFound) {
		return 0, raft.ErrUnavailable
	}
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (ps *peerStorage) checkRange(lo, hi uint64) error {
	switch {
	case lo > hi:
		return errors.Newf("raftstore: low %d is greater than high %d", lo, hi)
	case lo <= ps.truncatedIndex():
		return raft.ErrCompacted
	case hi > ps.raftState.LastIndex+1:
		return errors.Newf("raftstore: entries' high %d is out of bound, last index %d", hi, ps.raftState.LastIndex)
	}
	return nil
}

func (ps *peerStorage) LastIndex() (uint64, error) { return ps.raftState.LastIndex, nil }

func (ps *peerStorage) FirstIndex() (uint64, error) { return ps.truncatedIndex() + 1, nil }

func (ps *peerStorage) truncatedIndex() uint64 { return ps.applyState.TruncatedState.Index }

func (ps *peerStorage) truncatedTerm() uint64 { return ps.applyState.TruncatedState.Term }

func (ps *peerStorage) appliedIndex() uint64 { return ps.applyState.AppliedIndex }

func (ps *peerStorage) isInitialized() bool { return ps.region.Initialized() }

func (ps *peerStorage) isApplyingSnapshot() bool { return ps.snapState.tp == snapStateApplying }

// Snapshot returns the generated snapshot once the region worker delivered
// it, scheduling a generation otherwise.
func (ps *peerStorage) Snapshot() (raftpb.Snapshot, error) {
	if ps.snapState.tp == snapStateGenerating {
		var (
			s  *raftpb.Snapshot
			ok bool
		)
		select {
		case s, ok = <-ps.snapState.receiver:
		default:
			return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
		}
		ps.snapState = snapState{}
		if ok && s != nil {
			ps.snapTriedCnt = 0
			if ps.validateSnap(s) {
				return *s, nil
			}
		} else {
			ps.logger.Warn("failed to generate snapshot", zap.Int("times", ps.snapTriedCnt))
		}
	}

	if ps.snapTriedCnt >= maxSnapTryCnt {
		ps.logger.Error("failed to get snapshot after retries, starting over", zap.Int("times", ps.snapTriedCnt))
		ps.snapTriedCnt = 0
	}
	ps.snapTriedCnt++

	ch := make(chan *raftpb.Snapshot, 1)
	task := regionTask{
		tp:       regionTaskGen,
		regionID: ps.region.ID,
		kvSnap:   ps.engines.Kv.NewSnapshot(),
		notifier: ch,
	}
	if err := ps.regionSched(task); err != nil {
		task.kvSnap.Close()
		ps.logger.Warn("failed to schedule snapshot generation", zap.Error(err))
		return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
	}
	ps.logger.Info("requesting snapshot")
	ps.snapState = snapState{tp: snapStateGenerating, receiver: ch}
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

// validateSnap rejects a generated snapshot that the log or the
// membership has moved past.
func (ps *peerStorage) validateSnap(s *raftpb.Snapshot) bool {
	if s.Metadata.Index < ps.truncatedIndex() {
		ps.logger.Info("generated snapshot is stale, generate again",
			zap.Uint64("snapIndex", s.Metadata.Index), zap.Uint64("truncated", ps.truncatedIndex()))
		return false
	}
	data, err := snap.DecodeSnapshotData(s.Data)
	if err != nil {
		ps.logger.Error("failed to decode generated snapshot", zap.Error(err))
		return false
	}
	if data.Region.Epoch.ConfVersion < ps.region.Epoch.ConfVersion {
		ps.logger.Info("generated snapshot epoch is stale, generate again",
			zap.Stringer("snapEpoch", data.Region.Epoch), zap.Stringer("epoch", ps.region.Epoch))
		return false
	}
	return true
}

// handleRaftReady stages the durable parts of rd into the round's write
// batches. Memory state changes only in postReady, after the write.
func (ps *peerStorage) handleRaftReady(ctx readyContext, rd *raft.Ready) (*invokeContext, error) {
	ic := &invokeContext{
		regionID:   ps.region.ID,
		raftState:  ps.raftState,
		applyState: ps.applyState,
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := ps.applySnapshot(ic, &rd.Snapshot, ctx.kvWB(), ctx.raftWB()); err != nil {
			return nil, err
		}
	}
	if rd.MustSync {
		ctx.setSyncLog(true)
	}
	if err := ps.append(ic, rd.Entries, ctx.raftWB()); err != nil {
		return nil, err
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		ic.raftState.HardState = rd.HardState
	}
	if !raftStateEqual(&ic.raftState, &ps.raftState) {
		if err := ctx.raftWB().PutMsgCF(engine.CFRaft, meta.RaftStateKey(ic.regionID), &ic.raftState); err != nil {
			return nil, err
		}
	}
	if ic.applyState != ps.applyState {
		if err := ctx.kvWB().PutMsgCF(engine.CFRaft, meta.ApplyStateKey(ic.regionID), &ic.applyState); err != nil {
			return nil, err
		}
	}
	return ic, nil
}

func raftStateEqual(a, b *meta.RaftLocalState) bool {
	return a.HardState == b.HardState && a.LastIndex == b.LastIndex && a.LastTerm == b.LastTerm
}

// append stages entries and removes any uncommitted tail they replace.
func (ps *peerStorage) append(ic *invokeContext, entries []raftpb.Entry, wb *engine.WriteBatch) error {
	if len(entries) == 0 {
		return nil
	}
	prevLast := ic.raftState.LastIndex
	for i := range entries {
		if err := wb.PutMsgCF(engine.CFRaft, meta.RaftLogKey(ps.region.ID, entries[i].Index), &entries[i]); err != nil {
			return err
		}
	}
	last := entries[len(entries)-1]
	if last.Index < prevLast {
		if err := wb.DeleteRangeCF(engine.CFRaft,
			meta.RaftLogKey(ps.region.ID, last.Index+1), meta.RaftLogKey(ps.region.ID, prevLast+1)); err != nil {
			return err
		}
	}
	ic.raftState.LastIndex = last.Index
	ic.raftState.LastTerm = last.Term
	ps.cache.append(ps.logger, entries)
	return nil
}

// applySnapshot stages the metadata of an incoming snapshot. The data is
// written by the region worker once the batches are durable.
func (ps *peerStorage) applySnapshot(ic *invokeContext, s *raftpb.Snapshot, kvWB, raftWB *engine.WriteBatch) error {
	data, err := snap.DecodeSnapshotData(s.Data)
	if err != nil {
		return err
	}
	if data.Region.ID != ps.region.ID {
		return errors.Newf("raftstore: snapshot of region %d applied to region %d", data.Region.ID, ps.region.ID)
	}
	ps.logger.Info("begin to apply snapshot", zap.Uint64("index", s.Metadata.Index), zap.Uint64("term", s.Metadata.Term))
	if ps.isInitialized() {
		if err := ps.clearMeta(kvWB, raftWB); err != nil {
			return err
		}
	}
	if err := meta.WriteRegionState(kvWB, data.Region, meta.PeerStateApplying, nil); err != nil {
		return err
	}
	ic.raftState.LastIndex = s.Metadata.Index
	ic.raftState.LastTerm = s.Metadata.Term
	ic.applyState.AppliedIndex = s.Metadata.Index
	ic.applyState.AppliedIndexTerm = s.Metadata.Term
	ic.applyState.TruncatedState = meta.RaftTruncatedState{Index: s.Metadata.Index, Term: s.Metadata.Term}
	ic.snapRegion = data.Region
	return nil
}

// clearMeta stages the removal of the raft log and local states.
func (ps *peerStorage) clearMeta(kvWB, raftWB *engine.WriteBatch) error {
	return clearPeerMeta(kvWB, raftWB, ps.region.ID, ps.raftState.LastIndex)
}

func clearPeerMeta(kvWB, raftWB *engine.WriteBatch, regionID, lastIndex uint64) error {
	if err := kvWB.DeleteCF(engine.CFRaft, meta.RegionStateKey(regionID)); err != nil {
		return err
	}
	if err := kvWB.DeleteCF(engine.CFRaft, meta.ApplyStateKey(regionID)); err != nil {
		return err
	}
	if err := raftWB.DeleteRangeCF(engine.CFRaft, meta.RaftLogKey(regionID, 0), meta.RaftLogKey(regionID, lastIndex+1)); err != nil {
		return err
	}
	return raftWB.DeleteCF(engine.CFRaft, meta.RaftStateKey(regionID))
}

// postReady publishes the staged state once the batches are durable.
func (ps *peerStorage) postReady(ic *invokeContext) *applySnapResult {
	ps.raftState = ic.raftState
	ps.applyState = ic.applyState
	if !ic.hasSnapshot() {
		return nil
	}
	ps.cache.compactTo(ps.raftState.LastIndex + 1)
	prev := ps.region.Clone()
	if ps.isInitialized() {
		ps.clearExtraData(prev, ic.snapRegion)
	}
	ps.region = ic.snapRegion.Clone()
	ps.scheduleApplyingSnapshot()
	return &applySnapResult{prevRegion: prev, region: ps.region.Clone()}
}

// clearExtraData destroys the data of old that next no longer covers.
func (ps *peerStorage) clearExtraData(old, next *region.Region) {
	oldStart, oldEnd := encStartKey(old), encEndKey(old)
	newStart, newEnd := encStartKey(next), encEndKey(next)
	if bytes.Compare(oldStart, newStart) < 0 {
		ps.scheduleDestroy(old.Range.Start, next.Range.Start)
	}
	if bytes.Compare(newEnd, oldEnd) < 0 {
		ps.scheduleDestroy(next.Range.End, old.Range.End)
	}
}

func (ps *peerStorage) scheduleDestroy(start, end []byte) {
	task := regionTask{tp: regionTaskDestroy, regionID: ps.region.ID, startKey: start, endKey: end}
	if err := ps.regionSched(task); err != nil {
		ps.logger.Warn("failed to schedule range destroy",
			zap.Binary("start", start), zap.Binary("end", end), zap.Error(err))
	}
}

// scheduleApplyingSnapshot moves to Applying and hands the data to the
// region worker. A full worker queue is retried on the next tick.
func (ps *peerStorage) scheduleApplyingSnapshot() {
	ps.scheduleApplyingSnapshotLater()
	ps.retryScheduleApply()
}

// scheduleApplyingSnapshotLater restores the Applying state found on
// restart. The task is queued by the next retryScheduleApply.
func (ps *peerStorage) scheduleApplyingSnapshotLater() {
	status := new(atomic.Uint32)
	status.Store(snap.ApplyRunning)
	ps.snapState = snapState{tp: snapStateApplying, status: status}
}

func (ps *peerStorage) retryScheduleApply() {
	if ps.snapState.tp != snapStateApplying || ps.snapState.scheduled {
		return
	}
	err := ps.regionSched(regionTask{tp: regionTaskApply, regionID: ps.region.ID, status: ps.snapState.status})
	if err != nil {
		ps.logger.Warn("failed to schedule snapshot apply, will retry", zap.Error(err))
		return
	}
	ps.snapState.scheduled = true
}

// cancelApplyingSnap asks the region worker to abort. It reports whether
// the apply is over, so the caller need not wait for the worker.
func (ps *peerStorage) cancelApplyingSnap() bool {
	if ps.snapState.tp != snapStateApplying {
		return true
	}
	if !ps.snapState.scheduled {
		ps.snapState.status.Store(snap.ApplyCancelled)
		ps.snapState = snapState{}
		return true
	}
	status := ps.snapState.status
	if status.CompareAndSwap(snap.ApplyRunning, snap.ApplyCancelling) {
		return false
	}
	return status.Load() != snap.ApplyCancelling
}

// onSnapApplied finishes the Applying state.
func (ps *peerStorage) onSnapApplied(status uint32) {
	switch status {
	case snap.ApplyFinished, snap.ApplyCancelled:
		ps.snapState = snapState{}
	case snap.ApplyFailed:
		// The region stays Applying; the worker cleans the range again.
		ps.snapState.status.Store(snap.ApplyRunning)
		ps.snapState.scheduled = false
	}
}

func (ps *peerStorage) setRegion(r *region.Region) { ps.region = r }

// compactTo releases cached entries that log GC has truncated.
func (ps *peerStorage) compactTo(idx uint64) { ps.cache.compactTo(idx) }

// compactRaftLog advances the truncated state. Entries are deleted later by
// the raft log GC worker.
func compactRaftLog(state *meta.RaftApplyState, compactIndex, compactTerm uint64) error {
	if compactIndex <= state.TruncatedState.Index {
		return errors.Wrapf(ErrStaleCommand, "compact index %d is already truncated", compactIndex)
	}
	if compactIndex > state.AppliedIndex {
		return errors.Newf("raftstore: compact index %d > applied index %d", compactIndex, state.AppliedIndex)
	}
	state.TruncatedState = meta.RaftTruncatedState{Index: compactIndex, Term: compactTerm}
	return nil
}
