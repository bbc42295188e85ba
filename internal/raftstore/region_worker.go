package raftstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

type regionTaskType int

const (
	regionTaskGen regionTaskType = iota + 1
	regionTaskApply
	// regionTaskDestroy deletes the data of [startKey, endKey).
	regionTaskDestroy
)

type regionTask struct {
	tp       regionTaskType
	regionID uint64

	// gen
	kvSnap   *engine.Snapshot
	notifier chan<- *raftpb.Snapshot

	// apply
	status *atomic.Uint32

	// destroy
	startKey []byte
	endKey   []byte
}

// regionRunner generates, applies and destroys region data off the pollers.
type regionRunner struct {
	engines   *engine.Engines
	mgr       *snap.SnapManager
	router    *router
	batchSize int
	metrics   *metrics.StoreCollector
	logger    *zap.Logger
}

func (r *regionRunner) handle(task regionTask) {
	switch task.tp {
	case regionTaskGen:
		r.handleGen(task)
	case regionTaskApply:
		r.handleApply(task)
	case regionTaskDestroy:
		r.handleDestroy(task)
	}
}

func (r *regionRunner) handleGen(task regionTask) {
	defer task.kvSnap.Close()
	start := time.Now()
	s, err := r.generateSnap(task.regionID, task.kvSnap)
	if err != nil {
		r.logger.Error("failed to generate snapshot", zap.Uint64("region", task.regionID), zap.Error(err))
		close(task.notifier)
		return
	}
	r.metrics.SnapshotGenerated(time.Since(start))
	task.notifier <- s
}

func (r *regionRunner) generateSnap(regionID uint64, kvSnap *engine.Snapshot) (*raftpb.Snapshot, error) {
	applyState, err := meta.GetApplyState(kvSnap, regionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load apply state of region %d", regionID)
	}
	state, err := meta.GetRegionLocalState(kvSnap, regionID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.State != meta.PeerStateNormal {
		return nil, errors.Newf("snapshot job for region %d seems stale, skip", regionID)
	}

	key := snap.SnapKey{RegionID: regionID, Term: applyState.AppliedIndexTerm, Index: applyState.AppliedIndex}
	r.mgr.Register(key, snap.SnapEntryGenerating)
	defer r.mgr.Deregister(key, snap.SnapEntryGenerating)

	s, err := r.mgr.GetSnapshotForBuilding(key)
	if err != nil {
		return nil, err
	}
	data := new(api.RaftSnapshotData)
	var stat snap.SnapStatistics
	if err := s.Build(context.Background(), r.engines.Kv, kvSnap, state.Region, data, &stat); err != nil {
		return nil, err
	}
	payload, err := snap.EncodeSnapshotData(data)
	if err != nil {
		return nil, err
	}
	r.logger.Info("snapshot generated",
		zap.Uint64("region", regionID), zap.Stringer("snap", key),
		zap.Uint64("size", stat.Size), zap.Int("keys", stat.KVCount))
	return &raftpb.Snapshot{
		Data: payload,
		Metadata: raftpb.SnapshotMetadata{
			ConfState: confStateFromRegion(state.Region),
			Index:     key.Index,
			Term:      key.Term,
		},
	}, nil
}

func (r *regionRunner) handleApply(task regionTask) {
	start := time.Now()
	err := r.applySnap(task.regionID, task.status)
	result := &MsgSnapApplyResult{Err: err}
	switch {
	case err == nil:
		task.status.Store(snap.ApplyFinished)
		r.metrics.SnapshotApplied("success", time.Since(start))
	case errors.Is(err, snap.ErrAbort):
		task.status.Store(snap.ApplyCancelled)
		r.metrics.SnapshotApplied("abort", 0)
		r.logger.Info("snapshot apply aborted", zap.Uint64("region", task.regionID))
	default:
		task.status.Store(snap.ApplyFailed)
		r.metrics.SnapshotApplied("fail", 0)
		r.logger.Error("failed to apply snapshot", zap.Uint64("region", task.regionID), zap.Error(err))
	}
	result.Status = task.status.Load()
	_ = r.router.forceSend(task.regionID, NewPeerMsg(MsgTypeSnapApplyResult, task.regionID, result))
}

func (r *regionRunner) applySnap(regionID uint64, status *atomic.Uint32) error {
	if !status.CompareAndSwap(snap.ApplyRunning, snap.ApplyRunning) {
		return snap.ErrAbort
	}
	kv := r.engines.Kv
	applyState, err := meta.GetApplyState(kv, regionID)
	if err != nil {
		return errors.Wrapf(err, "load apply state of region %d", regionID)
	}
	key := snap.SnapKey{
		RegionID: regionID,
		Term:     applyState.TruncatedState.Term,
		Index:    applyState.TruncatedState.Index,
	}
	state, err := meta.GetRegionLocalState(kv, regionID)
	if err != nil {
		return err
	}
	if state == nil || state.State != meta.PeerStateApplying {
		return errors.Newf("region %d is not in applying state", regionID)
	}
	if err := r.deleteRange(state.Region.Range.Start, state.Region.Range.End); err != nil {
		return err
	}
	if status.Load() == snap.ApplyCancelling {
		return snap.ErrAbort
	}

	r.mgr.Register(key, snap.SnapEntryApplying)
	defer r.mgr.Deregister(key, snap.SnapEntryApplying)
	s, err := r.mgr.GetSnapshotForApplying(key)
	if err != nil {
		return err
	}
	err = s.Apply(context.Background(), snap.ApplyOptions{
		DB:             kv,
		Region:         state.Region,
		Abort:          status,
		WriteBatchSize: r.batchSize,
	})
	if err != nil {
		return err
	}

	wb := kv.NewWriteBatch()
	defer wb.Close()
	if err := meta.WriteRegionState(wb, state.Region, meta.PeerStateNormal, nil); err != nil {
		return err
	}
	if err := r.engines.WriteKV(wb, true); err != nil {
		return err
	}
	r.logger.Info("snapshot applied", zap.Uint64("region", regionID), zap.Stringer("snap", key))
	return nil
}

func (r *regionRunner) handleDestroy(task regionTask) {
	if err := r.deleteRange(task.startKey, task.endKey); err != nil {
		r.logger.Error("failed to destroy region data",
			zap.Uint64("region", task.regionID), zap.Binary("start", task.startKey),
			zap.Binary("end", task.endKey), zap.Error(err))
		return
	}
	r.logger.Info("region data destroyed", zap.Uint64("region", task.regionID))
}

func (r *regionRunner) deleteRange(start, end []byte) error {
	for _, cf := range engine.DataCFs {
		if err := r.engines.Kv.DeleteRangeCF(cf, start, end); err != nil {
			return err
		}
	}
	return nil
}

func confStateFromRegion(r *region.Region) raftpb.ConfState {
	var cs raftpb.ConfState
	for _, p := range r.Peers {
		if p.Role == region.Learner {
			cs.Learners = append(cs.Learners, p.ID)
		} else {
			cs.Voters = append(cs.Voters, p.ID)
		}
	}
	return cs
}

type raftLogGCTask struct {
	regionID uint64
	startIdx uint64
	endIdx   uint64
}

// raftLogGCRunner deletes compacted raft log entries.
type raftLogGCRunner struct {
	engines *engine.Engines
	logger  *zap.Logger
}

func (r *raftLogGCRunner) handle(task raftLogGCTask) {
	if task.startIdx >= task.endIdx {
		return
	}
	wb := r.engines.Raft.NewWriteBatch()
	defer wb.Close()
	err := wb.DeleteRangeCF(engine.CFRaft,
		meta.RaftLogKey(task.regionID, task.startIdx), meta.RaftLogKey(task.regionID, task.endIdx))
	if err == nil {
		err = r.engines.WriteRaft(wb, false)
	}
	if err != nil {
		r.logger.Error("failed to gc raft log", zap.Uint64("region", task.regionID), zap.Error(err))
		return
	}
	r.logger.Debug("raft log collected",
		zap.Uint64("region", task.regionID), zap.Uint64("start", task.startIdx), zap.Uint64("end", task.endIdx))
}

type compactTask struct {
	cf       string
	startKey []byte
	endKey   []byte
}

// compactRunner runs manual engine compactions.
type compactRunner struct {
	engine *engine.Engine
	logger *zap.Logger
}

func (r *compactRunner) handle(task compactTask) {
	start := time.Now()
	if err := r.engine.CompactRangeCF(task.cf, task.startKey, task.endKey); err != nil {
		r.logger.Error("compaction failed", zap.String("cf", task.cf), zap.Error(err))
		return
	}
	r.logger.Info("compaction finished", zap.String("cf", task.cf),
		zap.Binary("start", task.startKey), zap.Binary("end", task.endKey), zap.Duration("takes", time.Since(start)))
}
