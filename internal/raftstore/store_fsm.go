package raftstore

import (
	"bytes"

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

// storeFsm is the control fsm. It creates peers for regions that are not
// hosted yet and runs the store level ticks.
type storeFsm struct {
	mb *mailbox
	// encoded end key of the last region visited by the compact check
	compactCursor []byte
}

func (sf *storeFsm) mailbox() *mailbox { return sf.mb }

func (sf *storeFsm) isStopped() bool { return false }

func (sf *storeFsm) isControl() bool { return true }

type storeFsmDelegate struct {
	*storeFsm
	ctx *pollContext
}

func newStoreFsmDelegate(sf *storeFsm, ctx *pollContext) *storeFsmDelegate {
	return &storeFsmDelegate{storeFsm: sf, ctx: ctx}
}

func (d *storeFsmDelegate) handleMsgs(msgs []Msg) {
	for _, msg := range msgs {
		switch msg.Type {
		case MsgTypeRaftMessage:
			if err := d.onRaftMessage(raftMessage(msg)); err != nil {
				d.ctx.logger.Warn("failed to handle raft message", zap.Uint64("region", msg.RegionID), zap.Error(err))
			}
		case MsgTypeStoreTick:
			d.onTick(msg.Data.(StoreTick))
		case MsgTypeStart:
			d.ctx.logger.Info("store started", zap.Uint64("store", d.ctx.storeID))
		}
	}
}

func (d *storeFsmDelegate) onTick(tick StoreTick) {
	switch tick {
	case StoreTickSnapGC:
		d.onSnapMgrGC()
	case StoreTickCompactCheck:
		d.onCompactCheck()
	case StoreTickHeartbeat:
		d.onHeartbeat()
	}
}

// onRaftMessage handles a message whose region has no mailbox yet.
func (d *storeFsmDelegate) onRaftMessage(msg *api.RaftMessage) error {
	if msg.ToPeer.StoreID != d.ctx.storeID {
		d.ctx.logger.Warn("store not match, ignore message",
			zap.Uint64("toStore", msg.ToPeer.StoreID), zap.Uint64("store", d.ctx.storeID))
		d.ctx.metrics.MessageDropped(metrics.DropMismatchStoreID)
		return nil
	}
	regionID := msg.RegionID
	err := d.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg))
	if err == nil || !errors.Is(err, ErrRegionNotFound) {
		return err
	}
	if msg.IsTombstone || msg.MergeTarget != nil {
		// The addressed peer is already gone.
		return nil
	}
	dropped, err := d.checkMsg(msg)
	if err != nil || dropped {
		return err
	}
	created, err := d.maybeCreatePeer(regionID, msg)
	if err != nil || !created {
		return err
	}
	return d.ctx.router.forceSend(regionID, NewPeerMsg(MsgTypeRaftMessage, regionID, msg))
}

// checkMsg reports whether a message for an unhosted region is dropped by
// what the kv engine still knows about that region.
func (d *storeFsmDelegate) checkMsg(msg *api.RaftMessage) (bool, error) {
	regionID := msg.RegionID
	state, err := meta.GetRegionLocalState(d.ctx.engines.Kv, regionID)
	if err != nil || state == nil {
		return false, err
	}
	if state.State != meta.PeerStateTombstone {
		// The region may be split but not registered yet.
		if isVoteMessage(msg.Message.Type) {
			m := d.ctx.meta
			m.Lock()
			if _, ok := m.regions[regionID]; ok {
				m.Unlock()
				return false, nil
			}
			m.pendingVotes.push(msg)
			m.Unlock()
			d.ctx.logger.Info("region may be split, keep vote for later", zap.Uint64("region", regionID))
			return true, nil
		}
		d.ctx.logger.Debug("region not hosted yet, drop message",
			zap.Uint64("region", regionID), zap.Stringer("state", state.State))
		d.ctx.metrics.MessageDropped(metrics.DropRegionNonexistent)
		return true, nil
	}

	r := state.Region
	if msg.RegionEpoch.IsStale(r.Epoch) {
		d.ctx.logger.Info("tombstone peer receives a stale message",
			zap.Uint64("region", regionID), zap.Stringer("msgEpoch", msg.RegionEpoch), zap.Stringer("epoch", r.Epoch))
		d.ctx.metrics.MessageDropped(metrics.DropRegionTombstonePeer)
		if _, ok := r.FindPeer(msg.FromPeer.StoreID); !ok && isVoteMessage(msg.Message.Type) {
			sendGCMessage(d.ctx.trans, msg, r.Epoch, d.ctx.logger)
		}
		return true, nil
	}
	if local, ok := r.FindPeer(d.ctx.storeID); ok && msg.ToPeer.ID <= local.ID {
		d.ctx.logger.Info("tombstone peer receives a message for a destroyed peer",
			zap.Uint64("region", regionID), zap.Uint64("target", msg.ToPeer.ID))
		d.ctx.metrics.MessageDropped(metrics.DropRegionTombstonePeer)
		return true, nil
	}
	return false, nil
}

// isInitialMsg reports whether msg may create a peer: only a leader
// probing a brand new follower or a candidate asking for votes.
func isInitialMsg(m raftpb.Message) bool {
	return isVoteMessage(m.Type) || (m.Type == raftpb.MsgHeartbeat && m.Commit == 0)
}

// maybeCreatePeer creates an uninitialized peer for msg. A range already
// owned by another region rejects the creation.
func (d *storeFsmDelegate) maybeCreatePeer(regionID uint64, msg *api.RaftMessage) (bool, error) {
	if !isInitialMsg(msg.Message) {
		d.ctx.logger.Debug("target region not found, drop message",
			zap.Uint64("region", regionID), zap.Stringer("type", msg.Message.Type))
		d.ctx.metrics.MessageDropped(metrics.DropRegionNonexistent)
		return false, nil
	}
	pf, err := replicatePeerFsm(d.ctx.storeContext, regionID, msg.ToPeer)
	if err != nil {
		return false, err
	}

	probe := &region.Region{ID: regionID, Range: region.KeyRange{Start: msg.StartKey, End: msg.EndKey}}
	var (
		toDestroy  []uint64
		overlapped bool
	)
	m := d.ctx.meta
	m.Lock()
	if d.ctx.router.has(regionID) {
		m.Unlock()
		return true, nil
	}
	for _, exist := range m.findOverlapRegions(encStartKey(probe), encEndKey(probe), regionID) {
		if m.maybeDestroySource(regionID, exist.ID, msg.RegionEpoch) {
			toDestroy = append(toDestroy, exist.ID)
			continue
		}
		d.ctx.logger.Debug("msg is overlapped with exist region",
			zap.Uint64("region", regionID), zap.Stringer("exist", exist))
		overlapped = true
		break
	}
	if overlapped {
		if isVoteMessage(msg.Message.Type) {
			// The overlapping region may not have split yet.
			m.pendingVotes.push(msg)
		}
		m.Unlock()
		d.ctx.metrics.MessageDropped(metrics.DropRegionOverlap)
		return false, nil
	}
	if len(toDestroy) > 0 {
		m.Unlock()
		for _, id := range toDestroy {
			d.ctx.logger.Info("destroying stale merge source before creating target",
				zap.Uint64("source", id), zap.Uint64("target", regionID))
			if err := d.ctx.router.forceSend(id, NewPeerMsg(MsgTypeDestroy, id, nil)); err != nil {
				d.ctx.logger.Warn("failed to destroy merge source", zap.Uint64("source", id), zap.Error(err))
			}
		}
		return false, nil
	}
	d.ctx.router.register(regionID, pf.mb)
	m.Unlock()
	return true, nil
}

// onSnapMgrGC hands idle snapshots to their peers and deletes the ones
// whose region is gone from this store.
func (d *storeFsmDelegate) onSnapMgrGC() {
	mgr := d.ctx.snapMgr
	keys, err := mgr.ListIdleSnap()
	if err != nil {
		d.ctx.logger.Error("failed to list idle snapshots", zap.Error(err))
		return
	}
	byRegion := make(map[uint64][]snap.SnapKeyWithSending)
	for _, k := range keys {
		byRegion[k.Key.RegionID] = append(byRegion[k.Key.RegionID], k)
	}
	for regionID, snaps := range byRegion {
		err := d.ctx.router.send(regionID, NewPeerMsg(MsgTypeGCSnap, regionID, &MsgGCSnap{Snaps: snaps}))
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRegionNotFound) {
			d.ctx.logger.Warn("failed to send gc snapshot", zap.Uint64("region", regionID), zap.Error(err))
			continue
		}
		for _, k := range snaps {
			var s *snap.Snap
			if k.IsSending {
				s, err = mgr.GetSnapshotForSending(k.Key)
			} else {
				s, err = mgr.GetSnapshotForApplying(k.Key)
			}
			if err != nil {
				d.ctx.logger.Warn("failed to load snapshot", zap.Stringer("snap", k.Key), zap.Error(err))
				continue
			}
			d.ctx.logger.Info("region is gone, delete snapshot", zap.Stringer("snap", k.Key))
			mgr.RetryDeleteSnapshot(k.Key, s, true, d.ctx.cfg.SnapDeleteRetries, d.ctx.cfg.SnapDeleteBackoff)
		}
	}
}

// onCompactCheck schedules compactions for the next step of regions and
// wraps around after the last one.
func (d *storeFsmDelegate) onCompactCheck() {
	type span struct{ start, end []byte }
	var spans []span
	step := d.ctx.cfg.RegionCompactCheckStep
	m := d.ctx.meta
	m.Lock()
	m.forEachRange(func(r *region.Region) bool {
		end := encEndKey(r)
		if d.compactCursor != nil && bytes.Compare(end, d.compactCursor) <= 0 {
			return true
		}
		spans = append(spans, span{start: r.Range.Start, end: r.Range.End})
		d.compactCursor = end
		return len(spans) < step
	})
	m.Unlock()
	if len(spans) < step {
		d.compactCursor = nil
	}
	for _, s := range spans {
		for _, cf := range engine.DataCFs {
			if err := d.ctx.compactWorker.schedule(compactTask{cf: cf, startKey: s.start, endKey: s.end}); err != nil {
				d.ctx.logger.Warn("failed to schedule compaction", zap.String("cf", cf), zap.Error(err))
				return
			}
		}
	}
}

func (d *storeFsmDelegate) onHeartbeat() {
	stats := d.ctx.snapMgr.Stats()
	m := d.ctx.meta
	m.Lock()
	votes := m.pendingVotes.len()
	m.Unlock()
	d.ctx.metrics.Observe(metrics.StoreStats{
		RegionCount:        d.ctx.router.regionCount(),
		SnapSendingCount:   stats.SendingCount,
		SnapReceivingCount: stats.ReceivingCount,
		SnapTotalSize:      d.ctx.snapMgr.GetTotalSnapSize(),
		PendingVotes:       votes,
	})
}
