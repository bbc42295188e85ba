package raftstore

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

// peerFsm drives one peer from its mailbox.
type peerFsm struct {
	peer    *peer
	mb      *mailbox
	stopped bool
	// destroyPending is set while a destroy waits for a snapshot apply to abort.
	destroyPending bool
	ticks          int
}

func (pf *peerFsm) mailbox() *mailbox { return pf.mb }

func (pf *peerFsm) isStopped() bool { return pf.stopped }

func (pf *peerFsm) isControl() bool { return false }

func (pf *peerFsm) regionID() uint64 { return pf.peer.regionID }

// createPeerFsm builds the fsm of an initialized region hosted on this store.
func createPeerFsm(ctx *storeContext, r *region.Region) (*peerFsm, error) {
	self, ok := r.FindPeer(ctx.storeID)
	if !ok {
		return nil, errors.Newf("raftstore: region %d has no peer on store %d", r.ID, ctx.storeID)
	}
	return newPeerFsm(ctx, r, self)
}

// replicatePeerFsm builds an uninitialized peer that waits for a snapshot.
func replicatePeerFsm(ctx *storeContext, regionID uint64, self region.Peer) (*peerFsm, error) {
	ctx.logger.Info("replicating peer", zap.Uint64("region", regionID), zap.Uint64("peer", self.ID))
	return newPeerFsm(ctx, &region.Region{ID: regionID}, self)
}

func newPeerFsm(ctx *storeContext, r *region.Region, self region.Peer) (*peerFsm, error) {
	p, err := newPeer(ctx.cfg, ctx.engines, r, self, ctx.regionWorker.schedule, ctx.logger)
	if err != nil {
		return nil, err
	}
	pf := &peerFsm{peer: p}
	pf.mb = ctx.router.newNormalMailbox(pf)
	return pf, nil
}

// peerFsmDelegate handles the messages of one peer fsm within a poller round.
type peerFsmDelegate struct {
	*peerFsm
	ctx *pollContext
}

func newPeerFsmDelegate(pf *peerFsm, ctx *pollContext) *peerFsmDelegate {
	return &peerFsmDelegate{peerFsm: pf, ctx: ctx}
}

func (d *peerFsmDelegate) logger() *zap.Logger { return d.peer.logger }

func (d *peerFsmDelegate) handleMsgs(msgs []Msg) {
	for _, msg := range msgs {
		if d.stopped {
			if cmd, ok := msg.Data.(*MsgRaftCmd); ok {
				cmd.Callback.invoke(ErrResp(errors.Wrapf(ErrRegionNotFound, "region %d", d.regionID())))
			}
			continue
		}
		switch msg.Type {
		case MsgTypeRaftMessage:
			if err := d.onRaftMsg(raftMessage(msg)); err != nil {
				d.logger().Warn("failed to handle raft message", zap.Error(err))
			}
		case MsgTypeRaftCmd:
			cmd := msg.Data.(*MsgRaftCmd)
			d.proposeRaftCommand(cmd.Request, cmd.Callback)
		case MsgTypeTick:
			d.onTick()
		case MsgTypeSignificantMsg:
			d.onSignificantMsg(msg.Data.(*SignificantMsg))
		case MsgTypeGCSnap:
			d.onGCSnap(msg.Data.(*MsgGCSnap).Snaps)
		case MsgTypeSnapApplyResult:
			d.onSnapApplyResult(msg.Data.(*MsgSnapApplyResult))
		case MsgTypeDestroy:
			d.logger().Info("asked to destroy")
			d.maybeDestroy()
		case MsgTypeStart:
			d.peer.maybeCampaign()
		}
	}
}

func (d *peerFsmDelegate) proposeRaftCommand(req *RaftCmdRequest, cb Callback) {
	if d.peer.pendingRemove {
		cb.invoke(ErrResp(errors.Wrapf(ErrRegionNotFound, "region %d is being removed", d.regionID())))
		return
	}
	d.peer.propose(req, cb)
}

func (d *peerFsmDelegate) onTick() {
	d.ticks++
	if d.peer.pendingRemove {
		return
	}
	if d.peer.ps.isApplyingSnapshot() {
		d.peer.ps.retryScheduleApply()
		return
	}
	d.peer.raftGroup.Tick()
	if d.ticks%d.ctx.cfg.ticksOf(d.ctx.cfg.RaftLogGCTickInterval) == 0 {
		d.onRaftGCLogTick()
	}
}

// onRaftGCLogTick proposes a log compaction once enough entries are applied.
func (d *peerFsmDelegate) onRaftGCLogTick() {
	if !d.peer.isLeader() {
		return
	}
	ps := d.peer.ps
	applied := ps.appliedIndex()
	first, _ := ps.FirstIndex()
	if applied <= first || applied-first < d.ctx.cfg.RaftLogGCCountLimit {
		return
	}
	term, err := ps.Term(applied)
	if err != nil {
		d.logger().Warn("failed to load term of applied index", zap.Uint64("index", applied), zap.Error(err))
		return
	}
	req := &RaftCmdRequest{
		Header: RaftRequestHeader{RegionID: d.regionID(), Peer: d.peer.meta, RegionEpoch: d.peer.region().Epoch},
		AdminRequest: &AdminRequest{
			Type:       AdminCompactLog,
			CompactLog: &CompactLogRequest{CompactIndex: applied, CompactTerm: term},
		},
	}
	d.peer.propose(req, nil)
}

func (d *peerFsmDelegate) onSignificantMsg(msg *SignificantMsg) {
	switch msg.Type {
	case SignificantMsgSnapshotStatus:
		if _, ok := d.peer.getPeerFromCache(msg.ToPeerID); !ok {
			d.logger().Warn("peer not found, ignore snapshot status", zap.Uint64("to", msg.ToPeerID))
			return
		}
		d.logger().Info("report snapshot status", zap.Uint64("to", msg.ToPeerID), zap.Bool("ok", msg.SnapshotStatus == raft.SnapshotFinish))
		d.peer.raftGroup.ReportSnapshot(msg.ToPeerID, msg.SnapshotStatus)
	case SignificantMsgUnreachable:
		d.peer.raftGroup.ReportUnreachable(msg.ToPeerID)
	}
}

// onGCSnap deletes the idle snapshots of this region that are compacted,
// expired or already applied.
func (d *peerFsmDelegate) onGCSnap(snaps []snap.SnapKeyWithSending) {
	ps := d.peer.ps
	compactedIdx, compactedTerm := ps.truncatedIndex(), ps.truncatedTerm()
	applying := ps.isApplyingSnapshot()
	mgr := d.ctx.snapMgr
	for _, s := range snaps {
		key := s.Key
		if s.IsSending {
			sending, err := mgr.GetSnapshotForSending(key)
			if err != nil {
				d.logger().Error("failed to load snapshot", zap.Stringer("snap", key), zap.Error(err))
				continue
			}
			if key.Term < compactedTerm || key.Index < compactedIdx {
				d.logger().Info("snapshot has been compacted, delete", zap.Stringer("snap", key))
				mgr.DeleteSnapshot(key, sending, false)
			} else if fi, err := sending.Meta(); err == nil && time.Since(fi.ModTime()) > d.ctx.cfg.SnapGCTimeout {
				d.logger().Info("snapshot has expired, delete", zap.Stringer("snap", key))
				mgr.DeleteSnapshot(key, sending, false)
			}
			continue
		}
		if key.Term <= compactedTerm && (key.Index < compactedIdx || (key.Index == compactedIdx && !applying)) {
			applied, err := mgr.GetSnapshotForApplying(key)
			if err != nil {
				d.logger().Error("failed to load snapshot", zap.Stringer("snap", key), zap.Error(err))
				continue
			}
			d.logger().Info("snapshot has been applied, delete", zap.Stringer("snap", key))
			mgr.DeleteSnapshot(key, applied, false)
		}
	}
}

func (d *peerFsmDelegate) onSnapApplyResult(res *MsgSnapApplyResult) {
	ps := d.peer.ps
	if !ps.isApplyingSnapshot() {
		return
	}
	ps.onSnapApplied(res.Status)
	switch res.Status {
	case snap.ApplyFinished:
		d.logger().Info("snapshot applied", zap.Stringer("region", d.peer.region()))
	case snap.ApplyCancelled:
		d.logger().Info("snapshot apply cancelled")
		if d.destroyPending {
			d.destroyPeer(false)
		}
	case snap.ApplyFailed:
		d.logger().Error("snapshot apply failed, will retry", zap.Error(res.Err))
	}
}

func (d *peerFsmDelegate) drop(reason string) {
	d.ctx.metrics.MessageDropped(reason)
}

func (d *peerFsmDelegate) onRaftMsg(msg *api.RaftMessage) error {
	if msg.ToPeer.StoreID != d.ctx.storeID {
		d.logger().Warn("store not match, ignore message", zap.Uint64("toStore", msg.ToPeer.StoreID))
		d.drop(metrics.DropMismatchStoreID)
		return nil
	}
	if d.peer.pendingRemove {
		return nil
	}
	if msg.IsTombstone {
		d.handleGCPeerMsg(msg)
		return nil
	}
	if msg.MergeTarget != nil {
		d.onMergeTargetMsg(msg)
		return nil
	}
	if d.checkMessage(msg) {
		return nil
	}
	if msg.Message.Type == raftpb.MsgSnap && d.peer.ps.isApplyingSnapshot() {
		d.logger().Info("applying snapshot, drop incoming snapshot", zap.Uint64("from", msg.FromPeer.ID))
		d.drop(metrics.DropApplyingSnap)
		return nil
	}
	key, err := d.checkSnapshot(msg)
	if err != nil {
		return err
	}
	if key != nil {
		// The snapshot will not be applied, its files are garbage now.
		s, err := d.ctx.snapMgr.GetSnapshotForApplying(*key)
		if err != nil {
			return err
		}
		d.ctx.snapMgr.DeleteSnapshot(*key, s, false)
		return nil
	}
	d.peer.insertPeerCache(msg.FromPeer)
	return d.peer.step(msg.Message)
}

// checkMessage reports whether msg is stale and can be dropped.
func (d *peerFsmDelegate) checkMessage(msg *api.RaftMessage) bool {
	r := d.peer.region()
	if msg.RegionEpoch.IsStale(r.Epoch) {
		if _, ok := r.FindPeer(msg.FromPeer.StoreID); !ok {
			d.handleStaleMsg(msg, r.Epoch)
			return true
		}
	}
	switch {
	case msg.ToPeer.ID < d.peer.meta.ID:
		d.logger().Info("target peer id is smaller, msg maybe stale", zap.Uint64("target", msg.ToPeer.ID))
		d.drop(metrics.DropStaleMsg)
		return true
	case msg.ToPeer.ID > d.peer.meta.ID:
		d.logger().Info("received message for a newer peer, destroying", zap.Uint64("target", msg.ToPeer.ID))
		if d.maybeDestroy() {
			// The store creates the newer peer.
			_ = d.ctx.router.sendControl(NewStoreMsg(MsgTypeRaftMessage, msg))
		}
		return true
	}
	return false
}

// handleStaleMsg drops a message from a peer no longer in the region. A
// vote from it is answered with a tombstone so it removes itself.
func (d *peerFsmDelegate) handleStaleMsg(msg *api.RaftMessage, cur region.Epoch) {
	d.drop(metrics.DropMismatchRegionEpoch)
	if !isVoteMessage(msg.Message.Type) {
		d.logger().Info("raft message is stale, ignore", zap.Stringer("msgEpoch", msg.RegionEpoch), zap.Stringer("epoch", cur))
		return
	}
	d.logger().Info("raft vote is stale, tell sender to gc", zap.Uint64("from", msg.FromPeer.ID))
	sendGCMessage(d.ctx.trans, msg, cur, d.logger())
}

func sendGCMessage(trans Transport, msg *api.RaftMessage, cur region.Epoch, logger *zap.Logger) {
	gc := &api.RaftMessage{
		RegionID:    msg.RegionID,
		FromPeer:    msg.ToPeer,
		ToPeer:      msg.FromPeer,
		RegionEpoch: cur,
		IsTombstone: true,
	}
	if err := trans.Send(gc); err != nil {
		logger.Warn("failed to send gc message", zap.Error(err))
	}
}

func (d *peerFsmDelegate) handleGCPeerMsg(msg *api.RaftMessage) {
	if !d.peer.region().Epoch.IsStale(msg.RegionEpoch) {
		return
	}
	if msg.ToPeer != d.peer.meta {
		d.logger().Info("receive stale gc message, ignore", zap.Uint64("target", msg.ToPeer.ID))
		return
	}
	d.logger().Info("receive gc message, trying to remove")
	d.maybeDestroy()
}

// onMergeTargetMsg records that this region was absorbed by the target. An
// uninitialized source can never catch up on the merge and is removed now.
func (d *peerFsmDelegate) onMergeTargetMsg(msg *api.RaftMessage) {
	target := msg.MergeTarget
	m := d.ctx.meta
	m.Lock()
	m.addMergeTarget(target.ID, d.regionID(), target.Epoch)
	m.Unlock()
	if !d.peer.isInitialized() {
		d.logger().Info("uninitialized peer is a stale merge source, destroying", zap.Uint64("target", target.ID))
		d.maybeDestroy()
	}
}

// checkSnapshot returns the key of a snapshot that must not be applied.
// A nil key with a nil error lets the message through.
func (d *peerFsmDelegate) checkSnapshot(msg *api.RaftMessage) (*snap.SnapKey, error) {
	if msg.Message.Type != raftpb.MsgSnap {
		return nil, nil
	}
	regionID := msg.RegionID
	key := snap.SnapKeyFromRegionSnap(regionID, msg.Message.Snapshot)
	data, err := snap.DecodeSnapshotData(msg.Message.Snapshot.Data)
	if err != nil {
		return nil, err
	}
	snapRegion := data.Region
	if _, ok := snapRegion.FindPeerByID(msg.ToPeer.ID); !ok {
		d.logger().Info("snapshot region doesn't contain peer, skip", zap.Stringer("snapRegion", snapRegion))
		d.drop(metrics.DropRegionNoPeer)
		return &key, nil
	}
	// Make sure the files exist before the region is reserved.
	if _, err := d.ctx.snapMgr.GetSnapshotForApplying(key); err != nil {
		return nil, err
	}

	start, end := encStartKey(snapRegion), encEndKey(snapRegion)
	m := d.ctx.meta
	m.Lock()
	if d.peer.isInitialized() {
		if cur, ok := m.regions[regionID]; !ok || !regionEqual(cur, d.peer.region()) {
			m.Unlock()
			d.logger().Panic("meta corrupted", zap.Stringer("meta", cur), zap.Stringer("region", d.peer.region()))
		}
	} else if m.isRangeCovered(start, end) {
		m.Unlock()
		d.logger().Info("snapshot range is covered by existing regions, stale split artifact", zap.Stringer("snapRegion", snapRegion))
		return &key, nil
	}
	if m.overlapsPendingSnapshot(snapRegion) {
		m.Unlock()
		d.logger().Info("snapshot overlaps a pending snapshot", zap.Stringer("snapRegion", snapRegion))
		return &key, nil
	}
	var toDestroy []uint64
	for _, exist := range m.findOverlapRegions(start, end, regionID) {
		if m.maybeDestroySource(regionID, exist.ID, snapRegion.Epoch) {
			toDestroy = append(toDestroy, exist.ID)
			continue
		}
		m.Unlock()
		d.logger().Info("snapshot overlaps an existing region", zap.Stringer("exist", exist), zap.Stringer("snapRegion", snapRegion))
		return &key, nil
	}
	m.pendingSnapshotRegions = append(m.pendingSnapshotRegions, snapRegion.Clone())
	d.ctx.queuedSnaps[regionID] = struct{}{}
	m.Unlock()

	for _, id := range toDestroy {
		d.logger().Info("destroying stale merge source", zap.Uint64("source", id))
		if err := d.ctx.router.forceSend(id, NewPeerMsg(MsgTypeDestroy, id, nil)); err != nil {
			d.logger().Warn("failed to destroy merge source", zap.Uint64("source", id), zap.Error(err))
		}
	}
	return nil, nil
}

func regionEqual(a, b *region.Region) bool {
	return a.ID == b.ID && a.Epoch == b.Epoch &&
		bytes.Equal(a.Range.Start, b.Range.Start) && bytes.Equal(a.Range.End, b.Range.End)
}

func isVoteMessage(t raftpb.MessageType) bool {
	return t == raftpb.MsgVote || t == raftpb.MsgPreVote
}

// maybeDestroy destroys the peer unless a snapshot apply must abort first.
// It reports whether the peer is gone.
func (d *peerFsmDelegate) maybeDestroy() bool {
	if d.peer.ps.isApplyingSnapshot() && !d.peer.ps.cancelApplyingSnap() {
		d.logger().Info("stale peer is applying snapshot, will destroy next time")
		d.destroyPending = true
		return false
	}
	d.destroyPeer(false)
	return true
}

// destroyPeer removes the peer from this store. The persisted tombstone is
// written before the in-memory index forgets the region.
func (d *peerFsmDelegate) destroyPeer(keepData bool) {
	r := d.peer.region()
	initialized := d.peer.isInitialized()
	if err := d.peer.destroy(d.ctx.storeContext, keepData); err != nil {
		d.logger().Panic("failed to destroy peer", zap.Error(err))
	}
	m := d.ctx.meta
	m.Lock()
	m.clearMergeState(d.regionID())
	if initialized {
		if !m.removeRegion(r) {
			m.Unlock()
			d.logger().Panic("meta corruption detected, region range missing", zap.Stringer("region", r))
		}
	}
	m.Unlock()
	d.ctx.router.close(d.regionID(), d.mb)
	d.stopped = true
}

// collectReady stages the ready of the peer into the round.
func (d *peerFsmDelegate) collectReady() {
	if d.stopped {
		return
	}
	d.peer.handleRaftReady(d.ctx, d.peerFsm)
}

// postRaftReadyAppend runs once the batches holding rr are durable.
func (d *peerFsmDelegate) postRaftReadyAppend(rr *readyResult) []any {
	p := d.peer
	res := p.ps.postReady(rr.ic)
	if ss := rr.rd.SoftState; ss != nil {
		p.logger.Info("raft state changed", zap.Stringer("state", ss.RaftState), zap.Uint64("leader", ss.Lead))
	}
	p.send(d.ctx.trans, rr.rd.Messages)
	if res != nil {
		d.onReadyApplySnapshot(res)
	}
	return p.applyEntries(d.ctx, rr.rd.CommittedEntries)
}

func (d *peerFsmDelegate) onReadyApplySnapshot(res *applySnapResult) {
	for _, pr := range res.region.Peers {
		d.peer.insertPeerCache(pr)
	}
	m := d.ctx.meta
	m.Lock()
	defer m.Unlock()
	if res.prevRegion.Initialized() && !m.removeRange(res.prevRegion) {
		d.logger().Panic("meta corruption detected, previous range missing", zap.Stringer("region", res.prevRegion))
	}
	if old := m.insertRegion(res.region); old != 0 {
		d.logger().Panic("snapshot region replaced another region", zap.Uint64("old", old), zap.Stringer("region", res.region))
	}
}

// onReadyResults handles admin results once the apply batch is durable.
func (d *peerFsmDelegate) onReadyResults(results []any) {
	for _, res := range results {
		if d.stopped {
			return
		}
		switch r := res.(type) {
		case *execResultSplit:
			d.onReadySplitRegion(r.derived, r.regions)
		case *execResultChangePeer:
			d.onReadyChangePeer(r)
		case *execResultCompactLog:
			d.onReadyCompactLog(r.firstIndex, r.truncatedIndex)
		}
	}
}

func (d *peerFsmDelegate) onReadyChangePeer(cp *execResultChangePeer) {
	m := d.ctx.meta
	m.Lock()
	m.setRegion(cp.region, d.peer)
	m.Unlock()
	switch cp.changeType {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		d.peer.insertPeerCache(cp.peer)
	case raftpb.ConfChangeRemoveNode:
		d.peer.removePeerCache(cp.peer.ID)
		if cp.peer.StoreID == d.ctx.storeID {
			if cp.peer.ID != d.peer.meta.ID {
				d.logger().Panic("trying to remove unknown peer", zap.Uint64("target", cp.peer.ID))
			}
			d.destroyPeer(false)
		}
	}
}

func (d *peerFsmDelegate) onReadyCompactLog(firstIndex, truncatedIndex uint64) {
	task := raftLogGCTask{
		regionID: d.regionID(),
		startIdx: d.peer.lastCompactedIdx,
		endIdx:   truncatedIndex + 1,
	}
	d.peer.lastCompactedIdx = task.endIdx
	d.peer.ps.compactTo(task.endIdx)
	if err := d.ctx.raftLogGCWorker.schedule(task); err != nil {
		d.logger().Warn("failed to schedule raft log gc", zap.Uint64("first", firstIndex), zap.Error(err))
	}
}

func (d *peerFsmDelegate) onReadySplitRegion(derived *region.Region, regions []*region.Region) {
	isLeader := d.peer.isLeader()
	created := make([]*peerFsm, 0, len(regions)-1)
	for _, r := range regions {
		if r.ID == derived.ID {
			continue
		}
		// The split is durable, a peer that cannot be built is a bug.
		pf, err := createPeerFsm(d.ctx.storeContext, r)
		if err != nil {
			d.logger().Panic("failed to create split peer", zap.Stringer("region", r), zap.Error(err))
		}
		for _, pr := range r.Peers {
			pf.peer.insertPeerCache(pr)
		}
		if isLeader && len(r.Peers) > 1 {
			if err := pf.peer.raftGroup.Campaign(); err != nil {
				d.logger().Warn("failed to campaign split peer", zap.Uint64("new", r.ID), zap.Error(err))
			}
		}
		created = append(created, pf)
	}

	votes := make(map[uint64][]*api.RaftMessage, len(created))
	m := d.ctx.meta
	m.Lock()
	for _, pf := range created {
		if _, ok := m.regions[pf.regionID()]; ok {
			m.Unlock()
			d.logger().Panic("duplicated region for split", zap.Uint64("new", pf.regionID()))
		}
	}
	m.applySplit(derived, regions)
	m.setRegion(derived, d.peer)
	for _, pf := range created {
		// An uninitialized peer created by an early vote is replaced.
		d.ctx.router.register(pf.regionID(), pf.mb)
		votes[pf.regionID()] = m.pendingVotes.take(pf.peer.meta)
	}
	m.Unlock()

	d.logger().Info("split region applied", zap.Stringer("derived", derived), zap.Int("count", len(regions)))
	for _, pf := range created {
		id := pf.regionID()
		_ = d.ctx.router.forceSend(id, NewPeerMsg(MsgTypeStart, id, nil))
		for _, v := range votes[id] {
			_ = d.ctx.router.forceSend(id, NewPeerMsg(MsgTypeRaftMessage, id, v))
		}
	}
}
