package raftstore

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/logutil"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

type proposal struct {
	id   string
	term uint64
	cb   Callback
}

// Results of applied admin commands, handled once the apply batch is durable.
type (
	execResultSplit struct {
		derived *region.Region
		regions []*region.Region
	}
	execResultChangePeer struct {
		changeType raftpb.ConfChangeType
		peer       region.Peer
		region     *region.Region
	}
	execResultCompactLog struct {
		firstIndex     uint64
		truncatedIndex uint64
	}
)

// readyResult is a ready persisted in the current round.
type readyResult struct {
	fsm *peerFsm
	rd  raft.Ready
	ic  *invokeContext
}

// peer is the replica of one region on this store.
type peer struct {
	meta      region.Peer
	regionID  uint64
	raftGroup *raft.RawNode
	ps        *peerStorage

	peerCache map[uint64]region.Peer
	proposals []proposal

	lastCompactedIdx uint64
	// pendingRemove is set once this peer applied its own removal.
	pendingRemove bool

	logger *zap.Logger
}

func newPeer(cfg *Config, engines *engine.Engines, r *region.Region, self region.Peer,
	regionSched func(regionTask) error, logger *zap.Logger,
) (*peer, error) {
	if self.ID == 0 {
		return nil, errors.Newf("raftstore: invalid peer id for region %d", r.ID)
	}
	logger = logger.With(zap.Uint64("region", r.ID), zap.Uint64("peer", self.ID))
	ps, err := newPeerStorage(engines, r, regionSched, logger)
	if err != nil {
		return nil, err
	}
	rn, err := raft.NewRawNode(&raft.Config{
		ID:              self.ID,
		ElectionTick:    cfg.RaftElectionTimeoutTicks,
		HeartbeatTick:   cfg.RaftHeartbeatTicks,
		Storage:         ps,
		Applied:         ps.appliedIndex(),
		MaxSizePerMsg:   cfg.RaftMaxSizePerMsg,
		MaxInflightMsgs: cfg.RaftMaxInflightMsgs,
		PreVote:         true,
		Logger:          logutil.NewRaftLogger(logger),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "raftstore: create raft node of region %d", r.ID)
	}
	p := &peer{
		meta:             self,
		regionID:         r.ID,
		raftGroup:        rn,
		ps:               ps,
		peerCache:        make(map[uint64]region.Peer),
		lastCompactedIdx: ps.truncatedIndex() + 1,
		logger:           logger,
	}
	for _, pr := range r.Peers {
		p.insertPeerCache(pr)
	}
	return p, nil
}

func (p *peer) region() *region.Region { return p.ps.region }

func (p *peer) setRegion(r *region.Region) {
	p.ps.setRegion(r.Clone())
	if pr, ok := r.FindPeerByID(p.meta.ID); ok {
		p.meta = pr
	}
}

func (p *peer) isInitialized() bool { return p.ps.isInitialized() }

func (p *peer) isLeader() bool { return p.raftGroup.BasicStatus().RaftState == raft.StateLeader }

func (p *peer) leaderID() uint64 { return p.raftGroup.BasicStatus().Lead }

func (p *peer) term() uint64 { return p.raftGroup.BasicStatus().Term }

func (p *peer) insertPeerCache(pr region.Peer) { p.peerCache[pr.ID] = pr }

func (p *peer) removePeerCache(id uint64) { delete(p.peerCache, id) }

func (p *peer) getPeerFromCache(id uint64) (region.Peer, bool) {
	if pr, ok := p.peerCache[id]; ok {
		return pr, true
	}
	if pr, ok := p.region().FindPeerByID(id); ok {
		p.insertPeerCache(pr)
		return pr, true
	}
	return region.Peer{}, false
}

// maybeCampaign starts an election right away when this peer is the only voter.
func (p *peer) maybeCampaign() bool {
	r := p.region()
	if len(r.Peers) != 1 || r.Peers[0].ID != p.meta.ID || r.Peers[0].Role != region.Voter {
		return false
	}
	if err := p.raftGroup.Campaign(); err != nil {
		p.logger.Warn("failed to campaign", zap.Error(err))
		return false
	}
	return true
}

func (p *peer) step(m raftpb.Message) error {
	return p.raftGroup.Step(m)
}

// propose appends req to the raft log after the leader side checks.
func (p *peer) propose(req *RaftCmdRequest, cb Callback) {
	if err := p.preProposeCheck(req); err != nil {
		cb.invoke(p.errResp(err))
		return
	}
	req.Header.ProposalID = uuid.NewString()
	data, err := req.Marshal()
	if err != nil {
		cb.invoke(ErrResp(err))
		return
	}
	if req.AdminRequest != nil && req.AdminRequest.Type == AdminChangePeer {
		cp := req.AdminRequest.ChangePeer
		err = p.raftGroup.ProposeConfChange(raftpb.ConfChange{Type: cp.ChangeType, NodeID: cp.Peer.ID, Context: data})
	} else {
		err = p.raftGroup.Propose(data)
	}
	if err != nil {
		cb.invoke(ErrResp(errors.Wrapf(ErrNotLeader, "propose dropped: %v", err)))
		return
	}
	p.proposals = append(p.proposals, proposal{id: req.Header.ProposalID, term: p.term(), cb: cb})
}

func (p *peer) preProposeCheck(req *RaftCmdRequest) error {
	if req.Header.RegionID != p.regionID {
		return errors.Wrapf(ErrRegionNotFound, "region %d routed to region %d", req.Header.RegionID, p.regionID)
	}
	if !p.isLeader() {
		return errors.Wrapf(ErrNotLeader, "region %d leader is peer %d", p.regionID, p.leaderID())
	}
	if err := checkRegionEpoch(req, p.region()); err != nil {
		return err
	}
	for _, r := range req.Requests {
		if err := region.CheckKeyInRange(r.Key, p.region()); err != nil {
			return errors.Mark(err, ErrKeyNotInRegion)
		}
	}
	if admin := req.AdminRequest; admin != nil {
		switch admin.Type {
		case AdminSplit:
			if admin.Split == nil {
				return errors.New("raftstore: split request is empty")
			}
		case AdminCompactLog:
			if admin.CompactLog == nil {
				return errors.New("raftstore: compact log request is empty")
			}
		case AdminChangePeer:
			if admin.ChangePeer == nil {
				return errors.New("raftstore: change peer request is empty")
			}
		default:
			return errors.Newf("raftstore: unsupported admin command %d", admin.Type)
		}
	}
	return nil
}

func (p *peer) errResp(err error) *RaftCmdResponse {
	resp := ErrResp(err)
	if errors.Is(err, ErrEpochNotMatch) {
		resp.Regions = []*region.Region{p.region().Clone()}
	}
	return resp
}

// checkRegionEpoch rejects commands built against an outdated descriptor.
// Data commands only depend on the key range, admin commands on both parts.
func checkRegionEpoch(req *RaftCmdRequest, r *region.Region) error {
	want := req.Header.RegionEpoch
	cur := r.Epoch
	checkVer, checkConf := true, false
	if admin := req.AdminRequest; admin != nil {
		switch admin.Type {
		case AdminCompactLog:
			checkVer = false
		case AdminSplit:
			checkConf = true
		case AdminChangePeer:
			checkVer, checkConf = false, true
		}
	}
	if (checkVer && want.Version != cur.Version) || (checkConf && want.ConfVersion != cur.ConfVersion) {
		return errors.Wrapf(ErrEpochNotMatch, "current epoch of region %d is %s, request epoch is %s", r.ID, cur, want)
	}
	return nil
}

// send converts raft messages and hands them to the transport.
func (p *peer) send(trans Transport, msgs []raftpb.Message) {
	r := p.region()
	for _, m := range msgs {
		to, ok := p.getPeerFromCache(m.To)
		if !ok {
			p.logger.Warn("failed to look up recipient peer", zap.Uint64("to", m.To), zap.Stringer("type", m.Type))
			continue
		}
		msg := &api.RaftMessage{
			RegionID:    p.regionID,
			FromPeer:    p.meta,
			ToPeer:      to,
			Message:     m,
			RegionEpoch: r.Epoch,
			StartKey:    r.Range.Start,
			EndKey:      r.Range.End,
		}
		if err := trans.Send(msg); err != nil {
			p.logger.Warn("failed to send message", zap.Uint64("to", m.To), zap.Stringer("type", m.Type), zap.Error(err))
			if m.Type == raftpb.MsgSnap {
				p.raftGroup.ReportSnapshot(m.To, raft.SnapshotFailure)
			}
			p.raftGroup.ReportUnreachable(m.To)
		}
	}
}

// handleRaftReady collects the ready of this peer into the round.
func (p *peer) handleRaftReady(ctx *pollContext, f *peerFsm) {
	if p.pendingRemove || p.ps.isApplyingSnapshot() {
		return
	}
	if !p.raftGroup.HasReady() {
		return
	}
	rd := p.raftGroup.Ready()
	ic, err := p.ps.handleRaftReady(ctx, &rd)
	if err != nil {
		p.logger.Panic("failed to stage raft ready", zap.Error(err))
	}
	ctx.readies = append(ctx.readies, &readyResult{fsm: f, rd: rd, ic: ic})
}

// applyEntries executes committed entries into the apply batch and
// returns the admin results.
func (p *peer) applyEntries(ctx *pollContext, entries []raftpb.Entry) []any {
	var results []any
	applied := false
	for i := range entries {
		e := &entries[i]
		if e.Index <= p.ps.applyState.AppliedIndex {
			continue
		}
		var res any
		switch e.Type {
		case raftpb.EntryNormal:
			res = p.applyNormal(ctx, e)
		case raftpb.EntryConfChange:
			res = p.applyConfChange(ctx, e)
		default:
			p.logger.Warn("unsupported entry type", zap.Stringer("type", e.Type))
		}
		p.ps.applyState.AppliedIndex = e.Index
		p.ps.applyState.AppliedIndexTerm = e.Term
		applied = true
		if res != nil {
			results = append(results, res)
		}
	}
	if applied {
		if err := ctx.applyBatch.PutMsgCF(engine.CFRaft, meta.ApplyStateKey(p.regionID), &p.ps.applyState); err != nil {
			p.logger.Panic("failed to stage apply state", zap.Error(err))
		}
	}
	return results
}

func (p *peer) applyNormal(ctx *pollContext, e *raftpb.Entry) any {
	if len(e.Data) == 0 {
		// A new leader's empty entry makes every older pending proposal stale.
		p.notifyStaleProposals(e.Term)
		return nil
	}
	req := new(RaftCmdRequest)
	if err := req.Unmarshal(e.Data); err != nil {
		p.logger.Error("failed to decode entry", zap.Uint64("index", e.Index), zap.Error(err))
		return nil
	}
	resp, res := p.execRaftCmd(ctx, req)
	p.respond(ctx, req.Header.ProposalID, e.Term, resp)
	return res
}

func (p *peer) execRaftCmd(ctx *pollContext, req *RaftCmdRequest) (*RaftCmdResponse, any) {
	if err := checkRegionEpoch(req, p.region()); err != nil {
		return p.errResp(err), nil
	}
	if admin := req.AdminRequest; admin != nil {
		switch admin.Type {
		case AdminSplit:
			return p.execSplit(ctx, admin.Split)
		case AdminCompactLog:
			return p.execCompactLog(admin.CompactLog)
		default:
			return ErrResp(errors.Newf("raftstore: unexpected admin command %d in normal entry", admin.Type)), nil
		}
	}
	resp := &RaftCmdResponse{Responses: make([]Response, 0, len(req.Requests))}
	for _, r := range req.Requests {
		out, err := p.execRequest(ctx, r)
		if err != nil {
			return p.errResp(err), nil
		}
		resp.Responses = append(resp.Responses, out)
	}
	return resp, nil
}

func (p *peer) execRequest(ctx *pollContext, r Request) (Response, error) {
	if err := region.CheckKeyInRange(r.Key, p.region()); err != nil {
		return Response{}, errors.Mark(err, ErrKeyNotInRegion)
	}
	cf := r.CF
	if cf == "" {
		cf = engine.CFDefault
	}
	if !slices.Contains(engine.DataCFs, cf) {
		return Response{}, errors.Newf("raftstore: invalid column family %q", cf)
	}
	out := Response{Type: r.Type}
	switch r.Type {
	case CmdPut:
		return out, ctx.applyBatch.PutCF(cf, r.Key, r.Value)
	case CmdDelete:
		return out, ctx.applyBatch.DeleteCF(cf, r.Key)
	case CmdGet:
		ctx.flushApplyBatch()
		v, err := ctx.engines.Kv.GetCF(cf, r.Key)
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			return Response{}, err
		}
		out.Value = v
		return out, nil
	default:
		return Response{}, errors.Newf("raftstore: unsupported command %d", r.Type)
	}
}

func (p *peer) execSplit(ctx *pollContext, req *SplitRequest) (*RaftCmdResponse, any) {
	r := p.region()
	switch {
	case len(req.SplitKey) == 0:
		return ErrResp(errors.New("raftstore: missing split key")), nil
	case bytes.Equal(req.SplitKey, r.Range.Start):
		return ErrResp(errors.Newf("raftstore: split key %q is the start of region %d", req.SplitKey, r.ID)), nil
	case len(req.NewPeerIDs) != len(r.Peers):
		return ErrResp(errors.Newf("raftstore: split needs %d peer ids, got %d", len(r.Peers), len(req.NewPeerIDs))), nil
	}
	if err := region.CheckKeyInRange(req.SplitKey, r); err != nil {
		return ErrResp(errors.Mark(err, ErrKeyNotInRegion)), nil
	}

	derived := r.Clone()
	derived.Epoch.Version++
	newRegion := &region.Region{
		ID:    req.NewRegionID,
		Range: region.KeyRange{Start: append([]byte(nil), req.SplitKey...), End: derived.Range.End},
		Epoch: derived.Epoch,
	}
	for i, pr := range derived.Peers {
		newRegion.Peers = append(newRegion.Peers, region.Peer{ID: req.NewPeerIDs[i], StoreID: pr.StoreID, Role: pr.Role})
	}
	derived.Range.End = append([]byte(nil), req.SplitKey...)

	wb := ctx.applyBatch
	if err := meta.WriteRegionState(wb, derived, meta.PeerStateNormal, nil); err != nil {
		p.logger.Panic("failed to stage split region state", zap.Error(err))
	}
	if err := meta.WriteRegionState(wb, newRegion, meta.PeerStateNormal, nil); err != nil {
		p.logger.Panic("failed to stage split region state", zap.Error(err))
	}
	if err := meta.WriteInitialApplyState(wb, newRegion.ID); err != nil {
		p.logger.Panic("failed to stage split apply state", zap.Error(err))
	}
	p.logger.Info("split region", zap.Stringer("derived", derived), zap.Stringer("new", newRegion))
	p.setRegion(derived)

	regions := []*region.Region{derived.Clone(), newRegion}
	return &RaftCmdResponse{Regions: regions}, &execResultSplit{derived: derived.Clone(), regions: regions}
}

func (p *peer) execCompactLog(req *CompactLogRequest) (*RaftCmdResponse, any) {
	first := p.ps.truncatedIndex() + 1
	if err := compactRaftLog(&p.ps.applyState, req.CompactIndex, req.CompactTerm); err != nil {
		p.logger.Debug("compact log rejected", zap.Error(err))
		return ErrResp(err), nil
	}
	return &RaftCmdResponse{}, &execResultCompactLog{firstIndex: first, truncatedIndex: req.CompactIndex}
}

func (p *peer) applyConfChange(ctx *pollContext, e *raftpb.Entry) any {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(e.Data); err != nil {
		p.logger.Error("failed to decode conf change", zap.Uint64("index", e.Index), zap.Error(err))
		p.raftGroup.ApplyConfChange(raftpb.ConfChange{})
		return nil
	}
	if len(cc.Context) == 0 {
		p.raftGroup.ApplyConfChange(cc)
		return nil
	}
	req := new(RaftCmdRequest)
	if err := req.Unmarshal(cc.Context); err != nil {
		p.logger.Error("failed to decode conf change command", zap.Error(err))
		p.raftGroup.ApplyConfChange(raftpb.ConfChange{})
		return nil
	}
	r, state, err := p.execChangePeer(req)
	if err != nil {
		// NodeID zero makes raft skip the change but unblocks later ones.
		p.raftGroup.ApplyConfChange(raftpb.ConfChange{})
		p.respond(ctx, req.Header.ProposalID, e.Term, p.errResp(err))
		return nil
	}
	if err := meta.WriteRegionState(ctx.applyBatch, r, state, nil); err != nil {
		p.logger.Panic("failed to stage region state", zap.Error(err))
	}
	p.raftGroup.ApplyConfChange(cc)
	p.setRegion(r)
	cp := req.AdminRequest.ChangePeer
	if cp.Peer.ID == p.meta.ID && cp.ChangeType == raftpb.ConfChangeRemoveNode {
		p.pendingRemove = true
	}
	p.logger.Info("applied conf change", zap.Stringer("type", cp.ChangeType),
		zap.Uint64("target", cp.Peer.ID), zap.Stringer("region", r))
	p.respond(ctx, req.Header.ProposalID, e.Term, &RaftCmdResponse{Regions: []*region.Region{r.Clone()}})
	return &execResultChangePeer{changeType: cp.ChangeType, peer: cp.Peer, region: r.Clone()}
}

func (p *peer) execChangePeer(req *RaftCmdRequest) (*region.Region, meta.PeerState, error) {
	if err := checkRegionEpoch(req, p.region()); err != nil {
		return nil, 0, err
	}
	if req.AdminRequest == nil || req.AdminRequest.ChangePeer == nil {
		return nil, 0, errors.New("raftstore: conf change without change peer command")
	}
	cp := req.AdminRequest.ChangePeer
	r := p.region().Clone()
	state := meta.PeerStateNormal
	switch cp.ChangeType {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		role := region.Voter
		if cp.ChangeType == raftpb.ConfChangeAddLearnerNode {
			role = region.Learner
		}
		idx := slices.IndexFunc(r.Peers, func(pr region.Peer) bool { return pr.ID == cp.Peer.ID })
		switch {
		case idx < 0:
			if _, dup := r.FindPeer(cp.Peer.StoreID); dup {
				return nil, 0, errors.Newf("raftstore: store %d already has a peer of region %d", cp.Peer.StoreID, r.ID)
			}
			r.Peers = append(r.Peers, region.Peer{ID: cp.Peer.ID, StoreID: cp.Peer.StoreID, Role: role})
		case r.Peers[idx].Role == role:
			return nil, 0, errors.Newf("raftstore: peer %d already exists in region %d", cp.Peer.ID, r.ID)
		default:
			r.Peers[idx].Role = role
		}
	case raftpb.ConfChangeRemoveNode:
		idx := slices.IndexFunc(r.Peers, func(pr region.Peer) bool { return pr.ID == cp.Peer.ID })
		if idx < 0 {
			return nil, 0, errors.Newf("raftstore: peer %d is not in region %d", cp.Peer.ID, r.ID)
		}
		r.Peers = slices.Delete(r.Peers, idx, idx+1)
		if cp.Peer.ID == p.meta.ID {
			state = meta.PeerStateTombstone
		}
	default:
		return nil, 0, errors.Newf("raftstore: unsupported conf change %s", cp.ChangeType)
	}
	r.Epoch.ConfVersion++
	return r, state, nil
}

// respond completes the proposal id once its entry is applied. Proposals
// from older terms that were not applied by now never will be.
func (p *peer) respond(ctx *pollContext, id string, term uint64, resp *RaftCmdResponse) {
	p.notifyStaleProposals(term)
	if id == "" {
		return
	}
	idx := slices.IndexFunc(p.proposals, func(pr proposal) bool { return pr.id == id })
	if idx < 0 {
		return
	}
	cb := p.proposals[idx].cb
	p.proposals = slices.Delete(p.proposals, idx, idx+1)
	ctx.callbacks = append(ctx.callbacks, pendingCallback{cb: cb, resp: resp})
}

func (p *peer) notifyStaleProposals(term uint64) {
	kept := p.proposals[:0]
	for _, pr := range p.proposals {
		if pr.term < term {
			pr.cb.invoke(ErrResp(errors.Wrapf(ErrStaleCommand, "proposed in term %d, applying term %d", pr.term, term)))
			continue
		}
		kept = append(kept, pr)
	}
	clear(p.proposals[len(kept):])
	p.proposals = kept
}

// failProposals rejects every pending proposal, used when the peer goes away.
func (p *peer) failProposals(err error) {
	for _, pr := range p.proposals {
		pr.cb.invoke(ErrResp(err))
	}
	p.proposals = nil
}

// destroy writes the tombstone, drops the raft log and schedules the
// removal of the region data.
func (p *peer) destroy(ctx *storeContext, keepData bool) error {
	r := p.region()
	kvWB := ctx.engines.Kv.NewWriteBatch()
	defer kvWB.Close()
	raftWB := ctx.engines.Raft.NewWriteBatch()
	defer raftWB.Close()
	if err := clearPeerMeta(kvWB, raftWB, p.regionID, p.ps.raftState.LastIndex); err != nil {
		return err
	}
	if err := meta.WriteRegionState(kvWB, r, meta.PeerStateTombstone, nil); err != nil {
		return err
	}
	if err := ctx.engines.WriteKV(kvWB, true); err != nil {
		return err
	}
	if err := ctx.engines.WriteRaft(raftWB, true); err != nil {
		return err
	}
	if p.isInitialized() && !keepData {
		task := regionTask{tp: regionTaskDestroy, regionID: p.regionID, startKey: r.Range.Start, endKey: r.Range.End}
		if err := ctx.regionWorker.schedule(task); err != nil {
			p.logger.Warn("failed to schedule region data destroy", zap.Error(err))
		}
	}
	p.failProposals(errors.Wrapf(ErrRegionNotFound, "region %d is destroyed", p.regionID))
	p.logger.Info("peer destroyed", zap.Stringer("region", r))
	return nil
}
