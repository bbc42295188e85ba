package raftstore

import (
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/snap"
)

// storeContext is shared by every poller of a store.
type storeContext struct {
	cfg     *Config
	storeID uint64
	engines *engine.Engines
	meta    *storeMeta
	router  *router
	trans   Transport
	snapMgr *snap.SnapManager

	regionWorker    *worker[regionTask]
	raftLogGCWorker *worker[raftLogGCTask]
	compactWorker   *worker[compactTask]

	metrics *metrics.StoreCollector
	logger  *zap.Logger
}

type pendingCallback struct {
	cb   Callback
	resp *RaftCmdResponse
}

// pollContext is the per poller state of one round.
type pollContext struct {
	*storeContext

	kvBatch    *engine.WriteBatch
	raftBatch  *engine.WriteBatch
	applyBatch *engine.WriteBatch
	syncLog    bool

	readies   []*readyResult
	callbacks []pendingCallback
	// regions whose snapshot was reserved in storeMeta during this round
	queuedSnaps map[uint64]struct{}
	msgBuf      []Msg
}

func newPollContext(sc *storeContext) *pollContext {
	return &pollContext{
		storeContext: sc,
		kvBatch:      sc.engines.Kv.NewWriteBatch(),
		raftBatch:    sc.engines.Raft.NewWriteBatch(),
		applyBatch:   sc.engines.Kv.NewWriteBatch(),
		queuedSnaps:  make(map[uint64]struct{}),
	}
}

func (c *pollContext) kvWB() *engine.WriteBatch { return c.kvBatch }

func (c *pollContext) raftWB() *engine.WriteBatch { return c.raftBatch }

func (c *pollContext) setSyncLog(sync bool) { c.syncLog = c.syncLog || sync }

// flushApplyBatch makes the writes applied so far visible to reads.
func (c *pollContext) flushApplyBatch() {
	if err := c.engines.WriteKV(c.applyBatch, false); err != nil {
		c.logger.Panic("failed to write apply batch", zap.Error(err))
	}
}

func (c *pollContext) close() {
	c.kvBatch.Close()
	c.raftBatch.Close()
	c.applyBatch.Close()
}

// raftPoller is the pollHandler of the raft batch system.
type raftPoller struct {
	ctx *pollContext
}

func newRaftPoller(sc *storeContext) *raftPoller {
	return &raftPoller{ctx: newPollContext(sc)}
}

func (p *raftPoller) begin(int) {
	ctx := p.ctx
	ctx.syncLog = false
	clear(ctx.readies)
	ctx.readies = ctx.readies[:0]
	clear(ctx.callbacks)
	ctx.callbacks = ctx.callbacks[:0]
}

func (p *raftPoller) handleControl(f fsm) int {
	sf := f.(*storeFsm)
	msgs := sf.mb.recv(p.ctx.msgBuf[:0], p.ctx.cfg.MessagesPerTick)
	newStoreFsmDelegate(sf, p.ctx).handleMsgs(msgs)
	clear(msgs)
	p.ctx.msgBuf = msgs[:0]
	return sf.mb.len()
}

func (p *raftPoller) handleNormal(f fsm) int {
	pf := f.(*peerFsm)
	msgs := pf.mb.recv(p.ctx.msgBuf[:0], p.ctx.cfg.MessagesPerTick)
	d := newPeerFsmDelegate(pf, p.ctx)
	d.handleMsgs(msgs)
	d.collectReady()
	clear(msgs)
	p.ctx.msgBuf = msgs[:0]
	return pf.mb.len()
}

// end persists the round in a fixed order: the kv batch, then the raft
// batch, then the applied entries. Messages leave only once the state they
// depend on is durable and callbacks run once their writes are visible.
func (p *raftPoller) end([]fsm) {
	ctx := p.ctx
	if len(ctx.readies) > 0 {
		if err := ctx.engines.WriteKV(ctx.kvBatch, ctx.syncLog); err != nil {
			ctx.logger.Panic("failed to write kv batch", zap.Error(err))
		}
		if err := ctx.engines.WriteRaft(ctx.raftBatch, ctx.syncLog || ctx.cfg.SyncLog); err != nil {
			ctx.logger.Panic("failed to write raft batch", zap.Error(err))
		}

		results := make([][]any, len(ctx.readies))
		for i, rr := range ctx.readies {
			results[i] = newPeerFsmDelegate(rr.fsm, ctx).postRaftReadyAppend(rr)
		}
		ctx.flushApplyBatch()
		for i, rr := range ctx.readies {
			rr.fsm.peer.raftGroup.Advance(rr.rd)
			newPeerFsmDelegate(rr.fsm, ctx).onReadyResults(results[i])
		}
		ctx.metrics.ReadyHandled(len(ctx.readies))
	}

	for _, pc := range ctx.callbacks {
		pc.cb.invoke(pc.resp)
	}
	ctx.trans.Flush()

	if len(ctx.queuedSnaps) > 0 {
		m := ctx.meta
		m.Lock()
		for id := range ctx.queuedSnaps {
			m.removePendingSnapshotRegion(id)
		}
		m.Unlock()
		clear(ctx.queuedSnaps)
	}
}

func (p *raftPoller) pause() {
	p.ctx.trans.Flush()
}
