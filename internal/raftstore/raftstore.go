// Package raftstore hosts the regions of one store. Every region is a peer
// fsm driven by a pool of pollers; the store fsm creates peers on demand and
// runs the store wide housekeeping.
package raftstore

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/pkg/api"
)

// Options wires a RaftStore to its engines and collaborators.
type Options struct {
	Config  *Config
	StoreID uint64
	Engines *engine.Engines
	SnapMgr *snap.SnapManager
	Metrics *metrics.StoreCollector
	Logger  *zap.Logger
}

// RaftStore runs the batch system of one store.
type RaftStore struct {
	cfg     *Config
	ctx     *storeContext
	system  *batchSystem
	control *storeFsm

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	logger  *zap.Logger
}

// NewRaftStore builds a store. Nothing runs until Start.
func NewRaftStore(opts Options) (*RaftStore, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Engines == nil || opts.SnapMgr == nil {
		return nil, errors.New("raftstore: engines and snapshot manager are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Uint64("store", opts.StoreID))
	collector := opts.Metrics
	if collector == nil {
		// A private registry keeps several stores in one process apart.
		collector = metrics.NewStoreCollector(prometheus.NewRegistry(), "")
	}

	control := &storeFsm{}
	system := newBatchSystem("raftstore", control, cfg.NotifyCapacity, logger)
	control.mb = system.router.control

	ctx := &storeContext{
		cfg:             cfg,
		storeID:         opts.StoreID,
		engines:         opts.Engines,
		meta:            newStoreMeta(cfg.MaxPendingVotes),
		router:          system.router,
		snapMgr:         opts.SnapMgr,
		regionWorker:    newWorker[regionTask]("region-worker", cfg.WorkerQueueCapacity, logger),
		raftLogGCWorker: newWorker[raftLogGCTask]("raftlog-gc-worker", cfg.WorkerQueueCapacity, logger),
		compactWorker:   newWorker[compactTask]("compact-worker", cfg.WorkerQueueCapacity, logger),
		metrics:         collector,
		logger:          logger,
	}
	s := &RaftStore{
		cfg:     cfg,
		ctx:     ctx,
		system:  system,
		control: control,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	opts.SnapMgr.SetNotifier(func() {
		_ = system.router.sendControl(NewStoreMsg(MsgTypeStoreTick, StoreTickHeartbeat))
	})
	return s, nil
}

// Start loads the regions of this store and starts the pollers, the
// workers and the tick driver.
func (s *RaftStore) Start(trans Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("raftstore: already started")
	}
	if trans == nil {
		return errors.New("raftstore: transport is required")
	}
	s.ctx.trans = trans
	if err := s.ctx.snapMgr.Init(); err != nil {
		return err
	}
	peers, err := s.loadPeers()
	if err != nil {
		return err
	}

	s.ctx.regionWorker.start(&regionRunner{
		engines:   s.ctx.engines,
		mgr:       s.ctx.snapMgr,
		router:    s.ctx.router,
		batchSize: s.cfg.SnapApplyBatchSize,
		metrics:   s.ctx.metrics,
		logger:    s.logger.Named("region-worker"),
	})
	s.ctx.raftLogGCWorker.start(&raftLogGCRunner{engines: s.ctx.engines, logger: s.logger.Named("raftlog-gc")})
	s.ctx.compactWorker.start(&compactRunner{engine: s.ctx.engines.Kv, logger: s.logger.Named("compact")})

	for _, pf := range peers {
		if pf.peer.ps.isApplyingSnapshot() {
			pf.peer.ps.retryScheduleApply()
		}
		s.ctx.router.register(pf.regionID(), pf.mb)
	}
	s.system.spawn(s.cfg.PollerCount, s.cfg.MaxBatchSize,
		func() pollHandler { return newRaftPoller(s.ctx) },
		s.ctx.metrics.PollerBatch)

	_ = s.ctx.router.sendControl(NewStoreMsg(MsgTypeStart, nil))
	for _, pf := range peers {
		_ = s.ctx.router.forceSend(pf.regionID(), NewPeerMsg(MsgTypeStart, pf.regionID(), nil))
	}
	s.wg.Add(1)
	go s.tickDriver()
	s.started = true
	s.logger.Info("raftstore started", zap.Int("regions", len(peers)))
	return nil
}

// loadPeers builds a peer fsm for every region persisted in the kv engine
// and indexes the initialized ones in storeMeta.
func (s *RaftStore) loadPeers() ([]*peerFsm, error) {
	var (
		peers      []*peerFsm
		tombstones int
		applying   int
	)
	kv := s.ctx.engines.Kv
	err := kv.ScanCF(engine.CFRaft, meta.RegionMetaMinKey, meta.RegionMetaMaxKey, false, func(key, value []byte) (bool, error) {
		regionID, err := meta.RegionIDFromStateKey(key)
		if err != nil {
			return false, err
		}
		state := new(meta.RegionLocalState)
		if err := state.Unmarshal(value); err != nil {
			return false, errors.Wrapf(err, "raftstore: decode state of region %d", regionID)
		}
		if state.State == meta.PeerStateTombstone {
			tombstones++
			return true, nil
		}
		pf, err := createPeerFsm(s.ctx, state.Region)
		if err != nil {
			return false, err
		}
		if state.State == meta.PeerStateApplying {
			applying++
			pf.peer.ps.scheduleApplyingSnapshotLater()
		}
		peers = append(peers, pf)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m := s.ctx.meta
	m.Lock()
	defer m.Unlock()
	for _, pf := range peers {
		if old := m.insertRegion(pf.peer.region()); old != 0 {
			return nil, errors.Newf("raftstore: region %d overlaps region %d on load", pf.regionID(), old)
		}
		m.setRegion(pf.peer.region(), pf.peer)
	}
	s.logger.Info("regions loaded",
		zap.Int("count", len(peers)), zap.Int("tombstones", tombstones), zap.Int("applying", applying))
	return peers, nil
}

// tickDriver feeds the clocks of every peer and of the store fsm.
func (s *RaftStore) tickDriver() {
	defer s.wg.Done()
	base := time.NewTicker(s.cfg.RaftBaseTickInterval)
	defer base.Stop()
	snapGC := time.NewTicker(s.cfg.SnapMgrGCTickInterval)
	defer snapGC.Stop()
	compact := newTicker(s.cfg.CompactCheckTickInterval)
	defer compact.Stop()
	heartbeat := newTicker(s.cfg.PdStoreHeartbeatTickInterval)
	defer heartbeat.Stop()

	storeTick := func(t StoreTick) {
		_ = s.ctx.router.sendControl(NewStoreMsg(MsgTypeStoreTick, t))
	}
	for {
		select {
		case <-base.C:
			s.ctx.router.broadcastNormal(func(regionID uint64) Msg {
				return NewPeerMsg(MsgTypeTick, regionID, nil)
			})
		case <-snapGC.C:
			storeTick(StoreTickSnapGC)
		case <-compact.C:
			storeTick(StoreTickCompactCheck)
		case <-heartbeat.C:
			storeTick(StoreTickHeartbeat)
		case <-s.stopCh:
			return
		}
	}
}

// newTicker returns a stopped ticker for a zero interval.
func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}

// Stop shuts the pollers down and then drains the workers.
func (s *RaftStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.wg.Wait()
	s.system.shutdown()
	s.ctx.regionWorker.stop()
	s.ctx.raftLogGCWorker.stop()
	s.ctx.compactWorker.stop()
	s.logger.Info("raftstore stopped")
}

// StoreID returns the id of this store.
func (s *RaftStore) StoreID() uint64 { return s.ctx.storeID }

// SendRaftMessage delivers a message from another store. Messages for
// regions not hosted here go through the store fsm.
func (s *RaftStore) SendRaftMessage(msg *api.RaftMessage) error {
	err := s.ctx.router.send(msg.RegionID, NewPeerMsg(MsgTypeRaftMessage, msg.RegionID, msg))
	if errors.Is(err, ErrRegionNotFound) {
		return s.ctx.router.sendControl(NewStoreMsg(MsgTypeRaftMessage, msg))
	}
	return err
}

// SendCommand proposes req to its region. cb runs exactly once unless an
// error is returned.
func (s *RaftStore) SendCommand(req *RaftCmdRequest, cb Callback) error {
	regionID := req.Header.RegionID
	err := s.ctx.router.send(regionID, NewPeerMsg(MsgTypeRaftCmd, regionID, &MsgRaftCmd{Request: req, Callback: cb}))
	if err != nil {
		return errors.Wrapf(err, "region %d", regionID)
	}
	return nil
}

// ReportSnapshotStatus tells the sending peer how a snapshot transfer ended.
func (s *RaftStore) ReportSnapshotStatus(regionID, toPeerID uint64, status raft.SnapshotStatus) {
	s.ctx.metrics.SnapshotSent(status == raft.SnapshotFinish)
	s.reportSignificant(regionID, &SignificantMsg{Type: SignificantMsgSnapshotStatus, ToPeerID: toPeerID, SnapshotStatus: status})
}

// ReportUnreachable tells the sending peer that toPeerID cannot be reached.
func (s *RaftStore) ReportUnreachable(regionID, toPeerID uint64) {
	s.reportSignificant(regionID, &SignificantMsg{Type: SignificantMsgUnreachable, ToPeerID: toPeerID})
}

func (s *RaftStore) reportSignificant(regionID uint64, msg *SignificantMsg) {
	if err := s.ctx.router.forceSend(regionID, NewPeerMsg(MsgTypeSignificantMsg, regionID, msg)); err != nil {
		s.logger.Debug("failed to report to region", zap.Uint64("region", regionID), zap.Error(err))
	}
}

// SnapManager returns the snapshot manager used by this store.
func (s *RaftStore) SnapManager() *snap.SnapManager { return s.ctx.snapMgr }

// RegionCount returns the number of peers hosted by this store.
func (s *RaftStore) RegionCount() int { return s.ctx.router.regionCount() }
