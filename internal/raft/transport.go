// Package raft carries raft traffic between stores over gRPC. Ordinary
// messages are batched per store and streamed on one long lived stream;
// snapshots travel on a dedicated stream together with their files.
package raft

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"nyxkv/internal/raftstore/snap"
	"nyxkv/pkg/api"
)

// RaftRouter is the local store as seen by the transport.
type RaftRouter interface {
	SendRaftMessage(msg *api.RaftMessage) error
	ReportSnapshotStatus(regionID, toPeerID uint64, status etcdraft.SnapshotStatus)
	ReportUnreachable(regionID, toPeerID uint64)
	SnapManager() *snap.SnapManager
}

// GRPCDialer abstracts dialing so tests can inject custom behaviour.
type GRPCDialer interface {
	Dial(ctx context.Context, target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Options tunes a GRPCTransport.
type Options struct {
	// QueueSize bounds the flushed batches waiting for one store.
	QueueSize int
	// MaxConcurrentSnaps bounds the snapshots streamed at the same time.
	MaxConcurrentSnaps int
	// SnapChunkSize is the payload of one snapshot frame.
	SnapChunkSize int
	// DialTimeout bounds establishing a stream.
	DialTimeout time.Duration
	Dialer      GRPCDialer
	Logger      *zap.Logger
}

func (o *Options) fill() {
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.MaxConcurrentSnaps <= 0 {
		o.MaxConcurrentSnaps = 4
	}
	if o.SnapChunkSize <= 0 {
		o.SnapChunkSize = 1 << 20
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = DefaultDialer{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// GRPCTransport sends raft messages to other stores. Send only buffers;
// Flush hands the buffered batches to one sender goroutine per store so a
// slow peer never blocks the pollers.
type GRPCTransport struct {
	opts     Options
	resolver AddressResolver
	router   RaftRouter
	snapSem  chan struct{}
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[uint64][]*api.RaftMessage
	senders map[uint64]*storeSender
	closed  bool

	wg sync.WaitGroup
}

// NewGRPCTransport returns a transport that reports delivery failures to router.
func NewGRPCTransport(resolver AddressResolver, router RaftRouter, opts Options) *GRPCTransport {
	opts.fill()
	return &GRPCTransport{
		opts:     opts,
		resolver: resolver,
		router:   router,
		snapSem:  make(chan struct{}, opts.MaxConcurrentSnaps),
		logger:   opts.Logger,
		pending:  make(map[uint64][]*api.RaftMessage),
		senders:  make(map[uint64]*storeSender),
	}
}

// Send buffers msg until the next Flush. Snapshots are streamed right away
// in the background.
func (t *GRPCTransport) Send(msg *api.RaftMessage) error {
	if msg.Message.Type == raftpb.MsgSnap {
		return t.sendSnapshot(msg)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("raft: transport closed")
	}
	storeID := msg.ToPeer.StoreID
	t.pending[storeID] = append(t.pending[storeID], msg)
	return nil
}

// Flush queues every buffered batch on its store sender. A full queue
// drops the batch and reports its peers unreachable.
func (t *GRPCTransport) Flush() {
	t.mu.Lock()
	if t.closed || len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batches := t.pending
	t.pending = make(map[uint64][]*api.RaftMessage, len(batches))
	senders := make(map[uint64]*storeSender, len(batches))
	for storeID := range batches {
		senders[storeID] = t.senderLocked(storeID)
	}
	t.mu.Unlock()

	for storeID, batch := range batches {
		select {
		case senders[storeID].queue <- batch:
		default:
			t.logger.Warn("raft send queue is full, drop messages",
				zap.Uint64("toStore", storeID), zap.Int("count", len(batch)))
			t.reportUnreachable(batch)
		}
	}
}

func (t *GRPCTransport) senderLocked(storeID uint64) *storeSender {
	if s, ok := t.senders[storeID]; ok {
		return s
	}
	s := &storeSender{
		t:       t,
		storeID: storeID,
		queue:   make(chan []*api.RaftMessage, t.opts.QueueSize),
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.Uint64("toStore", storeID)),
	}
	t.senders[storeID] = s
	t.wg.Add(1)
	go s.run()
	return s
}

func (t *GRPCTransport) reportUnreachable(batch []*api.RaftMessage) {
	type target struct{ region, peer uint64 }
	seen := make(map[target]struct{}, len(batch))
	for _, m := range batch {
		k := target{m.RegionID, m.ToPeer.ID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		t.router.ReportUnreachable(m.RegionID, m.ToPeer.ID)
	}
}

func (t *GRPCTransport) dial(ctx context.Context, storeID uint64) (*grpc.ClientConn, error) {
	addr, err := t.resolver.Resolve(storeID)
	if err != nil {
		return nil, err
	}
	return t.opts.Dialer.Dial(ctx, addr)
}

// Close stops the senders and waits for them and for running snapshot streams.
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, s := range t.senders {
		close(s.done)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// storeSender owns the message stream to one store.
type storeSender struct {
	t       *GRPCTransport
	storeID uint64
	queue   chan []*api.RaftMessage
	done    chan struct{}
	logger  *zap.Logger

	conn   *grpc.ClientConn
	stream api.RaftTransport_RaftClient
	cancel context.CancelFunc
}

func (s *storeSender) run() {
	defer s.t.wg.Done()
	defer s.closeStream()
	for {
		select {
		case batch := <-s.queue:
			if err := s.send(batch); err != nil {
				s.logger.Debug("failed to send raft messages", zap.Int("count", len(batch)), zap.Error(err))
				s.closeStream()
				s.t.reportUnreachable(batch)
			}
		case <-s.done:
			return
		}
	}
}

func (s *storeSender) send(batch []*api.RaftMessage) error {
	if s.stream == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	for _, m := range batch {
		if err := s.stream.Send(m); err != nil {
			return errors.Wrapf(err, "send to store %d", s.storeID)
		}
	}
	return nil
}

func (s *storeSender) connect() error {
	dialCtx, cancelDial := context.WithTimeout(context.Background(), s.t.opts.DialTimeout)
	defer cancelDial()
	conn, err := s.t.dial(dialCtx, s.storeID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := api.NewRaftTransportClient(conn).Raft(ctx)
	if err != nil {
		cancel()
		_ = conn.Close()
		return errors.Wrapf(err, "open raft stream to store %d", s.storeID)
	}
	s.conn, s.stream, s.cancel = conn, stream, cancel
	return nil
}

func (s *storeSender) closeStream() {
	if s.stream == nil {
		return
	}
	_, _ = s.stream.CloseAndRecv()
	s.cancel()
	_ = s.conn.Close()
	s.conn, s.stream, s.cancel = nil, nil, nil
}

// sendSnapshot streams the snapshot files announced by msg. The outcome is
// reported to the sending peer.
func (t *GRPCTransport) sendSnapshot(msg *api.RaftMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("raft: transport closed")
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.snapSem <- struct{}{}
		defer func() { <-t.snapSem }()

		status := etcdraft.SnapshotFinish
		start := time.Now()
		if err := t.streamSnapshot(msg); err != nil {
			status = etcdraft.SnapshotFailure
			t.logger.Warn("failed to send snapshot",
				zap.Uint64("region", msg.RegionID), zap.Uint64("toStore", msg.ToPeer.StoreID), zap.Error(err))
		} else {
			t.logger.Info("snapshot sent",
				zap.Uint64("region", msg.RegionID), zap.Uint64("toStore", msg.ToPeer.StoreID),
				zap.Duration("takes", time.Since(start)))
		}
		t.router.ReportSnapshotStatus(msg.RegionID, msg.ToPeer.ID, status)
	}()
	return nil
}

func (t *GRPCTransport) streamSnapshot(msg *api.RaftMessage) error {
	mgr := t.router.SnapManager()
	key := snap.SnapKeyFromRegionSnap(msg.RegionID, msg.Message.Snapshot)
	mgr.Register(key, snap.SnapEntrySending)
	defer mgr.Deregister(key, snap.SnapEntrySending)

	s, err := mgr.GetSnapshotForSending(key)
	if err != nil {
		return err
	}
	defer s.Close()
	if !s.Exists() {
		return errors.Wrapf(snap.ErrSnapshotMissing, "%s", s.Path())
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	conn, err := t.dial(dialCtx, msg.ToPeer.StoreID)
	cancelDial()
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := api.NewRaftTransportClient(conn).Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := stream.Send(&api.SnapshotChunk{Message: msg}); err != nil {
		return err
	}
	buf := make([]byte, t.opts.SnapChunkSize)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := stream.Send(&api.SnapshotChunk{Data: chunk}); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	_, err = stream.CloseAndRecv()
	return err
}
