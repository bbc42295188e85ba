package raft

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"

	"nyxkv/internal/engine"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

type staticResolver map[uint64]string

func (r staticResolver) Resolve(storeID uint64) (string, error) {
	addr, ok := r[storeID]
	if !ok {
		return "", ErrStoreAddressUnknown
	}
	return addr, nil
}

type unreachable struct{ region, peer uint64 }

// recordingRouter plays the local store.
type recordingRouter struct {
	mgr *snap.SnapManager

	mu          sync.Mutex
	msgs        []*api.RaftMessage
	unreachable []unreachable
	snapStatus  []etcdraft.SnapshotStatus
}

func newRecordingRouter(t *testing.T) *recordingRouter {
	mgr := snap.NewSnapManager(filepath.Join(t.TempDir(), "snap"), snap.Options{})
	require.NoError(t, mgr.Init())
	return &recordingRouter{mgr: mgr}
}

func (r *recordingRouter) SendRaftMessage(msg *api.RaftMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingRouter) ReportSnapshotStatus(_, _ uint64, status etcdraft.SnapshotStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapStatus = append(r.snapStatus, status)
}

func (r *recordingRouter) ReportUnreachable(regionID, toPeerID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = append(r.unreachable, unreachable{regionID, toPeerID})
}

func (r *recordingRouter) SnapManager() *snap.SnapManager { return r.mgr }

func (r *recordingRouter) received() []*api.RaftMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*api.RaftMessage(nil), r.msgs...)
}

func startServer(t *testing.T, router RaftRouter) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	RegisterGRPCTransportServer(server, router, nil)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	return lis.Addr().String()
}

func appendMsg(regionID, index uint64) *api.RaftMessage {
	return &api.RaftMessage{
		RegionID: regionID,
		FromPeer: region.Peer{ID: 1, StoreID: 1},
		ToPeer:   region.Peer{ID: 2, StoreID: 2},
		Message:  raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2, Index: index},
	}
}

func TestGRPCTransportDeliversInOrder(t *testing.T) {
	remote := newRecordingRouter(t)
	addr := startServer(t, remote)

	local := newRecordingRouter(t)
	trans := NewGRPCTransport(staticResolver{2: addr}, local, Options{})
	defer trans.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, trans.Send(appendMsg(1, i)))
	}
	assert.Empty(t, remote.received(), "nothing leaves before Flush")
	trans.Flush()
	require.NoError(t, trans.Send(appendMsg(1, 4)))
	trans.Flush()

	require.Eventually(t, func() bool { return len(remote.received()) == 4 }, 5*time.Second, 10*time.Millisecond)
	for i, m := range remote.received() {
		assert.Equal(t, uint64(i+1), m.Message.Index)
		assert.Equal(t, raftpb.MsgApp, m.Message.Type)
	}
	assert.Empty(t, local.unreachable)
}

func TestGRPCTransportReportsUnknownStore(t *testing.T) {
	local := newRecordingRouter(t)
	trans := NewGRPCTransport(staticResolver{}, local, Options{})
	defer trans.Close()

	require.NoError(t, trans.Send(appendMsg(1, 1)))
	require.NoError(t, trans.Send(appendMsg(1, 2)))
	require.NoError(t, trans.Send(appendMsg(3, 1)))
	trans.Flush()

	require.Eventually(t, func() bool {
		local.mu.Lock()
		defer local.mu.Unlock()
		return len(local.unreachable) == 2
	}, 5*time.Second, 10*time.Millisecond)
	local.mu.Lock()
	assert.ElementsMatch(t, []unreachable{{1, 2}, {3, 2}}, local.unreachable)
	local.mu.Unlock()
}

func TestGRPCTransportStreamsSnapshot(t *testing.T) {
	remote := newRecordingRouter(t)
	addr := startServer(t, remote)
	local := newRecordingRouter(t)

	kv, err := engine.Open(engine.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	defer kv.Close()
	require.NoError(t, kv.PutCF(engine.CFDefault, []byte("b"), []byte("value")))
	require.NoError(t, kv.PutCF(engine.CFLock, []byte("c"), []byte("lock")))

	r := &region.Region{
		ID:    1,
		Range: region.KeyRange{Start: []byte("a"), End: []byte("z")},
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 1, StoreID: 1}, {ID: 2, StoreID: 2}},
	}
	key := snap.SnapKey{RegionID: 1, Term: 6, Index: 10}
	s, err := local.mgr.GetSnapshotForBuilding(key)
	require.NoError(t, err)
	kvSnap := kv.NewSnapshot()
	data := new(api.RaftSnapshotData)
	require.NoError(t, s.Build(context.Background(), kv, kvSnap, r, data, new(snap.SnapStatistics)))
	kvSnap.Close()
	s.Close()
	encoded, err := snap.EncodeSnapshotData(data)
	require.NoError(t, err)

	trans := NewGRPCTransport(staticResolver{2: addr}, local, Options{SnapChunkSize: 7})
	defer trans.Close()
	msg := appendMsg(1, 0)
	msg.Message = raftpb.Message{
		Type: raftpb.MsgSnap, From: 1, To: 2,
		Snapshot: raftpb.Snapshot{Data: encoded, Metadata: raftpb.SnapshotMetadata{Index: 10, Term: 6}},
	}
	require.NoError(t, trans.Send(msg))

	require.Eventually(t, func() bool {
		local.mu.Lock()
		defer local.mu.Unlock()
		return len(local.snapStatus) == 1
	}, 5*time.Second, 10*time.Millisecond)
	local.mu.Lock()
	assert.Equal(t, etcdraft.SnapshotFinish, local.snapStatus[0])
	local.mu.Unlock()

	got := remote.received()
	require.Len(t, got, 1)
	assert.Equal(t, raftpb.MsgSnap, got[0].Message.Type)
	received, err := remote.mgr.GetSnapshotForApplying(key)
	require.NoError(t, err)
	defer received.Close()
	require.NoError(t, received.Validate())
	assert.Equal(t, s.TotalSize(), received.TotalSize())
	assert.False(t, remote.mgr.HasRegistered(key), "receiving registration is released")
	assert.False(t, local.mgr.HasRegistered(key), "sending registration is released")
}

func TestGRPCTransportReportsMissingSnapshot(t *testing.T) {
	local := newRecordingRouter(t)
	trans := NewGRPCTransport(staticResolver{2: "127.0.0.1:1"}, local, Options{})
	defer trans.Close()

	data, err := snap.EncodeSnapshotData(&api.RaftSnapshotData{Region: &region.Region{ID: 1}})
	require.NoError(t, err)
	msg := appendMsg(1, 0)
	msg.Message = raftpb.Message{
		Type: raftpb.MsgSnap, From: 1, To: 2,
		Snapshot: raftpb.Snapshot{Data: data, Metadata: raftpb.SnapshotMetadata{Index: 10, Term: 6}},
	}
	require.NoError(t, trans.Send(msg))
	require.Eventually(t, func() bool {
		local.mu.Lock()
		defer local.mu.Unlock()
		return len(local.snapStatus) == 1 && local.snapStatus[0] == etcdraft.SnapshotFailure
	}, 5*time.Second, 10*time.Millisecond)
}
