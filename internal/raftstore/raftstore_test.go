package raftstore

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxkv/internal/engine"
	"nyxkv/internal/observability/metrics"
	"nyxkv/internal/raftstore/meta"
	"nyxkv/internal/raftstore/snap"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

type memNetwork struct {
	mu     sync.Mutex
	stores map[uint64]*RaftStore
}

func newMemNetwork() *memNetwork {
	return &memNetwork{stores: make(map[uint64]*RaftStore)}
}

// join returns the transport used by s.
func (n *memNetwork) join(s *RaftStore) *memTransport {
	n.mu.Lock()
	n.stores[s.StoreID()] = s
	n.mu.Unlock()
	return &memTransport{net: n, from: s}
}

// memTransport routes messages between stores of one process. Snapshot
// files are copied from the sender's manager before the message is handed
// to the receiver.
type memTransport struct {
	net  *memNetwork
	from *RaftStore
}

func (t *memTransport) Send(msg *api.RaftMessage) error {
	t.net.mu.Lock()
	to, ok := t.net.stores[msg.ToPeer.StoreID]
	t.net.mu.Unlock()
	if !ok {
		t.from.ReportUnreachable(msg.RegionID, msg.ToPeer.ID)
		return fmt.Errorf("store %d is unreachable", msg.ToPeer.StoreID)
	}
	if msg.Message.Type == raftpb.MsgSnap {
		err := copySnapshot(t.from.SnapManager(), to.SnapManager(), msg)
		status := raft.SnapshotFinish
		if err != nil {
			status = raft.SnapshotFailure
		}
		defer t.from.ReportSnapshotStatus(msg.RegionID, msg.ToPeer.ID, status)
		if err != nil {
			return err
		}
	}
	return to.SendRaftMessage(msg)
}

func (t *memTransport) Flush() {}

func copySnapshot(from, to *snap.SnapManager, msg *api.RaftMessage) error {
	data, err := snap.DecodeSnapshotData(msg.Message.Snapshot.Data)
	if err != nil {
		return err
	}
	key := snap.SnapKeyFromRegionSnap(msg.RegionID, msg.Message.Snapshot)
	src, err := from.GetSnapshotForSending(key)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := to.GetSnapshotForReceiving(key, data.Meta)
	if err != nil {
		return err
	}
	defer dst.Close()
	if dst.Exists() {
		return nil
	}
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Save()
}

type testStore struct {
	*RaftStore
	engines *engine.Engines
	snapDir string
}

func newTestStore(t *testing.T, storeID uint64, engines *engine.Engines, snapDir string) *testStore {
	t.Helper()
	s, err := NewRaftStore(Options{
		Config:  NewTestConfig(),
		StoreID: storeID,
		Engines: engines,
		SnapMgr: snap.NewSnapManager(snapDir, snap.Options{}),
		Metrics: metrics.NewStoreCollector(prometheus.NewRegistry(), ""),
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return &testStore{RaftStore: s, engines: engines, snapDir: snapDir}
}

func header(r *region.Region) RaftRequestHeader {
	return RaftRequestHeader{RegionID: r.ID, Peer: r.Peers[0], RegionEpoch: r.Epoch}
}

// mustCommand retries req until a leader accepts and applies it.
func mustCommand(t *testing.T, s *RaftStore, build func() *RaftCmdRequest) *RaftCmdResponse {
	t.Helper()
	var resp *RaftCmdResponse
	require.Eventually(t, func() bool {
		cb, ch := NewCallbackChan()
		if err := s.SendCommand(build(), cb); err != nil {
			return false
		}
		select {
		case resp = <-ch:
			return resp.Err == nil
		case <-time.After(time.Second):
			return false
		}
	}, 10*time.Second, 20*time.Millisecond)
	return resp
}

func putReq(r *region.Region, key, value string) func() *RaftCmdRequest {
	return func() *RaftCmdRequest {
		return &RaftCmdRequest{
			Header:   header(r),
			Requests: []Request{{Type: CmdPut, CF: engine.CFDefault, Key: []byte(key), Value: []byte(value)}},
		}
	}
}

func getReq(r *region.Region, key string) func() *RaftCmdRequest {
	return func() *RaftCmdRequest {
		return &RaftCmdRequest{
			Header:   header(r),
			Requests: []Request{{Type: CmdGet, CF: engine.CFDefault, Key: []byte(key)}},
		}
	}
}

func TestRaftStoreSingleRegionLifecycle(t *testing.T) {
	engines := openTestEngines(t)
	r := newRegion(1, "", "")
	bootstrapRegion(t, engines, 1, r)
	snapDir := filepath.Join(t.TempDir(), "snap")
	s := newTestStore(t, 1, engines, snapDir)
	require.NoError(t, s.Start(newMemNetwork().join(s.RaftStore)))

	mustCommand(t, s.RaftStore, putReq(r, "a", "1"))
	resp := mustCommand(t, s.RaftStore, getReq(r, "a"))
	require.Len(t, resp.Responses, 1)
	assert.Equal(t, []byte("1"), resp.Responses[0].Value)

	resp = mustCommand(t, s.RaftStore, func() *RaftCmdRequest {
		return &RaftCmdRequest{
			Header: header(r),
			AdminRequest: &AdminRequest{
				Type:  AdminSplit,
				Split: &SplitRequest{SplitKey: []byte("m"), NewRegionID: 2, NewPeerIDs: []uint64{2}},
			},
		}
	})
	require.Len(t, resp.Regions, 2)
	require.Eventually(t, func() bool { return s.RegionCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	left := newRegion(1, "", "m")
	left.Epoch.Version = 2
	right := &region.Region{
		ID:    2,
		Range: region.KeyRange{Start: []byte("m")},
		Epoch: region.Epoch{Version: 2, ConfVersion: 1},
		Peers: []region.Peer{{ID: 2, StoreID: 1}},
	}

	// The old epoch is rejected once the split is applied.
	cb, ch := NewCallbackChan()
	require.NoError(t, s.SendCommand(putReq(r, "b", "2")(), cb))
	assert.Error(t, (<-ch).Err)

	mustCommand(t, s.RaftStore, putReq(right, "x", "9"))
	for i := 0; i < 40; i++ {
		mustCommand(t, s.RaftStore, putReq(left, fmt.Sprintf("k%02d", i), "v"))
	}
	require.Eventually(t, func() bool {
		state, err := meta.GetApplyState(engines.Kv, 1)
		return err == nil && state.TruncatedState.Index > meta.RaftInitLogIndex
	}, 10*time.Second, 20*time.Millisecond, "raft log gc truncates the log")

	s.Stop()

	restarted := newTestStore(t, 1, engines, snapDir)
	require.NoError(t, restarted.Start(newMemNetwork().join(restarted.RaftStore)))
	defer restarted.Stop()
	assert.Equal(t, 2, restarted.RegionCount())
	resp = mustCommand(t, restarted.RaftStore, getReq(right, "x"))
	assert.Equal(t, []byte("9"), resp.Responses[0].Value)
	resp = mustCommand(t, restarted.RaftStore, getReq(left, "k39"))
	assert.Equal(t, []byte("v"), resp.Responses[0].Value)
}

func TestRaftStoreReplicatesBySnapshot(t *testing.T) {
	net := newMemNetwork()

	leaderEngines := openTestEngines(t)
	r := newRegion(1, "", "")
	bootstrapRegion(t, leaderEngines, 1, r)
	leader := newTestStore(t, 1, leaderEngines, filepath.Join(t.TempDir(), "snap1"))
	require.NoError(t, leader.Start(net.join(leader.RaftStore)))
	defer leader.Stop()

	followerEngines := openTestEngines(t)
	bootstrapRegion(t, followerEngines, 2, nil)
	follower := newTestStore(t, 2, followerEngines, filepath.Join(t.TempDir(), "snap2"))
	require.NoError(t, follower.Start(net.join(follower.RaftStore)))
	defer follower.Stop()

	for i := 0; i < 10; i++ {
		mustCommand(t, leader.RaftStore, putReq(r, fmt.Sprintf("key%d", i), "value"))
	}
	mustCommand(t, leader.RaftStore, func() *RaftCmdRequest {
		return &RaftCmdRequest{
			Header: header(r),
			AdminRequest: &AdminRequest{
				Type: AdminChangePeer,
				ChangePeer: &ChangePeerRequest{
					ChangeType: raftpb.ConfChangeAddNode,
					Peer:       region.Peer{ID: 2, StoreID: 2},
				},
			},
		}
	})

	// The new peer starts empty and catches up through a snapshot.
	require.Eventually(t, func() bool {
		v, err := followerEngines.Kv.GetCF(engine.CFDefault, []byte("key9"))
		return err == nil && string(v) == "value"
	}, 15*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		state, err := meta.GetRegionLocalState(followerEngines.Kv, 1)
		return err == nil && state != nil && state.State == meta.PeerStateNormal && len(state.Region.Peers) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, follower.RegionCount())

	// Later writes arrive through the log.
	r2 := r.Clone()
	r2.Epoch.ConfVersion = 2
	mustCommand(t, leader.RaftStore, putReq(r2, "later", "yes"))
	require.Eventually(t, func() bool {
		v, err := followerEngines.Kv.GetCF(engine.CFDefault, []byte("later"))
		return err == nil && string(v) == "yes"
	}, 10*time.Second, 20*time.Millisecond)
}
