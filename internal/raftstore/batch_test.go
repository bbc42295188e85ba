package raftstore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testFsm struct {
	mb      *mailbox
	control bool
	stopped atomic.Bool
}

func (f *testFsm) mailbox() *mailbox { return f.mb }

func (f *testFsm) isStopped() bool { return f.stopped.Load() }

func (f *testFsm) isControl() bool { return f.control }

// countingHandler drains one message per fsm per round.
type countingHandler struct {
	mu      sync.Mutex
	handled map[*testFsm]int
	rounds  int
}

func (h *countingHandler) begin(int) {
	h.mu.Lock()
	h.rounds++
	h.mu.Unlock()
}

func (h *countingHandler) handle(f fsm) int {
	tf := f.(*testFsm)
	msgs := tf.mb.recv(nil, 1)
	h.mu.Lock()
	h.handled[tf] += len(msgs)
	h.mu.Unlock()
	return tf.mb.len()
}

func (h *countingHandler) handleControl(f fsm) int { return h.handle(f) }

func (h *countingHandler) handleNormal(f fsm) int { return h.handle(f) }

func (h *countingHandler) end([]fsm) {}

func (h *countingHandler) pause() {}

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.handled {
		n += c
	}
	return n
}

func newTestSystem(capacity int) (*batchSystem, *testFsm) {
	control := &testFsm{control: true}
	sys := newBatchSystem("test", control, capacity, zap.NewNop())
	control.mb = sys.router.control
	return sys, control
}

func addTestFsm(sys *batchSystem, regionID uint64) *testFsm {
	f := &testFsm{}
	f.mb = sys.router.newNormalMailbox(f)
	sys.router.register(regionID, f.mb)
	return f
}

func TestMailboxBackPressure(t *testing.T) {
	sys, _ := newTestSystem(2)
	addTestFsm(sys, 1)

	require.NoError(t, sys.router.send(1, NewPeerMsg(MsgTypeTick, 1, nil)))
	require.NoError(t, sys.router.send(1, NewPeerMsg(MsgTypeTick, 1, nil)))
	require.ErrorIs(t, sys.router.send(1, NewPeerMsg(MsgTypeTick, 1, nil)), ErrMailboxFull)
	require.NoError(t, sys.router.forceSend(1, NewPeerMsg(MsgTypeTick, 1, nil)))

	mb, ok := sys.router.mailbox(1)
	require.True(t, ok)
	assert.Equal(t, 3, mb.len())

	require.ErrorIs(t, sys.router.send(2, NewPeerMsg(MsgTypeTick, 2, nil)), ErrRegionNotFound)
}

func TestRouterCloseOnlyRemovesOwnMailbox(t *testing.T) {
	sys, _ := newTestSystem(4)
	old := addTestFsm(sys, 1)
	fresh := addTestFsm(sys, 1)
	assert.True(t, old.mb.isClosed(), "replaced mailbox is closed")

	sys.router.close(1, old.mb)
	require.True(t, sys.router.has(1))
	sys.router.close(1, fresh.mb)
	assert.False(t, sys.router.has(1))
	assert.ErrorIs(t, fresh.mb.send(NewPeerMsg(MsgTypeTick, 1, nil), true), ErrRegionNotFound)
}

func TestPollerRespectsMaxBatchSize(t *testing.T) {
	sys, control := newTestSystem(16)
	var fsms []*testFsm
	for id := uint64(1); id <= 5; id++ {
		f := addTestFsm(sys, id)
		fsms = append(fsms, f)
		for i := 0; i < 3; i++ {
			require.NoError(t, sys.router.send(id, NewPeerMsg(MsgTypeTick, id, nil)))
		}
	}
	require.NoError(t, sys.router.sendControl(NewStoreMsg(MsgTypeStart, nil)))

	h := &countingHandler{handled: make(map[*testFsm]int)}
	var maxBatch atomic.Int64
	sys.spawn(1, 2, func() pollHandler { return h }, func(n int) {
		for {
			cur := maxBatch.Load()
			if int64(n) <= cur || maxBatch.CompareAndSwap(cur, int64(n)) {
				return
			}
		}
	})
	defer sys.shutdown()

	require.Eventually(t, func() bool { return h.total() == 16 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, maxBatch.Load(), int64(2))
	h.mu.Lock()
	for _, f := range fsms {
		assert.Equal(t, 3, h.handled[f])
	}
	assert.Equal(t, 1, h.handled[control])
	h.mu.Unlock()
}

func TestPollerClosesStoppedFsm(t *testing.T) {
	sys, _ := newTestSystem(16)
	f := addTestFsm(sys, 1)
	f.stopped.Store(true)
	require.NoError(t, sys.router.send(1, NewPeerMsg(MsgTypeTick, 1, nil)))

	h := &countingHandler{handled: make(map[*testFsm]int)}
	sys.spawn(1, 4, func() pollHandler { return h }, nil)
	defer sys.shutdown()

	require.Eventually(t, f.mb.isClosed, 5*time.Second, 10*time.Millisecond)
}

type recordingTask struct {
	id int
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []int
	gate chan struct{}
}

func (h *recordingHandler) handle(task recordingTask) {
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	h.seen = append(h.seen, task.id)
	h.mu.Unlock()
}

func TestWorkerQueueIsBounded(t *testing.T) {
	w := newWorker[recordingTask]("test", 2, zap.NewNop())
	h := &recordingHandler{gate: make(chan struct{})}
	w.start(h)

	// The first task blocks the goroutine, two more fill the queue.
	require.NoError(t, w.schedule(recordingTask{id: 1}))
	require.Eventually(t, func() bool { return len(w.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.schedule(recordingTask{id: 2}))
	require.NoError(t, w.schedule(recordingTask{id: 3}))
	require.ErrorIs(t, w.schedule(recordingTask{id: 4}), ErrWorkerBusy)

	close(h.gate)
	w.stop()
	assert.Equal(t, []int{1, 2, 3}, h.seen)
	assert.ErrorIs(t, w.schedule(recordingTask{id: 5}), ErrWorkerStopped)
}
