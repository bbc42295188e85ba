package raftstore

import (
	"sync"
	"sync/atomic"
)

const (
	fsmIdle int32 = iota
	fsmNotified
	fsmClosed
)

// fsm is a state machine driven by pollers through its mailbox.
type fsm interface {
	mailbox() *mailbox
	isStopped() bool
	isControl() bool
}

// mailbox is a loosely bounded queue of messages for one fsm. The fsm is
// handed to the scheduler whenever the mailbox goes from idle to notified,
// so every fsm is owned by at most one poller at a time.
type mailbox struct {
	mu       sync.Mutex
	queue    []Msg
	capacity int

	state atomic.Int32
	owner fsm
	sched *scheduler
}

func newMailbox(owner fsm, capacity int, sched *scheduler) *mailbox {
	return &mailbox{owner: owner, capacity: capacity, sched: sched}
}

func (mb *mailbox) isClosed() bool { return mb.state.Load() == fsmClosed }

// send enqueues msg. Unless force is set a full mailbox rejects it.
func (mb *mailbox) send(msg Msg, force bool) error {
	if mb.isClosed() {
		return ErrRegionNotFound
	}
	mb.mu.Lock()
	if !force && len(mb.queue) >= mb.capacity {
		mb.mu.Unlock()
		return ErrMailboxFull
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
	mb.notify()
	return nil
}

func (mb *mailbox) notify() {
	if mb.state.CompareAndSwap(fsmIdle, fsmNotified) {
		mb.sched.schedule(mb.owner)
	}
}

// recv drains up to max messages into buf.
func (mb *mailbox) recv(buf []Msg, max int) []Msg {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	n := min(max, len(mb.queue))
	buf = append(buf, mb.queue[:n]...)
	clear(mb.queue[:n])
	mb.queue = mb.queue[n:]
	if len(mb.queue) == 0 {
		mb.queue = nil
	}
	return buf
}

func (mb *mailbox) len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// release hands the fsm back to its mailbox. It reports false when messages
// arrived in the meantime and the caller keeps ownership.
func (mb *mailbox) release() bool {
	if !mb.state.CompareAndSwap(fsmNotified, fsmIdle) {
		return true
	}
	if mb.len() > 0 && mb.state.CompareAndSwap(fsmIdle, fsmNotified) {
		return false
	}
	return true
}

// close rejects further messages and drops the queued ones.
func (mb *mailbox) close() {
	mb.state.Store(fsmClosed)
	mb.mu.Lock()
	mb.queue = nil
	mb.mu.Unlock()
}

// scheduler is the unbounded run queue shared by all pollers.
type scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []fsm
	closed bool
}

func newScheduler() *scheduler {
	s := &scheduler{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scheduler) schedule(f fsm) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	s.cond.Signal()
}

// fetch appends up to max scheduled fsms to batch. With block set it waits
// for at least one. It reports false once the scheduler is closed.
func (s *scheduler) fetch(batch []fsm, max int, block bool) ([]fsm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for block && len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return batch, false
	}
	n := min(max, len(s.queue))
	batch = append(batch, s.queue[:n]...)
	clear(s.queue[:n])
	s.queue = s.queue[n:]
	return batch, true
}

func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}
