package raftstore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// router delivers messages to the mailboxes of registered fsms.
type router struct {
	normals  *xsync.MapOf[uint64, *mailbox]
	control  *mailbox
	sched    *scheduler
	capacity int
	shutdown atomic.Bool
}

func newRouter(control fsm, capacity int, sched *scheduler) *router {
	r := &router{
		normals:  xsync.NewMapOf[uint64, *mailbox](),
		sched:    sched,
		capacity: capacity,
	}
	r.control = newMailbox(control, capacity, sched)
	return r
}

// newNormalMailbox builds the mailbox of a peer fsm. The fsm must hold it
// before register makes it reachable.
func (r *router) newNormalMailbox(f fsm) *mailbox {
	return newMailbox(f, r.capacity, r.sched)
}

// register publishes mb for regionID, replacing and closing any previous one.
func (r *router) register(regionID uint64, mb *mailbox) {
	if old, loaded := r.normals.LoadAndStore(regionID, mb); loaded && old != mb {
		old.close()
	}
}

func (r *router) mailbox(regionID uint64) (*mailbox, bool) {
	return r.normals.Load(regionID)
}

func (r *router) has(regionID uint64) bool {
	_, ok := r.normals.Load(regionID)
	return ok
}

// send delivers msg to regionID, failing on a full mailbox.
func (r *router) send(regionID uint64, msg Msg) error {
	return r.deliver(regionID, msg, false)
}

// forceSend delivers msg to regionID ignoring the mailbox capacity.
func (r *router) forceSend(regionID uint64, msg Msg) error {
	return r.deliver(regionID, msg, true)
}

func (r *router) deliver(regionID uint64, msg Msg, force bool) error {
	if r.shutdown.Load() {
		return ErrStoreStopped
	}
	mb, ok := r.normals.Load(regionID)
	if !ok {
		return ErrRegionNotFound
	}
	return mb.send(msg, force)
}

// sendControl delivers msg to the store fsm.
func (r *router) sendControl(msg Msg) error {
	if r.shutdown.Load() {
		return ErrStoreStopped
	}
	return r.control.send(msg, true)
}

// broadcastNormal force sends the message built by mk to every peer.
func (r *router) broadcastNormal(mk func(regionID uint64) Msg) {
	r.normals.Range(func(id uint64, mb *mailbox) bool {
		_ = mb.send(mk(id), true)
		return true
	})
}

// close unregisters regionID when mb is still its mailbox.
func (r *router) close(regionID uint64, mb *mailbox) {
	r.normals.Compute(regionID, func(cur *mailbox, loaded bool) (*mailbox, bool) {
		return cur, !loaded || cur == mb
	})
	mb.close()
}

func (r *router) regionCount() int { return r.normals.Size() }

func (r *router) stop() {
	r.shutdown.Store(true)
}
