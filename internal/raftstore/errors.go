package raftstore

import "github.com/cockroachdb/errors"

var (
	ErrRegionNotFound       = errors.New("raftstore: region not found")
	ErrMailboxFull          = errors.New("raftstore: mailbox is full")
	ErrStoreStopped         = errors.New("raftstore: store is stopped")
	ErrEpochNotMatch        = errors.New("raftstore: region epoch not match")
	ErrRegionNotInitialized = errors.New("raftstore: region is not initialized")
	ErrNotLeader            = errors.New("raftstore: peer is not leader")
	ErrStaleCommand         = errors.New("raftstore: stale command")
	ErrKeyNotInRegion       = errors.New("raftstore: key not in region")
	ErrWorkerBusy           = errors.New("raftstore: worker queue is full")
	ErrWorkerStopped        = errors.New("raftstore: worker is stopped")
)
