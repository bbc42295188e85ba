package raftstore

import "nyxkv/pkg/api"

// Transport delivers raft messages to other stores. Send may buffer; Flush
// pushes everything buffered so far.
type Transport interface {
	Send(msg *api.RaftMessage) error
	Flush()
}
