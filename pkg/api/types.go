// Package api defines the messages exchanged between stores: raft traffic,
// snapshot announcements and snapshot data chunks.
package api

import (
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxkv/internal/region"
)

// SnapshotVersion is the on-disk and wire format version of region snapshots.
const SnapshotVersion uint64 = 2

// RaftMessage carries one raft message for one region between stores.
type RaftMessage struct {
	RegionID    uint64         `json:"regionId"`
	FromPeer    region.Peer    `json:"fromPeer"`
	ToPeer      region.Peer    `json:"toPeer"`
	Message     raftpb.Message `json:"message"`
	RegionEpoch region.Epoch   `json:"regionEpoch"`
	// IsTombstone asks the receiver to destroy the addressed peer.
	IsTombstone bool `json:"isTombstone,omitempty"`
	// StartKey and EndKey describe the sender's region range, used to create
	// uninitialized peers on the receiver.
	StartKey []byte `json:"startKey,omitempty"`
	EndKey   []byte `json:"endKey,omitempty"`
	// MergeTarget is set when the receiver must be destroyed in favour of the
	// region that absorbed it.
	MergeTarget *region.Region `json:"mergeTarget,omitempty"`
}

// SnapshotCFFile describes one column family file inside a snapshot.
type SnapshotCFFile struct {
	CF       string `json:"cf"`
	Size     uint64 `json:"size"`
	Checksum uint32 `json:"checksum"`
}

// SnapshotMeta lists the column family files of a snapshot in wire order.
type SnapshotMeta struct {
	CFFiles []SnapshotCFFile `json:"cfFiles"`
}

// RaftSnapshotData is carried in raftpb.Snapshot.Data and announces the
// files that follow on the snapshot stream.
type RaftSnapshotData struct {
	Region   *region.Region `json:"region"`
	FileSize uint64         `json:"fileSize"`
	Version  uint64         `json:"version"`
	Meta     SnapshotMeta   `json:"meta"`
}

// SnapshotChunk is one frame of a snapshot stream. The first frame carries
// Message, every following frame carries Data.
type SnapshotChunk struct {
	Message *RaftMessage `json:"message,omitempty"`
	Data    []byte       `json:"data,omitempty"`
}

// Done acknowledges a finished client stream.
type Done struct{}
