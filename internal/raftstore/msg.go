package raftstore

import (
	"go.etcd.io/etcd/raft/v3"

	"nyxkv/internal/raftstore/snap"
	"nyxkv/pkg/api"
)

// MsgType identifies the payload of a Msg.
type MsgType int

const (
	// MsgTypeRaftMessage carries an *api.RaftMessage.
	MsgTypeRaftMessage MsgType = iota + 1
	// MsgTypeRaftCmd carries a *MsgRaftCmd.
	MsgTypeRaftCmd
	// MsgTypeTick drives the raft clock of a peer.
	MsgTypeTick
	// MsgTypeStoreTick carries a StoreTick.
	MsgTypeStoreTick
	// MsgTypeStart asks the store FSM to start its ticks.
	MsgTypeStart
	// MsgTypeSignificantMsg carries a *SignificantMsg.
	MsgTypeSignificantMsg
	// MsgTypeGCSnap carries a *MsgGCSnap.
	MsgTypeGCSnap
	// MsgTypeSnapApplyResult carries a *MsgSnapApplyResult.
	MsgTypeSnapApplyResult
	// MsgTypeDestroy asks a peer to destroy itself.
	MsgTypeDestroy
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRaftMessage:
		return "RaftMessage"
	case MsgTypeRaftCmd:
		return "RaftCmd"
	case MsgTypeTick:
		return "Tick"
	case MsgTypeStoreTick:
		return "StoreTick"
	case MsgTypeStart:
		return "Start"
	case MsgTypeSignificantMsg:
		return "SignificantMsg"
	case MsgTypeGCSnap:
		return "GCSnap"
	case MsgTypeSnapApplyResult:
		return "SnapApplyResult"
	case MsgTypeDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// Msg is the unit delivered through mailboxes.
type Msg struct {
	Type     MsgType
	RegionID uint64
	Data     any
}

// NewPeerMsg builds a Msg addressed to a region.
func NewPeerMsg(tp MsgType, regionID uint64, data any) Msg {
	return Msg{Type: tp, RegionID: regionID, Data: data}
}

// NewStoreMsg builds a Msg for the store FSM.
func NewStoreMsg(tp MsgType, data any) Msg {
	return Msg{Type: tp, Data: data}
}

// StoreTick names a periodic store level task.
type StoreTick int

const (
	StoreTickSnapGC StoreTick = iota + 1
	StoreTickCompactCheck
	StoreTickHeartbeat
)

func (t StoreTick) String() string {
	switch t {
	case StoreTickSnapGC:
		return "SnapGC"
	case StoreTickCompactCheck:
		return "CompactCheck"
	case StoreTickHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// MsgRaftCmd carries a proposal and the callback completing it.
type MsgRaftCmd struct {
	Request  *RaftCmdRequest
	Callback Callback
}

// SignificantMsgType distinguishes transport feedback.
type SignificantMsgType int

const (
	SignificantMsgSnapshotStatus SignificantMsgType = iota + 1
	SignificantMsgUnreachable
)

// SignificantMsg reports transport feedback that raft must see.
type SignificantMsg struct {
	Type           SignificantMsgType
	ToPeerID       uint64
	SnapshotStatus raft.SnapshotStatus
}

// MsgGCSnap lists idle snapshots of one region for the peer to judge.
type MsgGCSnap struct {
	Snaps []snap.SnapKeyWithSending
}

// MsgSnapApplyResult reports the outcome of a region worker apply task.
type MsgSnapApplyResult struct {
	Status uint32
	Err    error
}

// raftMessage extracts the raft message carried by a MsgTypeRaftMessage.
func raftMessage(m Msg) *api.RaftMessage {
	return m.Data.(*api.RaftMessage)
}
