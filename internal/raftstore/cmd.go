package raftstore

import (
	"encoding/json"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxkv/internal/region"
)

// CmdType names a data command.
type CmdType int

const (
	CmdPut CmdType = iota + 1
	CmdDelete
	CmdGet
)

// Request is one data command of a RaftCmdRequest.
type Request struct {
	Type  CmdType `json:"type"`
	CF    string  `json:"cf"`
	Key   []byte  `json:"key"`
	Value []byte  `json:"value,omitempty"`
}

// AdminCmdType names an administrative command.
type AdminCmdType int

const (
	AdminSplit AdminCmdType = iota + 1
	AdminCompactLog
	AdminChangePeer
)

// SplitRequest splits a region at SplitKey. The new region covers
// [SplitKey, end) and gets NewPeerIDs in the order of the current peers.
type SplitRequest struct {
	SplitKey    []byte   `json:"splitKey"`
	NewRegionID uint64   `json:"newRegionId"`
	NewPeerIDs  []uint64 `json:"newPeerIds"`
}

// CompactLogRequest truncates the raft log up to CompactIndex.
type CompactLogRequest struct {
	CompactIndex uint64 `json:"compactIndex"`
	CompactTerm  uint64 `json:"compactTerm"`
}

// ChangePeerRequest adds or removes one peer.
type ChangePeerRequest struct {
	ChangeType raftpb.ConfChangeType `json:"changeType"`
	Peer       region.Peer           `json:"peer"`
}

// AdminRequest is an administrative command.
type AdminRequest struct {
	Type       AdminCmdType       `json:"type"`
	Split      *SplitRequest      `json:"split,omitempty"`
	CompactLog *CompactLogRequest `json:"compactLog,omitempty"`
	ChangePeer *ChangePeerRequest `json:"changePeer,omitempty"`
}

// RaftRequestHeader routes a command and guards it with an epoch.
type RaftRequestHeader struct {
	// ProposalID is assigned by the proposing peer to match the applied entry.
	ProposalID  string       `json:"proposalId,omitempty"`
	RegionID    uint64       `json:"regionId"`
	Peer        region.Peer  `json:"peer"`
	RegionEpoch region.Epoch `json:"regionEpoch"`
	Term        uint64       `json:"term,omitempty"`
}

// RaftCmdRequest is the payload of a normal raft log entry.
type RaftCmdRequest struct {
	Header       RaftRequestHeader `json:"header"`
	Requests     []Request         `json:"requests,omitempty"`
	AdminRequest *AdminRequest     `json:"adminRequest,omitempty"`
}

func (r *RaftCmdRequest) Marshal() ([]byte, error) { return json.Marshal(r) }

func (r *RaftCmdRequest) Unmarshal(data []byte) error { return json.Unmarshal(data, r) }

// Response is the result of one data command.
type Response struct {
	Type  CmdType `json:"type"`
	Value []byte  `json:"value,omitempty"`
}

// RaftCmdResponse is delivered to the proposer's callback.
type RaftCmdResponse struct {
	Responses []Response       `json:"responses,omitempty"`
	Regions   []*region.Region `json:"regions,omitempty"`
	Err       error            `json:"-"`
}

// ErrResp wraps err in a response.
func ErrResp(err error) *RaftCmdResponse {
	return &RaftCmdResponse{Err: err}
}

// Callback completes a proposal exactly once.
type Callback func(resp *RaftCmdResponse)

func (cb Callback) invoke(resp *RaftCmdResponse) {
	if cb != nil {
		cb(resp)
	}
}

// NewCallbackChan returns a callback that delivers into a buffered channel.
func NewCallbackChan() (Callback, <-chan *RaftCmdResponse) {
	ch := make(chan *RaftCmdResponse, 1)
	return func(resp *RaftCmdResponse) { ch <- resp }, ch
}
