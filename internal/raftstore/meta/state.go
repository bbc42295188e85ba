package meta

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"
)

const (
	// RaftInitLogTerm and RaftInitLogIndex are the log position every
	// bootstrapped or split-created region starts from.
	RaftInitLogTerm  uint64 = 5
	RaftInitLogIndex uint64 = 5
)

// PeerState is the persisted lifecycle of a peer on this store.
type PeerState int

const (
	PeerStateNormal PeerState = iota
	PeerStateApplying
	PeerStateTombstone
	PeerStateMerging
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNormal:
		return "Normal"
	case PeerStateApplying:
		return "Applying"
	case PeerStateTombstone:
		return "Tombstone"
	case PeerStateMerging:
		return "Merging"
	default:
		return "Unknown"
	}
}

// MergeState records an in-flight merge of this region into Target.
type MergeState struct {
	MinIndex uint64         `json:"minIndex"`
	Commit   uint64         `json:"commit"`
	Target   *region.Region `json:"target"`
}

// RegionLocalState is the kv-engine record describing a region on this store.
type RegionLocalState struct {
	State      PeerState      `json:"state"`
	Region     *region.Region `json:"region"`
	MergeState *MergeState    `json:"mergeState,omitempty"`
}

func (s *RegionLocalState) Marshal() ([]byte, error) { return json.Marshal(s) }

func (s *RegionLocalState) Unmarshal(data []byte) error { return json.Unmarshal(data, s) }

// RaftTruncatedState is the last log position removed by log GC.
type RaftTruncatedState struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// RaftApplyState tracks apply progress, stored in the kv engine so that it is
// committed atomically with the applied data.
type RaftApplyState struct {
	AppliedIndex     uint64             `json:"appliedIndex"`
	AppliedIndexTerm uint64             `json:"appliedIndexTerm"`
	TruncatedState   RaftTruncatedState `json:"truncatedState"`
}

func (s *RaftApplyState) Marshal() ([]byte, error) { return json.Marshal(s) }

func (s *RaftApplyState) Unmarshal(data []byte) error { return json.Unmarshal(data, s) }

// RaftLocalState is the persisted raft hard state plus the log tail position.
type RaftLocalState struct {
	HardState raftpb.HardState
	LastIndex uint64
	LastTerm  uint64
}

type raftLocalStateJSON struct {
	HardState []byte `json:"hardState"`
	LastIndex uint64 `json:"lastIndex"`
	LastTerm  uint64 `json:"lastTerm"`
}

func (s *RaftLocalState) Marshal() ([]byte, error) {
	hs, err := proto.Marshal(&s.HardState)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raftLocalStateJSON{HardState: hs, LastIndex: s.LastIndex, LastTerm: s.LastTerm})
}

func (s *RaftLocalState) Unmarshal(data []byte) error {
	var raw raftLocalStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.HardState = raftpb.HardState{}
	if err := proto.Unmarshal(raw.HardState, &s.HardState); err != nil {
		return err
	}
	s.LastIndex, s.LastTerm = raw.LastIndex, raw.LastTerm
	return nil
}

// StoreIdent binds a data directory to a cluster and store id.
type StoreIdent struct {
	ClusterID uint64 `json:"clusterId"`
	StoreID   uint64 `json:"storeId"`
}

func (s *StoreIdent) Marshal() ([]byte, error) { return json.Marshal(s) }

func (s *StoreIdent) Unmarshal(data []byte) error { return json.Unmarshal(data, s) }

// EncodeEntry serialises a raft log entry for the raft engine.
func EncodeEntry(e *raftpb.Entry) ([]byte, error) {
	return proto.Marshal(e)
}

// DecodeEntry parses a raft log entry.
func DecodeEntry(data []byte) (raftpb.Entry, error) {
	var e raftpb.Entry
	err := proto.Unmarshal(data, &e)
	return e, err
}

// GetRegionLocalState loads the region state. A missing record returns (nil, nil).
func GetRegionLocalState(r engine.Reader, regionID uint64) (*RegionLocalState, error) {
	state := new(RegionLocalState)
	err := r.GetMsgCF(engine.CFRaft, RegionStateKey(regionID), state)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetApplyState loads the apply state of regionID.
func GetApplyState(r engine.Reader, regionID uint64) (*RaftApplyState, error) {
	state := new(RaftApplyState)
	if err := r.GetMsgCF(engine.CFRaft, ApplyStateKey(regionID), state); err != nil {
		return nil, err
	}
	return state, nil
}

// GetRaftLocalState loads the raft state of regionID. A missing record returns (nil, nil).
func GetRaftLocalState(r engine.Reader, regionID uint64) (*RaftLocalState, error) {
	state := new(RaftLocalState)
	err := r.GetMsgCF(engine.CFRaft, RaftStateKey(regionID), state)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// GetRaftEntry loads the log entry at index.
func GetRaftEntry(r engine.Reader, regionID, index uint64) (raftpb.Entry, error) {
	data, err := r.GetCF(engine.CFRaft, RaftLogKey(regionID, index))
	if err != nil {
		return raftpb.Entry{}, err
	}
	return DecodeEntry(data)
}

// WriteRegionState stages a RegionLocalState for r in wb.
func WriteRegionState(wb *engine.WriteBatch, r *region.Region, state PeerState, merge *MergeState) error {
	return wb.PutMsgCF(engine.CFRaft, RegionStateKey(r.ID), &RegionLocalState{
		State:      state,
		Region:     r,
		MergeState: merge,
	})
}

// WriteInitialApplyState stages the apply state of a freshly created region.
func WriteInitialApplyState(wb *engine.WriteBatch, regionID uint64) error {
	return wb.PutMsgCF(engine.CFRaft, ApplyStateKey(regionID), &RaftApplyState{
		AppliedIndex:     RaftInitLogIndex,
		AppliedIndexTerm: RaftInitLogTerm,
		TruncatedState:   RaftTruncatedState{Index: RaftInitLogIndex, Term: RaftInitLogTerm},
	})
}

// WriteInitialRaftState stages the raft state of a freshly created region.
func WriteInitialRaftState(wb *engine.WriteBatch, regionID uint64) error {
	return wb.PutMsgCF(engine.CFRaft, RaftStateKey(regionID), &RaftLocalState{
		HardState: raftpb.HardState{Term: RaftInitLogTerm, Commit: RaftInitLogIndex},
		LastIndex: RaftInitLogIndex,
		LastTerm:  RaftInitLogTerm,
	})
}
