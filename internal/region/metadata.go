package region

import (
	"bytes"
	"fmt"
)

// KeyRange describes the inclusive-exclusive key range handled by a Region.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"` // empty slice denotes infinity
}

// Epoch tracks structural changes of a Region.
type Epoch struct {
	// Version increases when the key range of a Region changes (split/merge).
	Version uint64 `json:"version"`
	// ConfVersion increases when the peer set changes (add/remove peers).
	ConfVersion uint64 `json:"confVersion"`
}

// IsStale reports whether e is behind check in either dimension.
func (e Epoch) IsStale(check Epoch) bool {
	return e.Version < check.Version || e.ConfVersion < check.ConfVersion
}

func (e Epoch) String() string {
	return fmt.Sprintf("{ver:%d conf:%d}", e.Version, e.ConfVersion)
}

// PeerRole distinguishes voting members from learners.
type PeerRole int

const (
	// Voter is a full voting member of the Region's Raft group.
	Voter PeerRole = iota
	// Learner only receives logs; not part of quorum until promoted.
	Learner
)

// Peer describes a Region replica hosted on a Store.
type Peer struct {
	ID      uint64   `json:"id"`
	StoreID uint64   `json:"storeId"`
	Role    PeerRole `json:"role,omitempty"`
}

// Region aggregates metadata describing a single shard of the keyspace.
type Region struct {
	ID    uint64   `json:"id"`
	Range KeyRange `json:"range"`
	Epoch Epoch    `json:"epoch"`
	Peers []Peer   `json:"peers,omitempty"`
}

// ContainsKey reports whether the region manages the provided key.
func (r *Region) ContainsKey(key []byte) bool {
	if r == nil {
		return false
	}
	if len(r.Range.Start) > 0 && bytes.Compare(key, r.Range.Start) < 0 {
		return false
	}
	if len(r.Range.End) > 0 && bytes.Compare(key, r.Range.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether the two regions share at least one key.
func (r *Region) Overlaps(other *Region) bool {
	if r == nil || other == nil {
		return false
	}
	if len(r.Range.End) > 0 && bytes.Compare(other.Range.Start, r.Range.End) >= 0 {
		return false
	}
	if len(other.Range.End) > 0 && bytes.Compare(r.Range.Start, other.Range.End) >= 0 {
		return false
	}
	return true
}

// FindPeer returns the peer hosted on storeID.
func (r *Region) FindPeer(storeID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// FindPeerByID returns the peer with the given peer id.
func (r *Region) FindPeerByID(peerID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.ID == peerID {
			return p, true
		}
	}
	return Peer{}, false
}

// RemovePeer drops the peer hosted on storeID and reports whether one was removed.
func (r *Region) RemovePeer(storeID uint64) bool {
	for i, p := range r.Peers {
		if p.StoreID == storeID {
			r.Peers = append(r.Peers[:i], r.Peers[i+1:]...)
			return true
		}
	}
	return false
}

// Initialized reports whether the region descriptor carries a peer list.
// Peers created from a raft message start uninitialized until a snapshot arrives.
func (r *Region) Initialized() bool {
	return r != nil && len(r.Peers) > 0
}

// Clone returns a deep copy of the Region metadata for safe mutation.
func (r *Region) Clone() *Region {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Range = KeyRange{
		Start: append([]byte(nil), r.Range.Start...),
		End:   append([]byte(nil), r.Range.End...),
	}
	if len(r.Peers) > 0 {
		cp.Peers = append([]Peer(nil), r.Peers...)
	}
	return &cp
}

func (r *Region) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("region %d [%q, %q) epoch %s peers %v", r.ID, r.Range.Start, r.Range.End, r.Epoch, r.Peers)
}

// CheckKeyInRange returns an error when key falls outside the region.
func CheckKeyInRange(key []byte, r *Region) error {
	if r.ContainsKey(key) {
		return nil
	}
	return &KeyNotInRegionError{Key: key, RegionID: r.ID, Start: r.Range.Start, End: r.Range.End}
}

// KeyNotInRegionError reports a key routed to the wrong region.
type KeyNotInRegionError struct {
	Key      []byte
	RegionID uint64
	Start    []byte
	End      []byte
}

func (e *KeyNotInRegionError) Error() string {
	return fmt.Sprintf("key %q is not in region %d [%q, %q)", e.Key, e.RegionID, e.Start, e.End)
}
