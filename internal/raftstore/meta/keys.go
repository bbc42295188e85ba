// Package meta encodes the local keys and persisted states a store keeps
// per region: region descriptors, raft hard state, apply progress and the
// raft log itself.
package meta

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const (
	localPrefix byte = 0x01

	// Data keys are ordered after every local key.
	dataPrefix byte = 'z'

	regionRaftPrefix byte = 0x02
	regionMetaPrefix byte = 0x03

	raftLogSuffix     byte = 0x01
	raftStateSuffix   byte = 0x02
	applyStateSuffix  byte = 0x03
	regionStateSuffix byte = 0x01
)

var (
	// DataMaxKey sorts after every data key and stands in for an unbounded end key.
	DataMaxKey = []byte{dataPrefix + 1}

	// StoreIdentKey holds the store identity.
	StoreIdentKey = []byte{localPrefix, 0x01}

	// RegionMetaMinKey and RegionMetaMaxKey bound all region state keys.
	RegionMetaMinKey = []byte{localPrefix, regionMetaPrefix}
	RegionMetaMaxKey = []byte{localPrefix, regionMetaPrefix + 1}
)

// DataKey maps a user key into the ordered data keyspace.
func DataKey(key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = dataPrefix
	copy(out[1:], key)
	return out
}

// DataEndKey is DataKey for a region end key, where empty means unbounded.
func DataEndKey(key []byte) []byte {
	if len(key) == 0 {
		return append([]byte(nil), DataMaxKey...)
	}
	return DataKey(key)
}

// OriginKey strips the data prefix added by DataKey.
func OriginKey(key []byte) []byte {
	if len(key) == 0 || key[0] != dataPrefix {
		panic(errors.Newf("meta: %q is not a data key", key))
	}
	return key[1:]
}

func regionKey(prefix byte, regionID uint64, suffix byte) []byte {
	key := make([]byte, 11)
	key[0] = localPrefix
	key[1] = prefix
	binary.BigEndian.PutUint64(key[2:10], regionID)
	key[10] = suffix
	return key
}

// RegionStateKey locates the RegionLocalState of regionID in the kv engine.
func RegionStateKey(regionID uint64) []byte {
	return regionKey(regionMetaPrefix, regionID, regionStateSuffix)
}

// RaftStateKey locates the RaftLocalState of regionID in the raft engine.
func RaftStateKey(regionID uint64) []byte {
	return regionKey(regionRaftPrefix, regionID, raftStateSuffix)
}

// ApplyStateKey locates the RaftApplyState of regionID in the kv engine.
func ApplyStateKey(regionID uint64) []byte {
	return regionKey(regionRaftPrefix, regionID, applyStateSuffix)
}

// RaftLogKey locates the raft log entry at index for regionID.
func RaftLogKey(regionID, index uint64) []byte {
	key := make([]byte, 19)
	copy(key, regionKey(regionRaftPrefix, regionID, raftLogSuffix))
	binary.BigEndian.PutUint64(key[11:], index)
	return key
}

// RaftLogIndex extracts the log index from a RaftLogKey.
func RaftLogIndex(key []byte) (uint64, error) {
	if len(key) != 19 || key[0] != localPrefix || key[1] != regionRaftPrefix || key[10] != raftLogSuffix {
		return 0, errors.Newf("meta: %q is not a raft log key", key)
	}
	return binary.BigEndian.Uint64(key[11:]), nil
}

// RegionIDFromStateKey decodes the region id of a RegionStateKey.
func RegionIDFromStateKey(key []byte) (uint64, error) {
	if len(key) != 11 || key[0] != localPrefix || key[1] != regionMetaPrefix || key[10] != regionStateSuffix {
		return 0, errors.Newf("meta: %q is not a region state key", key)
	}
	return binary.BigEndian.Uint64(key[2:10]), nil
}
