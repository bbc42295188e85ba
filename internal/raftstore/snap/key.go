package snap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"nyxkv/pkg/api"
)

// SnapKey identifies one snapshot of one region at one log position.
type SnapKey struct {
	RegionID uint64
	Term     uint64
	Index    uint64
}

func (k SnapKey) String() string {
	return fmt.Sprintf("%d_%d_%d", k.RegionID, k.Term, k.Index)
}

// Compare orders keys by region, then term, then index.
func (k SnapKey) Compare(o SnapKey) int {
	switch {
	case k.RegionID != o.RegionID:
		return cmpUint64(k.RegionID, o.RegionID)
	case k.Term != o.Term:
		return cmpUint64(k.Term, o.Term)
	default:
		return cmpUint64(k.Index, o.Index)
	}
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// SnapKeyFromRegionSnap builds the key of a raft snapshot of regionID.
func SnapKeyFromRegionSnap(regionID uint64, s raftpb.Snapshot) SnapKey {
	return SnapKey{RegionID: regionID, Term: s.Metadata.Term, Index: s.Metadata.Index}
}

// SnapKeyFromSnap decodes the region of s to build its key.
func SnapKeyFromSnap(s raftpb.Snapshot) (SnapKey, error) {
	data, err := DecodeSnapshotData(s.Data)
	if err != nil {
		return SnapKey{}, err
	}
	return SnapKeyFromRegionSnap(data.Region.ID, s), nil
}

// DecodeSnapshotData parses the announcement carried in raftpb.Snapshot.Data.
func DecodeSnapshotData(data []byte) (*api.RaftSnapshotData, error) {
	out := new(api.RaftSnapshotData)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, errors.Wrap(ErrMetaCorrupted, err.Error())
	}
	if out.Region == nil {
		return nil, errors.Wrap(ErrMetaCorrupted, "snapshot data without region")
	}
	return out, nil
}

// EncodeSnapshotData serialises an announcement for raftpb.Snapshot.Data.
func EncodeSnapshotData(data *api.RaftSnapshotData) ([]byte, error) {
	return json.Marshal(data)
}

// SnapKeyWithSending is an idle snapshot found on disk.
type SnapKeyWithSending struct {
	Key       SnapKey
	IsSending bool
}

const (
	snapGenPrefix = "gen"
	snapRevPrefix = "rev"

	sstFileSuffix   = ".sst"
	tmpFileSuffix   = ".tmp"
	cloneFileSuffix = ".clone"
	metaFileSuffix  = ".meta"
)

func snapPrefix(isSending bool) string {
	if isSending {
		return snapGenPrefix
	}
	return snapRevPrefix
}

func snapBaseName(isSending bool, key SnapKey) string {
	return snapPrefix(isSending) + "_" + key.String()
}

func cfFileName(isSending bool, key SnapKey, cf string) string {
	return snapBaseName(isSending, key) + "_" + cf + sstFileSuffix
}

func metaFileName(isSending bool, key SnapKey) string {
	return snapBaseName(isSending, key) + metaFileSuffix
}

// parseSnapFileName recovers the role and key of any file written by Snap,
// including temp and clone variants.
func parseSnapFileName(name string) (SnapKeyWithSending, bool) {
	var isSending bool
	switch {
	case strings.HasPrefix(name, snapGenPrefix+"_"):
		isSending = true
	case strings.HasPrefix(name, snapRevPrefix+"_"):
	default:
		return SnapKeyWithSending{}, false
	}
	stem, _, _ := strings.Cut(name, ".")
	parts := strings.Split(stem, "_")[1:]
	nums := make([]uint64, 0, 3)
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) != 3 {
		return SnapKeyWithSending{}, false
	}
	return SnapKeyWithSending{
		Key:       SnapKey{RegionID: nums[0], Term: nums[1], Index: nums[2]},
		IsSending: isSending,
	}, true
}
