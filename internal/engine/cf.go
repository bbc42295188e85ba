package engine

import "github.com/cockroachdb/errors"

// Column families recognised by the store. The data families travel inside
// region snapshots; CFRaft holds per-region raft bookkeeping.
const (
	CFDefault = "default"
	CFLock    = "lock"
	CFWrite   = "write"
	CFRaft    = "raft"
)

// DataCFs lists the families carried by a region snapshot, in wire order.
var DataCFs = []string{CFDefault, CFLock, CFWrite}

// AllCFs lists every family known to the engine.
var AllCFs = []string{CFDefault, CFLock, CFWrite, CFRaft}

// Each family is a disjoint slice of the pebble keyspace selected by a one
// byte prefix.
var cfPrefixes = map[string]byte{
	CFDefault: 'd',
	CFLock:    'l',
	CFWrite:   'w',
	CFRaft:    'r',
}

// ErrUnknownCF is returned for a column family name the engine does not know.
var ErrUnknownCF = errors.New("engine: unknown column family")

func cfPrefix(cf string) (byte, error) {
	p, ok := cfPrefixes[cf]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownCF, "%q", cf)
	}
	return p, nil
}

func encodeKey(prefix byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = prefix
	copy(out[1:], key)
	return out
}

// cfBounds returns the encoded [lower, upper) bounds for a scan of cf. An
// empty end scans to the end of the family.
func cfBounds(prefix byte, start, end []byte) ([]byte, []byte) {
	lower := encodeKey(prefix, start)
	if len(end) == 0 {
		return lower, []byte{prefix + 1}
	}
	return lower, encodeKey(prefix, end)
}
