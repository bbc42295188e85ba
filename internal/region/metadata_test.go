package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionContainsKey(t *testing.T) {
	r := &Region{ID: 1, Range: KeyRange{Start: []byte("b"), End: []byte("d")}}
	require.False(t, r.ContainsKey([]byte("a")))
	require.True(t, r.ContainsKey([]byte("b")))
	require.True(t, r.ContainsKey([]byte("c")))
	require.False(t, r.ContainsKey([]byte("d")))

	unbounded := &Region{ID: 2, Range: KeyRange{Start: []byte("d")}}
	require.True(t, unbounded.ContainsKey([]byte("zzzz")))

	var missing *Region
	require.False(t, missing.ContainsKey([]byte("a")))
	require.Error(t, CheckKeyInRange([]byte("a"), r))
}

func TestRegionOverlaps(t *testing.T) {
	ab := &Region{ID: 1, Range: KeyRange{Start: []byte("a"), End: []byte("b")}}
	bc := &Region{ID: 2, Range: KeyRange{Start: []byte("b"), End: []byte("c")}}
	ac := &Region{ID: 3, Range: KeyRange{Start: []byte("a"), End: []byte("c")}}
	tail := &Region{ID: 4, Range: KeyRange{Start: []byte("bb")}}

	require.False(t, ab.Overlaps(bc))
	require.False(t, bc.Overlaps(ab))
	require.True(t, ac.Overlaps(bc))
	require.True(t, tail.Overlaps(bc))
	require.False(t, tail.Overlaps(ab))
}

func TestEpochIsStale(t *testing.T) {
	cur := Epoch{Version: 2, ConfVersion: 3}
	require.True(t, Epoch{Version: 1, ConfVersion: 3}.IsStale(cur))
	require.True(t, Epoch{Version: 2, ConfVersion: 2}.IsStale(cur))
	require.False(t, Epoch{Version: 2, ConfVersion: 3}.IsStale(cur))
	require.False(t, Epoch{Version: 3, ConfVersion: 1}.IsStale(Epoch{Version: 3, ConfVersion: 1}))
}

func TestRegionCloneIsDeep(t *testing.T) {
	r := &Region{
		ID:    1,
		Range: KeyRange{Start: []byte("a"), End: []byte("z")},
		Peers: []Peer{{ID: 1, StoreID: 1}, {ID: 2, StoreID: 2}},
	}
	cp := r.Clone()
	cp.Range.Start[0] = 'x'
	require.True(t, cp.RemovePeer(2))
	require.Equal(t, []byte("a"), r.Range.Start)
	require.Len(t, r.Peers, 2)

	p, ok := r.FindPeer(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), p.ID)
	_, ok = cp.FindPeerByID(2)
	require.False(t, ok)
}
