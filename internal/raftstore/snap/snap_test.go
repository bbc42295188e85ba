package snap

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testRegion() *region.Region {
	return &region.Region{
		ID:    1,
		Range: region.KeyRange{Start: []byte("a"), End: []byte("z")},
		Epoch: region.Epoch{Version: 1, ConfVersion: 1},
		Peers: []region.Peer{{ID: 1, StoreID: 1}},
	}
}

// fillOnePerCF writes one key into each data family, plus keys outside [a, z).
func fillOnePerCF(t *testing.T, e *engine.Engine) map[string][2]string {
	t.Helper()
	want := map[string][2]string{
		engine.CFDefault: {"b", "default-value"},
		engine.CFLock:    {"c", "lock-value"},
		engine.CFWrite:   {"d", "write-value"},
	}
	for cf, kv := range want {
		require.NoError(t, e.PutCF(cf, []byte(kv[0]), []byte(kv[1])))
	}
	require.NoError(t, e.PutCF(engine.CFDefault, []byte("zz"), []byte("outside")))
	require.NoError(t, e.PutCF(engine.CFRaft, []byte("b"), []byte("raft-only")))
	return want
}

func dump(t *testing.T, e *engine.Engine, cf string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, e.ScanCF(cf, nil, nil, false, func(k, v []byte) (bool, error) {
		out[string(k)] = string(v)
		return true, nil
	}))
	return out
}

func buildSnap(t *testing.T, mgr *SnapManager, src *engine.Engine, key SnapKey, r *region.Region) (*Snap, *api.RaftSnapshotData) {
	t.Helper()
	s, err := mgr.GetSnapshotForBuilding(key)
	require.NoError(t, err)
	kvSnap := src.NewSnapshot()
	defer kvSnap.Close()
	data := new(api.RaftSnapshotData)
	var stat SnapStatistics
	require.NoError(t, s.Build(context.Background(), src, kvSnap, r, data, &stat))
	require.Equal(t, s.TotalSize(), stat.Size)
	return s, data
}

func newManager(t *testing.T, opts Options) *SnapManager {
	t.Helper()
	mgr := NewSnapManager(filepath.Join(t.TempDir(), "snap"), opts)
	require.NoError(t, mgr.Init())
	return mgr
}

func TestSnapFileNameRoundTrip(t *testing.T) {
	key := SnapKey{RegionID: 12, Term: 3, Index: 456}
	for _, sending := range []bool{true, false} {
		names := []string{metaFileName(sending, key), metaFileName(sending, key) + tmpFileSuffix}
		for _, cf := range engine.DataCFs {
			names = append(names, cfFileName(sending, key, cf), cfFileName(sending, key, cf)+cloneFileSuffix)
		}
		for _, name := range names {
			got, ok := parseSnapFileName(name)
			require.True(t, ok, name)
			require.Equal(t, key, got.Key)
			require.Equal(t, sending, got.IsSending)
		}
	}
	_, ok := parseSnapFileName("LOCK")
	require.False(t, ok)
	_, ok = parseSnapFileName("gen_1_2.meta")
	require.False(t, ok)
}

func TestSnapshotBuildTransferApply(t *testing.T) {
	src := openEngine(t)
	dst := openEngine(t)
	want := fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	r := testRegion()

	s1, data := buildSnap(t, mgr, src, key, r)
	require.True(t, s1.Exists())
	require.NotZero(t, s1.TotalSize())
	require.Equal(t, s1.TotalSize(), mgr.GetTotalSnapSize())
	require.Equal(t, api.SnapshotVersion, data.Version)
	require.Equal(t, s1.TotalSize(), data.FileSize)
	require.Len(t, data.Meta.CFFiles, 3)
	size1 := s1.TotalSize()

	sending, err := mgr.GetSnapshotForSending(key)
	require.NoError(t, err)
	s2, err := mgr.GetSnapshotForReceiving(key, data.Meta)
	require.NoError(t, err)
	n, err := io.Copy(s2, sending)
	require.NoError(t, err)
	require.Equal(t, int64(size1), n)
	require.NoError(t, s2.Save())
	sending.Close()
	require.Equal(t, 2*size1, mgr.GetTotalSnapSize())

	for _, cf := range engine.DataCFs {
		genData, err := os.ReadFile(filepath.Join(mgr.Dir(), cfFileName(true, key, cf)))
		require.NoError(t, err)
		revData, err := os.ReadFile(filepath.Join(mgr.Dir(), cfFileName(false, key, cf)))
		require.NoError(t, err)
		require.Equal(t, genData, revData, cf)
	}

	require.True(t, mgr.DeleteSnapshot(key, s1, false))
	require.Equal(t, s2.TotalSize(), mgr.GetTotalSnapSize())

	s3, err := mgr.GetSnapshotForApplying(key)
	require.NoError(t, err)
	require.NoError(t, s3.Apply(context.Background(), ApplyOptions{DB: dst, Region: r, WriteBatchSize: 1}))
	for cf, kv := range want {
		require.Equal(t, map[string]string{kv[0]: kv[1]}, dump(t, dst, cf), cf)
	}
	require.Empty(t, dump(t, dst, engine.CFRaft))

	require.True(t, mgr.DeleteSnapshot(key, s3, false))
	require.Zero(t, mgr.GetTotalSnapSize())
	idle, err := mgr.ListIdleSnap()
	require.NoError(t, err)
	require.Empty(t, idle)
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	src := openEngine(t)
	dst := openEngine(t)
	require.NoError(t, src.PutCF(engine.CFDefault, []byte("zz"), []byte("outside")))
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 2, Index: 9}

	s1, data := buildSnap(t, mgr, src, key, testRegion())
	require.Zero(t, s1.TotalSize())
	require.True(t, s1.Exists())
	for _, f := range data.Meta.CFFiles {
		require.Zero(t, f.Size)
		require.NoFileExists(t, filepath.Join(mgr.Dir(), cfFileName(true, key, f.CF)))
	}

	s2, err := mgr.GetSnapshotForReceiving(key, data.Meta)
	require.NoError(t, err)
	n, err := io.Copy(s2, s1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, s2.Save())
	require.True(t, s2.Exists())

	require.NoError(t, s2.Apply(context.Background(), ApplyOptions{DB: dst, Region: testRegion()}))
	for _, cf := range engine.DataCFs {
		require.Empty(t, dump(t, dst, cf))
	}
}

func TestBuildReusesValidSnapshot(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}

	s1, data1 := buildSnap(t, mgr, src, key, testRegion())
	require.NoError(t, src.PutCF(engine.CFDefault, []byte("e"), []byte("later")))
	_, data2 := buildSnap(t, mgr, src, key, testRegion())
	require.Equal(t, data1.Meta, data2.Meta)
	require.Equal(t, s1.TotalSize(), mgr.GetTotalSnapSize())
}

func TestChecksumMismatchIsDetected(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	s1, data := buildSnap(t, mgr, src, key, testRegion())
	require.NoError(t, s1.Validate())

	for _, cf := range engine.DataCFs {
		path := filepath.Join(mgr.Dir(), cfFileName(true, key, cf))
		orig, err := os.ReadFile(path)
		require.NoError(t, err)
		corrupted := append([]byte(nil), orig...)
		corrupted[len(corrupted)/2] ^= 0xff
		require.NoError(t, os.WriteFile(path, corrupted, 0o644))

		err = s1.Validate()
		require.ErrorIs(t, err, ErrChecksumMismatch, cf)
		require.True(t, IsCorruption(err))
		err = s1.Apply(context.Background(), ApplyOptions{DB: openEngine(t), Region: testRegion()})
		require.ErrorIs(t, err, ErrChecksumMismatch, cf)

		require.NoError(t, os.WriteFile(path, orig, 0o644))
	}

	// Corruption on the wire is caught while receiving.
	sending, err := mgr.GetSnapshotForSending(key)
	require.NoError(t, err)
	payload, err := io.ReadAll(sending)
	require.NoError(t, err)
	payload[0] ^= 0xff
	s2, err := mgr.GetSnapshotForReceiving(key, data.Meta)
	require.NoError(t, err)
	_, err = s2.Write(payload)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	s2.Close()
	require.NoFileExists(t, filepath.Join(mgr.Dir(), cfFileName(false, key, engine.CFDefault)+tmpFileSuffix))
}

func TestReceiveRejectsExtraBytes(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	_, data := buildSnap(t, mgr, src, key, testRegion())

	sending, err := mgr.GetSnapshotForSending(key)
	require.NoError(t, err)
	payload, err := io.ReadAll(sending)
	require.NoError(t, err)

	s2, err := mgr.GetSnapshotForReceiving(key, data.Meta)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.Write(append(payload, 'x'))
	require.ErrorIs(t, err, ErrSizeMismatch)

	short, err := mgr.GetSnapshotForReceiving(SnapKey{RegionID: 1, Term: 1, Index: 2}, data.Meta)
	require.NoError(t, err)
	defer short.Close()
	_, err = short.Write(payload[:len(payload)-1])
	require.NoError(t, err)
	require.ErrorIs(t, short.Save(), ErrSizeMismatch)
}

func TestApplyRejectsKeysOutsideRegion(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	s1, _ := buildSnap(t, mgr, src, key, testRegion())

	narrow := testRegion()
	narrow.Range.End = []byte("c")
	err := s1.Apply(context.Background(), ApplyOptions{DB: openEngine(t), Region: narrow})
	require.ErrorIs(t, err, ErrKeyOutOfRange)
}

func TestApplyAbort(t *testing.T) {
	src := openEngine(t)
	dst := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	s1, _ := buildSnap(t, mgr, src, key, testRegion())

	var status atomic.Uint32
	status.Store(ApplyCancelling)
	err := s1.Apply(context.Background(), ApplyOptions{DB: dst, Region: testRegion(), Abort: &status})
	require.ErrorIs(t, err, ErrAbort)
	require.False(t, IsCorruption(err))
	for _, cf := range engine.DataCFs {
		require.Empty(t, dump(t, dst, cf))
	}
}

func TestSnapshotDataEncoding(t *testing.T) {
	data := &api.RaftSnapshotData{Region: testRegion(), FileSize: 10, Version: api.SnapshotVersion}
	raw, err := EncodeSnapshotData(data)
	require.NoError(t, err)
	got, err := DecodeSnapshotData(raw)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = DecodeSnapshotData([]byte("{}"))
	require.ErrorIs(t, err, ErrMetaCorrupted)
}

func TestCorruptedMetaReleasesTrackedSize(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}
	s1, _ := buildSnap(t, mgr, src, key, testRegion())
	require.NotZero(t, s1.TotalSize())
	require.Equal(t, s1.TotalSize(), mgr.GetTotalSnapSize())

	require.NoError(t, os.WriteFile(filepath.Join(mgr.Dir(), metaFileName(true, key)), []byte("garbage"), 0o644))
	s2, err := mgr.GetSnapshotForBuilding(key)
	require.NoError(t, err)
	require.False(t, s2.Exists())
	for _, cf := range engine.DataCFs {
		require.NoFileExists(t, filepath.Join(mgr.Dir(), cfFileName(true, key, cf)))
	}
	require.Zero(t, mgr.GetTotalSnapSize())
}

func TestFailedBuildRemovesRenamedFiles(t *testing.T) {
	src := openEngine(t)
	fillOnePerCF(t, src)
	mgr := newManager(t, Options{})
	key := SnapKey{RegionID: 1, Term: 1, Index: 1}

	// A directory in place of the temp meta file makes the last step fail.
	metaTmp := filepath.Join(mgr.Dir(), metaFileName(true, key)+tmpFileSuffix)
	require.NoError(t, os.Mkdir(metaTmp, 0o755))

	s, err := mgr.GetSnapshotForBuilding(key)
	require.NoError(t, err)
	kvSnap := src.NewSnapshot()
	defer kvSnap.Close()
	require.Error(t, s.Build(context.Background(), src, kvSnap, testRegion(), new(api.RaftSnapshotData), nil))

	for _, cf := range engine.DataCFs {
		path := filepath.Join(mgr.Dir(), cfFileName(true, key, cf))
		require.NoFileExists(t, path)
		require.NoFileExists(t, path+tmpFileSuffix)
	}
	require.Zero(t, mgr.GetTotalSnapSize())
	idle, err := mgr.ListIdleSnap()
	require.NoError(t, err)
	require.Empty(t, idle)
}
