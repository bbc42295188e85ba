// Package snap stores region snapshots on disk: building them from a live
// engine, streaming them between stores, validating and applying them, and
// tracking them process-wide through SnapManager.
package snap

import (
	"bufio"
	"context"
	"encoding/json"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

var tracer = otel.Tracer("nyxkv/raftstore/snap")

// Apply status values shared between a region worker and whoever cancels it.
const (
	ApplyRunning uint32 = iota
	ApplyCancelling
	ApplyCancelled
	ApplyFinished
	ApplyFailed
)

func checkAbort(status *atomic.Uint32) error {
	if status != nil && status.Load() == ApplyCancelling {
		return ErrAbort
	}
	return nil
}

func plainCF(cf string) bool { return cf == engine.CFLock }

type cfFile struct {
	cf        string
	path      string
	tmpPath   string
	clonePath string

	// declared by the meta file or filled in by build
	size     uint64
	checksum uint32
	kvCount  int

	// transfer cursor
	file    *os.File
	written uint64
	hasher  hash.Hash32
}

type metaFile struct {
	meta    api.SnapshotMeta
	path    string
	tmpPath string
}

// SnapStatistics summarises a build.
type SnapStatistics struct {
	Size    uint64
	KVCount int
}

// ApplyOptions configures Snap.Apply.
type ApplyOptions struct {
	DB             *engine.Engine
	Region         *region.Region
	Abort          *atomic.Uint32
	WriteBatchSize int
}

// Snap is one snapshot instance on disk, seen from one role. It is not safe
// for concurrent use; SnapManager's registry keeps roles apart.
type Snap struct {
	key         SnapKey
	dir         string
	displayPath string
	isSending   bool

	cfFiles  []*cfFile
	cfIndex  int
	metaFile metaFile

	sizeTrack    *atomic.Int64
	limiter      *IOLimiter
	holdTmpFiles bool
	logger       *zap.Logger
}

func newSnap(dir string, key SnapKey, isSending bool, sizeTrack *atomic.Int64, limiter *IOLimiter, logger *zap.Logger) *Snap {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Snap{
		key:         key,
		dir:         dir,
		displayPath: filepath.Join(dir, snapBaseName(isSending, key)),
		isSending:   isSending,
		sizeTrack:   sizeTrack,
		limiter:     limiter,
		logger:      logger.With(zap.Stringer("snap", key)),
	}
	for _, cf := range engine.DataCFs {
		path := filepath.Join(dir, cfFileName(isSending, key, cf))
		s.cfFiles = append(s.cfFiles, &cfFile{
			cf:        cf,
			path:      path,
			tmpPath:   path + tmpFileSuffix,
			clonePath: path + cloneFileSuffix,
		})
	}
	metaPath := filepath.Join(dir, metaFileName(isSending, key))
	s.metaFile = metaFile{path: metaPath, tmpPath: metaPath + tmpFileSuffix}
	return s
}

func newSnapForBuilding(dir string, key SnapKey, sizeTrack *atomic.Int64, limiter *IOLimiter, logger *zap.Logger) (*Snap, error) {
	s := newSnap(dir, key, true, sizeTrack, limiter, logger)
	if s.Exists() {
		if err := s.loadMeta(); err != nil {
			s.Delete()
		}
	}
	return s, nil
}

func newSnapForSending(dir string, key SnapKey, sizeTrack *atomic.Int64, logger *zap.Logger) (*Snap, error) {
	s := newSnap(dir, key, true, sizeTrack, nil, logger)
	if !s.Exists() {
		return s, nil
	}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSnapForReceiving(dir string, key SnapKey, meta api.SnapshotMeta, sizeTrack *atomic.Int64, limiter *IOLimiter, logger *zap.Logger) (*Snap, error) {
	s := newSnap(dir, key, false, sizeTrack, limiter, logger)
	if err := s.setMeta(meta); err != nil {
		return nil, err
	}
	if s.Exists() {
		return s, nil
	}
	for _, f := range s.cfFiles {
		if f.size == 0 {
			continue
		}
		file, err := os.OpenFile(f.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "snap: create %s", f.tmpPath)
		}
		f.file = file
		f.hasher = crc32.NewIEEE()
	}
	s.holdTmpFiles = true
	return s, nil
}

// newSnapForApplying returns the snapshot even when its meta cannot be
// loaded, so the caller can remove what is left of it.
func newSnapForApplying(dir string, key SnapKey, sizeTrack *atomic.Int64, logger *zap.Logger) (*Snap, error) {
	s := newSnap(dir, key, false, sizeTrack, nil, logger)
	if !s.Exists() {
		return s, nil
	}
	if err := s.loadMeta(); err != nil {
		return s, err
	}
	return s, nil
}

// Key returns the identity of the snapshot.
func (s *Snap) Key() SnapKey { return s.key }

// Path returns the common path prefix of the snapshot files.
func (s *Snap) Path() string { return s.displayPath }

// IsSending reports whether this is a locally generated snapshot.
func (s *Snap) IsSending() bool { return s.isSending }

func (s *Snap) String() string { return s.displayPath }

// Exists reports whether the meta file and every non-empty family file are on disk.
func (s *Snap) Exists() bool {
	for _, f := range s.cfFiles {
		if f.size > 0 && !fileExists(f.path) {
			return false
		}
	}
	return fileExists(s.metaFile.path)
}

// TotalSize is the sum of the family file sizes.
func (s *Snap) TotalSize() uint64 {
	var total uint64
	for _, f := range s.cfFiles {
		total += f.size
	}
	return total
}

// Meta returns the file info of the meta file; its mod time orders snapshots by age.
func (s *Snap) Meta() (os.FileInfo, error) {
	return os.Stat(s.metaFile.path)
}

// SnapshotMeta returns the family sizes and checksums of a built or received snapshot.
func (s *Snap) SnapshotMeta() api.SnapshotMeta {
	return s.metaFile.meta
}

func (s *Snap) setMeta(meta api.SnapshotMeta) error {
	if len(meta.CFFiles) != len(s.cfFiles) {
		return errors.Wrapf(ErrMetaCorrupted, "expect %d cf files, got %d", len(s.cfFiles), len(meta.CFFiles))
	}
	for i, cfMeta := range meta.CFFiles {
		f := s.cfFiles[i]
		if cfMeta.CF != f.cf {
			return errors.Wrapf(ErrMetaCorrupted, "cf %d is %q, expect %q", i, cfMeta.CF, f.cf)
		}
		f.size = cfMeta.Size
		f.checksum = cfMeta.Checksum
	}
	s.metaFile.meta = meta
	return nil
}

func (s *Snap) loadMeta() error {
	data, err := os.ReadFile(s.metaFile.path)
	if err != nil {
		return errors.Wrapf(err, "snap: read meta %s", s.metaFile.path)
	}
	var meta api.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Wrapf(ErrMetaCorrupted, "%s: %v", s.metaFile.path, err)
	}
	return s.setMeta(meta)
}

func (s *Snap) buildMeta() api.SnapshotMeta {
	meta := api.SnapshotMeta{CFFiles: make([]api.SnapshotCFFile, 0, len(s.cfFiles))}
	for _, f := range s.cfFiles {
		meta.CFFiles = append(meta.CFFiles, api.SnapshotCFFile{CF: f.cf, Size: f.size, Checksum: f.checksum})
	}
	return meta
}

func (s *Snap) saveMeta() error {
	s.metaFile.meta = s.buildMeta()
	data, err := json.Marshal(s.metaFile.meta)
	if err != nil {
		return err
	}
	if err := writeFileSync(s.metaFile.tmpPath, data); err != nil {
		return errors.Wrapf(err, "snap: write meta %s", s.metaFile.tmpPath)
	}
	if err := os.Rename(s.metaFile.tmpPath, s.metaFile.path); err != nil {
		return errors.Wrapf(err, "snap: rename meta %s", s.metaFile.path)
	}
	return nil
}

// Build writes the data families of r from kvSnap. kv is the engine the
// snapshot was taken from and provides the SST format. If a valid snapshot
// with the same key already exists it is reused. data is filled with the
// announcement peers need to receive the snapshot.
func (s *Snap) Build(ctx context.Context, kv *engine.Engine, kvSnap engine.Reader, r *region.Region, data *api.RaftSnapshotData, stat *SnapStatistics) error {
	ctx, span := tracer.Start(ctx, "snap.build")
	defer span.End()
	span.SetAttributes(attribute.String("snap", s.key.String()))

	if s.Exists() {
		err := s.Validate()
		if err == nil {
			s.fillSnapshotData(r, data, stat)
			s.logger.Info("reuse existing snapshot", zap.Uint64("size", s.TotalSize()))
			return nil
		}
		s.logger.Warn("existing snapshot is corrupted, rebuilding", zap.Error(err))
		s.Delete()
	}

	s.holdTmpFiles = true
	for _, f := range s.cfFiles {
		var err error
		if plainCF(f.cf) {
			err = s.buildPlainCF(ctx, f, kvSnap, r)
		} else {
			err = s.buildSSTCF(ctx, f, kv, kvSnap, r)
		}
		if err != nil {
			s.Close()
			return err
		}
	}

	for _, f := range s.cfFiles {
		if f.kvCount == 0 {
			f.size, f.checksum = 0, 0
			continue
		}
		if err := os.Rename(f.tmpPath, f.path); err != nil {
			s.Delete()
			return errors.Wrapf(err, "snap: rename %s", f.tmpPath)
		}
		info, err := os.Stat(f.path)
		if err != nil {
			s.Delete()
			return errors.Wrapf(err, "snap: stat %s", f.path)
		}
		s.sizeTrack.Add(info.Size())
		size, checksum, err := calcSizeAndChecksum(f.path)
		if err != nil {
			s.Delete()
			return err
		}
		f.size, f.checksum = size, checksum
	}
	if err := s.saveMeta(); err != nil {
		s.Delete()
		return err
	}
	s.holdTmpFiles = false

	s.fillSnapshotData(r, data, stat)
	if stat != nil {
		for _, f := range s.cfFiles {
			stat.KVCount += f.kvCount
		}
	}
	s.logger.Info("snapshot built", zap.Uint64("size", s.TotalSize()))
	return nil
}

func (s *Snap) fillSnapshotData(r *region.Region, data *api.RaftSnapshotData, stat *SnapStatistics) {
	total := s.TotalSize()
	if data != nil {
		data.Region = r.Clone()
		data.FileSize = total
		data.Version = api.SnapshotVersion
		data.Meta = s.metaFile.meta
	}
	if stat != nil {
		stat.Size = total
	}
}

func (s *Snap) buildPlainCF(ctx context.Context, f *cfFile, kvSnap engine.Reader, r *region.Region) error {
	file, err := os.OpenFile(f.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "snap: create %s", f.tmpPath)
	}
	w := bufio.NewWriter(file)
	meter := meteredBytes{limiter: s.limiter}
	f.kvCount = 0
	err = kvSnap.ScanCF(f.cf, r.Range.Start, r.Range.End, false, func(k, v []byte) (bool, error) {
		n, err := writePlainKV(w, k, v)
		if err != nil {
			return false, err
		}
		f.kvCount++
		return true, meter.add(ctx, n)
	})
	if err == nil {
		err = writePlainEnd(w)
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = meter.flush(ctx)
	}
	if err != nil {
		return errors.Wrapf(err, "snap: build %s", f.cf)
	}
	if f.kvCount == 0 {
		return removeIfExists(f.tmpPath)
	}
	return nil
}

func (s *Snap) buildSSTCF(ctx context.Context, f *cfFile, kv *engine.Engine, kvSnap engine.Reader, r *region.Region) error {
	w, err := kv.NewSSTWriter(f.cf, f.tmpPath)
	if err != nil {
		return err
	}
	meter := meteredBytes{limiter: s.limiter}
	f.kvCount = 0
	err = kvSnap.ScanCF(f.cf, r.Range.Start, r.Range.End, false, func(k, v []byte) (bool, error) {
		if err := w.Put(k, v); err != nil {
			return false, err
		}
		f.kvCount++
		return true, meter.add(ctx, len(k)+len(v))
	})
	if err == nil {
		err = meter.flush(ctx)
	}
	if err != nil || f.kvCount == 0 {
		w.Abort()
		if err != nil {
			return errors.Wrapf(err, "snap: build %s", f.cf)
		}
		return nil
	}
	return w.Finish()
}

// Validate checks size and checksum of every non-empty family against the
// meta file, and that SST families are ingestible.
func (s *Snap) Validate() error {
	for _, f := range s.cfFiles {
		if f.size == 0 {
			continue
		}
		size, checksum, err := calcSizeAndChecksum(f.path)
		if err != nil {
			return err
		}
		if size != f.size {
			return errors.Wrapf(ErrSizeMismatch, "%s: expect %d, got %d", f.path, f.size, size)
		}
		if checksum != f.checksum {
			return errors.Wrapf(ErrChecksumMismatch, "%s: expect %d, got %d", f.path, f.checksum, checksum)
		}
		if !plainCF(f.cf) {
			if err := engine.VerifySST(f.path); err != nil {
				return errors.Wrap(ErrChecksumMismatch, err.Error())
			}
		}
	}
	return nil
}

// Read streams the non-empty family files in wire order.
func (s *Snap) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for s.cfIndex < len(s.cfFiles) {
		f := s.cfFiles[s.cfIndex]
		if f.size == 0 {
			s.cfIndex++
			continue
		}
		if f.file == nil {
			file, err := os.Open(f.path)
			if err != nil {
				return 0, errors.Wrapf(err, "snap: open %s", f.path)
			}
			f.file = file
		}
		n, err := f.file.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		_ = f.file.Close()
		f.file = nil
		s.cfIndex++
	}
	return 0, io.EOF
}

// Write appends received bytes to the family files in wire order. Each
// family is checksummed as it completes; bytes beyond the declared total
// are rejected.
func (s *Snap) Write(buf []byte) (int, error) {
	written := 0
	for len(buf) > 0 {
		if s.cfIndex >= len(s.cfFiles) {
			return written, errors.Wrapf(ErrSizeMismatch, "%s: %d bytes beyond declared size", s.displayPath, len(buf))
		}
		f := s.cfFiles[s.cfIndex]
		if f.size == 0 {
			s.cfIndex++
			continue
		}
		if f.file == nil {
			return written, errors.Newf("snap: %s is not open for receiving", f.tmpPath)
		}
		left := f.size - f.written
		chunk := buf
		if uint64(len(chunk)) > left {
			chunk = buf[:left]
		}
		if _, err := f.file.Write(chunk); err != nil {
			return written, errors.Wrapf(err, "snap: write %s", f.tmpPath)
		}
		_, _ = f.hasher.Write(chunk)
		f.written += uint64(len(chunk))
		written += len(chunk)
		buf = buf[len(chunk):]
		if f.written < f.size {
			continue
		}
		if sum := f.hasher.Sum32(); sum != f.checksum {
			return written, errors.Wrapf(ErrChecksumMismatch, "%s: expect %d, got %d", f.tmpPath, f.checksum, sum)
		}
		s.cfIndex++
	}
	return written, nil
}

// Save seals a fully received snapshot: temp files become permanent and the
// meta file is written.
func (s *Snap) Save() error {
	for _, f := range s.cfFiles {
		if f.size == 0 {
			continue
		}
		if f.file == nil {
			return errors.Newf("snap: %s is not open for receiving", f.tmpPath)
		}
		if f.written != f.size {
			return errors.Wrapf(ErrSizeMismatch, "%s: expect %d, got %d", f.tmpPath, f.size, f.written)
		}
		if sum := f.hasher.Sum32(); sum != f.checksum {
			return errors.Wrapf(ErrChecksumMismatch, "%s: expect %d, got %d", f.tmpPath, f.checksum, sum)
		}
	}
	for _, f := range s.cfFiles {
		if f.size == 0 {
			continue
		}
		if err := f.file.Sync(); err != nil {
			return err
		}
		if err := f.file.Close(); err != nil {
			return err
		}
		f.file = nil
		if err := os.Rename(f.tmpPath, f.path); err != nil {
			return errors.Wrapf(err, "snap: rename %s", f.tmpPath)
		}
		s.sizeTrack.Add(int64(f.size))
	}
	if err := s.saveMeta(); err != nil {
		return err
	}
	s.holdTmpFiles = false
	return nil
}

// Apply loads the snapshot into opts.DB. The destination range must have
// been cleared by the caller. On ErrAbort the in-flight batch is dropped.
func (s *Snap) Apply(ctx context.Context, opts ApplyOptions) error {
	_, span := tracer.Start(ctx, "snap.apply")
	defer span.End()
	span.SetAttributes(attribute.String("snap", s.key.String()))

	if err := s.Validate(); err != nil {
		return err
	}
	for _, f := range s.cfFiles {
		if err := checkAbort(opts.Abort); err != nil {
			return err
		}
		if f.size == 0 {
			continue
		}
		var err error
		if plainCF(f.cf) {
			err = s.applyPlainCF(f, opts)
		} else {
			err = s.applySSTCF(f, opts)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Snap) applyPlainCF(f *cfFile, opts ApplyOptions) error {
	file, err := os.Open(f.path)
	if err != nil {
		return errors.Wrapf(err, "snap: open %s", f.path)
	}
	defer file.Close()

	batchSize := opts.WriteBatchSize
	if batchSize <= 0 {
		batchSize = 4 << 20
	}
	wb := opts.DB.NewWriteBatch()
	defer wb.Close()
	pr := newPlainReader(file)
	for {
		key, value, err := pr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !opts.Region.ContainsKey(key) {
			return errors.Wrapf(ErrKeyOutOfRange, "%s: %v", f.path, region.CheckKeyInRange(key, opts.Region))
		}
		if err := wb.PutCF(f.cf, key, value); err != nil {
			return err
		}
		if wb.DataSize() >= batchSize {
			if err := checkAbort(opts.Abort); err != nil {
				return err
			}
			if err := opts.DB.Write(wb); err != nil {
				return err
			}
		}
	}
	if err := checkAbort(opts.Abort); err != nil {
		return err
	}
	return opts.DB.Write(wb)
}

func (s *Snap) applySSTCF(f *cfFile, opts ApplyOptions) error {
	if err := removeIfExists(f.clonePath); err != nil {
		return err
	}
	if err := linkOrCopy(f.path, f.clonePath); err != nil {
		return err
	}
	defer func() { _ = removeIfExists(f.clonePath) }()
	if err := checkAbort(opts.Abort); err != nil {
		return err
	}
	return opts.DB.IngestExternalFile([]string{f.clonePath})
}

// Delete removes every file of the snapshot and releases its tracked size.
func (s *Snap) Delete() {
	s.logger.Debug("deleting snapshot files", zap.String("path", s.displayPath))
	for _, f := range s.cfFiles {
		if f.file != nil {
			_ = f.file.Close()
			f.file = nil
		}
		s.deleteFile(f.tmpPath)
		s.deleteFile(f.clonePath)
		// The meta may be missing or corrupted, so release what is on disk.
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		if err := removeIfExists(f.path); err != nil {
			s.logger.Error("failed to delete snapshot file", zap.String("path", f.path), zap.Error(err))
			continue
		}
		s.sizeTrack.Add(-info.Size())
	}
	s.deleteFile(s.metaFile.tmpPath)
	s.deleteFile(s.metaFile.path)
	s.holdTmpFiles = false
}

func (s *Snap) deleteFile(path string) {
	if err := removeIfExists(path); err != nil {
		s.logger.Error("failed to delete snapshot file", zap.String("path", path), zap.Error(err))
	}
}

// Close releases open files. A snapshot abandoned half-written has its temp
// files removed; SnapManager.Init purges whatever a crash leaves behind.
func (s *Snap) Close() {
	for _, f := range s.cfFiles {
		if f.file != nil {
			_ = f.file.Close()
			f.file = nil
		}
	}
	if !s.holdTmpFiles {
		return
	}
	for _, f := range s.cfFiles {
		s.deleteFile(f.tmpPath)
	}
	s.deleteFile(s.metaFile.tmpPath)
	s.holdTmpFiles = false
}
