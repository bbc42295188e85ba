// Package engine wraps pebble with the column-family surface the raftstore
// consumes: point reads, ordered scans, atomic write batches and external
// SST ingestion.
package engine

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const fileLockName = "flock"

var (
	// ErrNotFound is returned by point reads of a missing key.
	ErrNotFound = errors.New("engine: key not found")
	// ErrEngineInUse is returned when another process holds the directory lock.
	ErrEngineInUse = errors.New("engine: directory is used by another process")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("engine: closed")
)

// Message is a value that knows its own binary encoding. raftpb types and
// the raftstore local states both satisfy it.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Reader is the read surface shared by live engines and point-in-time snapshots.
type Reader interface {
	GetCF(cf string, key []byte) ([]byte, error)
	GetMsgCF(cf string, key []byte, msg Message) error
	ScanCF(cf string, start, end []byte, fillCache bool, fn func(key, value []byte) (bool, error)) error
}

// Engine is a pebble database with emulated column families.
type Engine struct {
	opts     Options
	db       *pebble.DB
	cache    *pebble.Cache
	fileLock *flock.Flock
	logger   *zap.Logger
}

var _ Reader = (*Engine)(nil)

// Open opens (creating if needed) the engine rooted at opts.Dir.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, errors.New("engine: dir is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "engine: create dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fileLock := flock.New(filepath.Join(opts.Dir, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "engine: lock dir")
	}
	if !hold {
		return nil, ErrEngineInUse
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 8 << 20
	}
	cache := pebble.NewCache(cacheSize)
	db, err := pebble.Open(opts.Dir, &pebble.Options{
		Cache:              cache,
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		cache.Unref()
		_ = fileLock.Unlock()
		return nil, errors.Wrapf(err, "engine: open %s", opts.Dir)
	}
	logger.Info("engine opened", zap.String("dir", opts.Dir))
	return &Engine{opts: opts, db: db, cache: cache, fileLock: fileLock, logger: logger}, nil
}

// Dir returns the engine data directory.
func (e *Engine) Dir() string { return e.opts.Dir }

// Close flushes nothing and releases the pebble handle and the directory lock.
func (e *Engine) Close() error {
	if e.db == nil {
		return ErrEngineClosed
	}
	err := e.db.Close()
	e.db = nil
	e.cache.Unref()
	if unlockErr := e.fileLock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// GetCF reads key from cf. Missing keys return ErrNotFound.
func (e *Engine) GetCF(cf string, key []byte) ([]byte, error) {
	return getCF(e.db, cf, key)
}

// GetMsgCF reads and decodes key from cf into msg.
func (e *Engine) GetMsgCF(cf string, key []byte, msg Message) error {
	return getMsgCF(e.db, cf, key, msg)
}

// PutCF writes a single key outside any batch.
func (e *Engine) PutCF(cf string, key, value []byte) error {
	wb := e.NewWriteBatch()
	defer wb.Close()
	if err := wb.PutCF(cf, key, value); err != nil {
		return err
	}
	return e.Write(wb)
}

// DeleteCF removes a single key outside any batch.
func (e *Engine) DeleteCF(cf string, key []byte) error {
	wb := e.NewWriteBatch()
	defer wb.Close()
	if err := wb.DeleteCF(cf, key); err != nil {
		return err
	}
	return e.Write(wb)
}

// ScanCF iterates [start, end) of cf in key order until fn returns false.
func (e *Engine) ScanCF(cf string, start, end []byte, fillCache bool, fn func(key, value []byte) (bool, error)) error {
	return scanCF(e.db, cf, start, end, fillCache, fn)
}

// Write commits wb using the engine's default durability.
func (e *Engine) Write(wb *WriteBatch) error {
	return e.WriteOpt(wb, WriteOptions{Sync: e.opts.SyncWrites})
}

// WriteOpt commits wb atomically. An empty batch is a no-op.
func (e *Engine) WriteOpt(wb *WriteBatch, opts WriteOptions) error {
	if wb.IsEmpty() {
		return nil
	}
	if wb.owner != e {
		return errors.New("engine: write batch belongs to another engine")
	}
	wo := pebble.NoSync
	if opts.Sync || e.opts.SyncWrites {
		wo = pebble.Sync
	}
	if err := wb.batch.Commit(wo); err != nil {
		return errors.Wrap(err, "engine: commit batch")
	}
	wb.Clear()
	return nil
}

// IngestExternalFile links the given SST files into the engine. The files
// must have been produced by NewSSTWriter and must not be reused afterwards.
func (e *Engine) IngestExternalFile(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := e.db.Ingest(paths); err != nil {
		return errors.Wrapf(err, "engine: ingest %v", paths)
	}
	return nil
}

// DeleteRangeCF removes every key of cf in [start, end).
func (e *Engine) DeleteRangeCF(cf string, start, end []byte) error {
	wb := e.NewWriteBatch()
	defer wb.Close()
	if err := wb.DeleteRangeCF(cf, start, end); err != nil {
		return err
	}
	return e.Write(wb)
}

// CompactRangeCF triggers a manual compaction of [start, end) within cf.
func (e *Engine) CompactRangeCF(cf string, start, end []byte) error {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	lower, upper := cfBounds(prefix, start, end)
	return e.db.Compact(lower, upper, false)
}

// ApproximateSize returns the on-disk size estimate of [start, end) within cf.
func (e *Engine) ApproximateSize(cf string, start, end []byte) (uint64, error) {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return 0, err
	}
	lower, upper := cfBounds(prefix, start, end)
	return e.db.EstimateDiskUsage(lower, upper)
}

// NewSnapshot pins a consistent point-in-time view of the engine.
func (e *Engine) NewSnapshot() *Snapshot {
	return &Snapshot{snap: e.db.NewSnapshot()}
}

// Snapshot is a read-only point-in-time view. Close must be called.
type Snapshot struct {
	snap *pebble.Snapshot
}

var _ Reader = (*Snapshot)(nil)

func (s *Snapshot) GetCF(cf string, key []byte) ([]byte, error) {
	return getCF(s.snap, cf, key)
}

func (s *Snapshot) GetMsgCF(cf string, key []byte, msg Message) error {
	return getMsgCF(s.snap, cf, key, msg)
}

func (s *Snapshot) ScanCF(cf string, start, end []byte, fillCache bool, fn func(key, value []byte) (bool, error)) error {
	return scanCF(s.snap, cf, start, end, fillCache, fn)
}

// Close releases the pinned sequence number.
func (s *Snapshot) Close() error {
	return s.snap.Close()
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func getCF(r pebbleReader, cf string, key []byte) ([]byte, error) {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return nil, err
	}
	val, closer, err := r.Get(encodeKey(prefix, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	return out, closer.Close()
}

func getMsgCF(r pebbleReader, cf string, key []byte, msg Message) error {
	val, err := getCF(r, cf, key)
	if err != nil {
		return err
	}
	if err := msg.Unmarshal(val); err != nil {
		return errors.Wrapf(err, "engine: decode %s/%q", cf, key)
	}
	return nil
}

func scanCF(r pebbleReader, cf string, start, end []byte, fillCache bool, fn func(key, value []byte) (bool, error)) error {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	lower, upper := cfBounds(prefix, start, end)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	_ = fillCache
	for valid := iter.First(); valid; valid = iter.Next() {
		cont, err := fn(iter.Key()[1:], iter.Value())
		if err != nil {
			_ = iter.Close()
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Close()
}
