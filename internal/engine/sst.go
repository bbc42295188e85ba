package engine

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/cockroachdb/pebble/vfs"
)

// SSTWriter writes a single column family into an external SST file that
// can later be ingested by any engine.
type SSTWriter struct {
	prefix byte
	path   string
	w      *sstable.Writer
	count  int
}

// NewSSTWriter creates path and returns a writer for keys of cf. Keys must be
// added in strictly increasing order.
func (e *Engine) NewSSTWriter(cf, path string) (*SSTWriter, error) {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return nil, err
	}
	f, err := vfs.Default.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "engine: create sst %s", path)
	}
	opts := sstable.WriterOptions{
		Compression: sstable.SnappyCompression,
		TableFormat: e.db.FormatMajorVersion().MaxTableFormat(),
	}
	w := sstable.NewWriter(objstorageprovider.NewFileWritable(f), opts)
	return &SSTWriter{prefix: prefix, path: path, w: w}, nil
}

// Put appends key/value to the file.
func (s *SSTWriter) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if err := s.w.Set(encodeKey(s.prefix, key), value); err != nil {
		return errors.Wrapf(err, "engine: sst put %s", s.path)
	}
	s.count++
	return nil
}

// Count returns the number of keys written so far.
func (s *SSTWriter) Count() int { return s.count }

// Finish seals the file. The writer must not be used afterwards.
func (s *SSTWriter) Finish() error {
	if err := s.w.Close(); err != nil {
		return errors.Wrapf(err, "engine: finish sst %s", s.path)
	}
	return nil
}

// Abort closes the writer and removes the partial file.
func (s *SSTWriter) Abort() {
	_ = s.w.Close()
	_ = os.Remove(s.path)
}

// VerifySST opens path as an sstable and checks that its properties can be
// read, the same check pebble performs before ingestion.
func VerifySST(path string) error {
	f, err := vfs.Default.Open(path)
	if err != nil {
		return errors.Wrapf(err, "engine: open sst %s", path)
	}
	readable, err := sstable.NewSimpleReadable(f)
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "engine: read sst %s", path)
	}
	r, err := sstable.NewReader(readable, sstable.ReaderOptions{})
	if err != nil {
		_ = readable.Close()
		return errors.Wrapf(err, "engine: sst %s not ingestible", path)
	}
	return r.Close()
}
