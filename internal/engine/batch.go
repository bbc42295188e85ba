package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// ErrKeyIsEmpty is returned when a batch operation receives an empty key.
var ErrKeyIsEmpty = errors.New("engine: key is empty")

// WriteBatch accumulates mutations committed atomically by Engine.Write.
// It is not safe for concurrent use.
type WriteBatch struct {
	owner *Engine
	batch *pebble.Batch
	count int
}

// NewWriteBatch creates a batch bound to e.
func (e *Engine) NewWriteBatch() *WriteBatch {
	return &WriteBatch{owner: e, batch: e.db.NewBatch()}
}

// PutCF stages a put of key in cf.
func (wb *WriteBatch) PutCF(cf string, key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	prefix, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	if err := wb.batch.Set(encodeKey(prefix, key), value, nil); err != nil {
		return err
	}
	wb.count++
	return nil
}

// PutMsgCF stages the encoding of msg under key in cf.
func (wb *WriteBatch) PutMsgCF(cf string, key []byte, msg Message) error {
	val, err := msg.Marshal()
	if err != nil {
		return errors.Wrapf(err, "engine: encode %s/%q", cf, key)
	}
	return wb.PutCF(cf, key, val)
}

// DeleteCF stages a point delete.
func (wb *WriteBatch) DeleteCF(cf string, key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	prefix, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	if err := wb.batch.Delete(encodeKey(prefix, key), nil); err != nil {
		return err
	}
	wb.count++
	return nil
}

// DeleteRangeCF stages a range tombstone over [start, end) of cf.
func (wb *WriteBatch) DeleteRangeCF(cf string, start, end []byte) error {
	prefix, err := cfPrefix(cf)
	if err != nil {
		return err
	}
	lower, upper := cfBounds(prefix, start, end)
	if err := wb.batch.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	wb.count++
	return nil
}

// Count returns the number of staged operations.
func (wb *WriteBatch) Count() int { return wb.count }

// DataSize returns the encoded size of the staged operations.
func (wb *WriteBatch) DataSize() int { return wb.batch.Len() }

// IsEmpty reports whether nothing is staged.
func (wb *WriteBatch) IsEmpty() bool { return wb.count == 0 }

// Clear drops staged operations so the batch can be reused.
func (wb *WriteBatch) Clear() {
	wb.batch.Reset()
	wb.count = 0
}

// Close releases the batch. Staged operations are discarded.
func (wb *WriteBatch) Close() {
	if wb.batch != nil {
		_ = wb.batch.Close()
		wb.batch = nil
	}
	wb.count = 0
}
