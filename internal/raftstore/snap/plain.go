package snap

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// The lock family is small and is shipped as a plain file instead of an SST:
// a sequence of uvarint-length-prefixed key and value pairs closed by a
// zero-length key.

func writePlainBytes(w *bufio.Writer, b []byte) (int, error) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return 0, err
	}
	if _, err := w.Write(b); err != nil {
		return 0, err
	}
	return n + len(b), nil
}

func writePlainKV(w *bufio.Writer, key, value []byte) (int, error) {
	kn, err := writePlainBytes(w, key)
	if err != nil {
		return 0, err
	}
	vn, err := writePlainBytes(w, value)
	if err != nil {
		return 0, err
	}
	return kn + vn, nil
}

func writePlainEnd(w *bufio.Writer) error {
	_, err := writePlainBytes(w, nil)
	return err
}

type plainReader struct {
	r *bufio.Reader
}

func newPlainReader(r io.Reader) *plainReader {
	return &plainReader{r: bufio.NewReader(r)}
}

func (p *plainReader) readBytes() ([]byte, error) {
	n, err := binary.ReadUvarint(p.r)
	if err != nil {
		return nil, errors.Wrap(ErrMetaCorrupted, "truncated plain file")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, errors.Wrap(ErrMetaCorrupted, "truncated plain file")
	}
	return buf, nil
}

// next returns the next pair, or io.EOF at the terminator.
func (p *plainReader) next() ([]byte, []byte, error) {
	key, err := p.readBytes()
	if err != nil {
		return nil, nil, err
	}
	if len(key) == 0 {
		return nil, nil, io.EOF
	}
	value, err := p.readBytes()
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}
