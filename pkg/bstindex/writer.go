package bstindex

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

const (
	indexMagic   = uint32(0x42535458)
	indexVersion = uint32(1)
)

type indexEntry struct {
	key    Tuple
	rawKey []byte
	offset int64
}

// Writer builds an index file from keys appended in ascending schema order
// with non-decreasing data file offsets. The file is laid out on Close.
type Writer struct {
	path    string
	schema  Schema
	cmp     *Comparator
	entries []indexEntry
	closed  bool
}

func NewWriter(path string, schema Schema) (*Writer, error) {
	if err := schema.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid index schema")
	}
	return &Writer{
		path:   path,
		schema: schema,
		cmp:    NewComparator(schema),
	}, nil
}

// Append records one (key, offset) pair. Keys must be strictly increasing
// and offsets non-decreasing.
func (w *Writer) Append(key Tuple, offset int64) error {
	if w.closed {
		return errors.New("append on closed index writer")
	}
	if offset < 0 {
		return errors.Errorf("negative offset %d", offset)
	}
	raw, err := EncodeTuple(w.schema, key)
	if err != nil {
		return errors.Wrap(err, "encoding index key")
	}
	if n := len(w.entries); n > 0 {
		prev := w.entries[n-1]
		if w.cmp.Compare(prev.key, key) >= 0 {
			return errors.Errorf("keys out of order: %s then %s", prev.key, key)
		}
		if offset < prev.offset {
			return errors.Errorf("offset went backwards: %d then %d", prev.offset, offset)
		}
	}
	w.entries = append(w.entries, indexEntry{key: key, rawKey: raw, offset: offset})
	return nil
}

// Close writes the index file. An empty writer still produces a valid,
// zero-entry index.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrap(err, "creating index file")
	}
	bw := bufio.NewWriter(f)

	writeErr := func() error {
		if err := binary.Write(bw, binary.BigEndian, indexMagic); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, indexVersion); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, uint16(len(w.schema))); err != nil {
			return err
		}
		for _, col := range w.schema {
			desc := uint8(0)
			if col.Descending {
				desc = 1
			}
			if err := binary.Write(bw, binary.BigEndian, uint8(col.Type)); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.BigEndian, desc); err != nil {
				return err
			}
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(len(w.entries))); err != nil {
			return err
		}
		for _, e := range w.entries {
			if err := binary.Write(bw, binary.BigEndian, uint32(len(e.rawKey))); err != nil {
				return err
			}
			if _, err := bw.Write(e.rawKey); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.BigEndian, uint64(e.offset)); err != nil {
				return err
			}
		}
		return bw.Flush()
	}()
	if writeErr != nil {
		_ = f.Close()
		return errors.Wrap(writeErr, "writing index file")
	}
	return errors.Wrap(f.Close(), "closing index file")
}
