package bstindex

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrUnreadable reports an absent, truncated or incompatible index file.
	ErrUnreadable = errors.New("bstindex: unreadable index")

	// ErrNotFound is the lookup sentinel: no indexed key satisfies the query.
	ErrNotFound = errors.New("bstindex: key not found")
)

// maxIndexKeyLen bounds a single serialized key. Anything larger means the
// file is not an index.
const maxIndexKeyLen = 1 << 20

// Reader is a read-only view of one index file. It is cheap enough to open
// per request; callers wanting cross-request caching layer it above this
// type.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	f       *os.File
	schema  Schema
	cmp     *Comparator
	entries []indexEntry
}

// Open reads the whole index into memory and keeps the file handle until
// Close.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadable, "opening %s: %v", path, err)
	}
	r := &Reader{f: f}
	if err := r.load(bufio.NewReader(f)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrUnreadable, "loading %s: %v", path, err)
	}
	return r, nil
}

func (r *Reader) load(br *bufio.Reader) error {
	var magic, version uint32
	if err := binary.Read(br, binary.BigEndian, &magic); err != nil {
		return errors.Wrap(err, "reading magic")
	}
	if magic != indexMagic {
		return errors.Errorf("bad magic %#x", magic)
	}
	if err := binary.Read(br, binary.BigEndian, &version); err != nil {
		return errors.Wrap(err, "reading version")
	}
	if version != indexVersion {
		return errors.Errorf("unsupported version %d", version)
	}

	var ncols uint16
	if err := binary.Read(br, binary.BigEndian, &ncols); err != nil {
		return errors.Wrap(err, "reading column count")
	}
	schema := make(Schema, 0, ncols)
	for i := 0; i < int(ncols); i++ {
		var typ, desc uint8
		if err := binary.Read(br, binary.BigEndian, &typ); err != nil {
			return errors.Wrapf(err, "reading column %d", i)
		}
		if err := binary.Read(br, binary.BigEndian, &desc); err != nil {
			return errors.Wrapf(err, "reading column %d", i)
		}
		schema = append(schema, SortColumn{Type: Type(typ), Descending: desc == 1})
	}
	if err := schema.validate(); err != nil {
		return err
	}
	r.schema = schema
	r.cmp = NewComparator(schema)

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return errors.Wrap(err, "reading entry count")
	}
	entries := make([]indexEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.BigEndian, &keyLen); err != nil {
			return errors.Wrapf(err, "reading entry %d", i)
		}
		if keyLen > maxIndexKeyLen {
			return errors.Errorf("entry %d: key length %d out of range", i, keyLen)
		}
		raw := make([]byte, keyLen)
		if _, err := io.ReadFull(br, raw); err != nil {
			return errors.Wrapf(err, "reading entry %d key", i)
		}
		var offset uint64
		if err := binary.Read(br, binary.BigEndian, &offset); err != nil {
			return errors.Wrapf(err, "reading entry %d offset", i)
		}
		key, err := DecodeTuple(schema, raw)
		if err != nil {
			return errors.Wrapf(err, "decoding entry %d key", i)
		}
		if n := len(entries); n > 0 {
			if r.cmp.Compare(entries[n-1].key, key) >= 0 {
				return errors.Errorf("entry %d: keys not strictly increasing", i)
			}
			if int64(offset) < entries[n-1].offset {
				return errors.Errorf("entry %d: offsets decreasing", i)
			}
		}
		entries = append(entries, indexEntry{key: key, rawKey: raw, offset: int64(offset)})
	}
	// trailing bytes mean the file is something else entirely
	if _, err := br.ReadByte(); err != io.EOF {
		return errors.New("trailing bytes after last entry")
	}
	r.entries = entries
	return nil
}

// Schema returns the key schema stored in the index header.
func (r *Reader) Schema() Schema { return r.schema }

// Comparator returns the tuple comparator for the index's schema.
func (r *Reader) Comparator() *Comparator { return r.cmp }

// Entries returns the number of indexed keys.
func (r *Reader) Entries() int { return len(r.entries) }

// FirstKey returns the minimum indexed key, or nil if the index is empty.
func (r *Reader) FirstKey() Tuple {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[0].key
}

// LastKey returns the maximum indexed key, or nil if the index is empty.
func (r *Reader) LastKey() Tuple {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1].key
}

// Find resolves a key to a data file offset. With higher=false only an exact
// key hit resolves; anything else returns ErrNotFound. With higher=true the
// first key strictly greater than the argument resolves, covering lookups
// that land in the gaps of a sparse index.
func (r *Reader) Find(key Tuple, higher bool) (int64, error) {
	i := sort.Search(len(r.entries), func(idx int) bool {
		return r.cmp.Compare(r.entries[idx].key, key) >= 0
	})

	if higher {
		if i < len(r.entries) && r.cmp.Compare(r.entries[i].key, key) == 0 {
			i++
		}
		if i >= len(r.entries) {
			return 0, ErrNotFound
		}
		return r.entries[i].offset, nil
	}

	if i >= len(r.entries) || r.cmp.Compare(r.entries[i].key, key) != 0 {
		return 0, ErrNotFound
	}
	return r.entries[i].offset, nil
}

// Close releases the underlying file handle. Safe to call more than once.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	return f.Close()
}
