package bstindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Type enumerates the column types an index key may carry.
type Type uint8

const (
	TypeInt4 Type = iota + 1
	TypeInt8
	TypeFloat8
	TypeText
)

func (t Type) String() string {
	switch t {
	case TypeInt4:
		return "int4"
	case TypeInt8:
		return "int8"
	case TypeFloat8:
		return "float8"
	case TypeText:
		return "text"
	}
	return "unknown"
}

// SortColumn describes one column of the key schema.
type SortColumn struct {
	Type       Type
	Descending bool
}

// Schema is the ordered key schema of an index. Keys are encoded and
// compared column by column in schema order.
type Schema []SortColumn

func (s Schema) validate() error {
	if len(s) == 0 {
		return errors.New("schema has no columns")
	}
	for i, c := range s {
		if c.Type < TypeInt4 || c.Type > TypeText {
			return errors.Errorf("column %d has unknown type %d", i, c.Type)
		}
	}
	return nil
}

// Datum is a single key column value: int32, int64, float64 or string
// depending on the column type.
type Datum any

// Tuple is one key value, one datum per schema column.
type Tuple []Datum

func (t Tuple) String() string {
	if t == nil {
		return "<absent>"
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, d := range t {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprint(&sb, d)
	}
	sb.WriteByte(')')
	return sb.String()
}

// EncodeTuple serializes a tuple under the given schema. Numeric columns are
// fixed width big-endian, text columns are length prefixed.
func EncodeTuple(schema Schema, t Tuple) ([]byte, error) {
	if len(t) != len(schema) {
		return nil, errors.Errorf("tuple has %d columns, schema has %d", len(t), len(schema))
	}
	var buf bytes.Buffer
	for i, col := range schema {
		switch col.Type {
		case TypeInt4:
			v, ok := t[i].(int32)
			if !ok {
				return nil, errors.Errorf("column %d: expected int32, got %T", i, t[i])
			}
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(v))
			buf.Write(b[:])
		case TypeInt8:
			v, ok := t[i].(int64)
			if !ok {
				return nil, errors.Errorf("column %d: expected int64, got %T", i, t[i])
			}
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			buf.Write(b[:])
		case TypeFloat8:
			v, ok := t[i].(float64)
			if !ok {
				return nil, errors.Errorf("column %d: expected float64, got %T", i, t[i])
			}
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			buf.Write(b[:])
		case TypeText:
			v, ok := t[i].(string)
			if !ok {
				return nil, errors.Errorf("column %d: expected string, got %T", i, t[i])
			}
			if len(v) > math.MaxUint16 {
				return nil, errors.Errorf("column %d: text value too long (%d bytes)", i, len(v))
			}
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(len(v)))
			buf.Write(b[:])
			buf.WriteString(v)
		}
	}
	return buf.Bytes(), nil
}

// DecodeTuple deserializes a tuple previously encoded under the same schema.
func DecodeTuple(schema Schema, data []byte) (Tuple, error) {
	t := make(Tuple, 0, len(schema))
	rest := data
	for i, col := range schema {
		switch col.Type {
		case TypeInt4:
			if len(rest) < 4 {
				return nil, errors.Errorf("column %d: short int4", i)
			}
			t = append(t, int32(binary.BigEndian.Uint32(rest)))
			rest = rest[4:]
		case TypeInt8:
			if len(rest) < 8 {
				return nil, errors.Errorf("column %d: short int8", i)
			}
			t = append(t, int64(binary.BigEndian.Uint64(rest)))
			rest = rest[8:]
		case TypeFloat8:
			if len(rest) < 8 {
				return nil, errors.Errorf("column %d: short float8", i)
			}
			t = append(t, math.Float64frombits(binary.BigEndian.Uint64(rest)))
			rest = rest[8:]
		case TypeText:
			if len(rest) < 2 {
				return nil, errors.Errorf("column %d: short text length", i)
			}
			n := int(binary.BigEndian.Uint16(rest))
			rest = rest[2:]
			if len(rest) < n {
				return nil, errors.Errorf("column %d: short text body", i)
			}
			t = append(t, string(rest[:n]))
			rest = rest[n:]
		}
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("%d trailing bytes after decoding %d columns", len(rest), len(schema))
	}
	return t, nil
}

// Comparator orders tuples under a schema, honoring per-column sort
// direction.
type Comparator struct {
	schema Schema
}

func NewComparator(schema Schema) *Comparator {
	return &Comparator{schema: schema}
}

// Compare returns <0, 0 or >0 as a sorts before, equal to, or after b.
func (c *Comparator) Compare(a, b Tuple) int {
	for i, col := range c.schema {
		cmp := compareDatum(col.Type, a[i], b[i])
		if col.Descending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

func compareDatum(typ Type, a, b Datum) int {
	switch typ {
	case TypeInt4:
		return cmpOrdered(a.(int32), b.(int32))
	case TypeInt8:
		return cmpOrdered(a.(int64), b.(int64))
	case TypeFloat8:
		return cmpOrdered(a.(float64), b.(float64))
	case TypeText:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

func cmpOrdered[T int32 | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
