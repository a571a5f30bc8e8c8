// Package keys implements the typed, order-preserving tuple codec
// (spec.md §4.3) and its escape sub-codec (§4.2): encoding of
// heterogeneous key tuples (null, signed integer, bool, bytes, text,
// uuid, nested tuple) into byte strings whose lexicographic order
// matches a defined typed order, prefix-free within an element so
// tuples can be concatenated unambiguously.
package keys

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zabrane/centidb/pkg/varint"
)

// Kind tags, in ascending sort order; this ordering IS the cross-type
// comparison order described in spec.md §4.3.
const (
	kindNull   = 0x0F
	kindNegInt = 0x14
	kindPosInt = 0x15
	kindBool   = 0x1E
	kindBlob   = 0x28
	kindText   = 0x32
	kindUUID   = 0x5A
)

// sep separates tuples within an encoded key list.
const sep = 0x66

var (
	errTruncated   = errors.New("keys: truncated input")
	errBadEscape   = errors.New("keys: invalid escape sequence")
	errUnknownKind = errors.New("keys: unknown kind tag")
)

// UnsupportedTypeError is returned when a key element's type has no
// encoding.
type UnsupportedTypeError struct {
	Value interface{}
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("keys: unsupported key element type %T", e.Value)
}

// CorruptKeyError is returned by Decode/DecodeKeys when an unknown
// kind tag is encountered; it carries the offending bytes per
// spec.md §7 ("abort the enumeration and surface the offending
// bytes").
type CorruptKeyError struct {
	Offset int
	Bytes  []byte
}

func (e *CorruptKeyError) Error() string {
	return fmt.Sprintf("keys: corrupt key at offset %d: %x", e.Offset, e.Bytes)
}

// Tuple is an ordered sequence of typed key elements. Elements must be
// one of: nil, a signed integer type (int, int8..int64), bool,
// []byte, string, uuid.UUID, or Tuple (nested).
type Tuple []interface{}

// Of is a convenience constructor: Of(1, "a", true) == Tuple{1, "a", true}.
func Of(elems ...interface{}) Tuple { return Tuple(elems) }

// UUID wraps a uuid.UUID so it can appear inside a Tuple unambiguously;
// plain uuid.UUID values are also accepted directly by Encode.
type UUID = uuid.UUID

// Encode appends the encoding of a single Tuple (no list separator, no
// trailing tuple) to dst. It is the per-element building block used by
// EncodeKeys.
func Encode(dst []byte, t Tuple) ([]byte, error) {
	for _, elem := range t {
		var err error
		dst, err = encodeElem(dst, elem)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func encodeElem(dst []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, kindNull), nil
	case bool:
		dst = append(dst, kindBool)
		if x {
			return varint.Encode(dst, 1), nil
		}
		return varint.Encode(dst, 0), nil
	case []byte:
		dst = append(dst, kindBlob)
		return escapeAppend(dst, x), nil
	case string:
		dst = append(dst, kindText)
		return escapeAppend(dst, []byte(x)), nil
	case uuid.UUID:
		dst = append(dst, kindUUID)
		dst = escapeAppend(dst, x[:])
		return append(dst, 0x00), nil
	case Tuple:
		return Encode(dst, x)
	default:
		if n, ok := asInt64(v); ok {
			if n < 0 {
				// The magnitude is encoded ascending, so among negatives
				// the order is inverted: -10 sorts after -1. Across kinds
				// -1 < 0 < 1 still holds, via the kind tag.
				dst = append(dst, kindNegInt)
				return varint.Encode(dst, uint64(-n)), nil
			}
			dst = append(dst, kindPosInt)
			return varint.Encode(dst, uint64(n)), nil
		}
		return nil, &UnsupportedTypeError{Value: v}
	}
}

// asInt64 accepts any of Go's signed/unsigned integer kinds so callers
// can pass int, int32, uint, etc. as key elements without manual casts.
func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	default:
		return 0, false
	}
}

// Decode decodes exactly one Tuple from the front of src, stopping at
// an unescaped sep byte or end of input, and returns the number of
// bytes consumed.
func Decode(src []byte) (Tuple, int, error) {
	var t Tuple
	i := 0
	for i < len(src) {
		if src[i] == sep {
			return t, i + 1, nil
		}
		kind := src[i]
		i++
		switch kind {
		case kindNull:
			t = append(t, nil)
		case kindNegInt:
			v, n, err := varint.Decode(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			t = append(t, -int64(v))
		case kindPosInt:
			v, n, err := varint.Decode(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			t = append(t, int64(v))
		case kindBool:
			v, n, err := varint.Decode(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			t = append(t, v != 0)
		case kindBlob:
			b, n, err := unescape(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			t = append(t, b)
		case kindText:
			b, n, err := unescape(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			t = append(t, string(b))
		case kindUUID:
			b, n, err := unescape(src[i:])
			if err != nil {
				return nil, 0, err
			}
			i += n
			if i >= len(src) || src[i] != 0x00 {
				return nil, 0, errTruncated
			}
			i++
			var u uuid.UUID
			copy(u[:], b)
			t = append(t, u)
		default:
			return nil, 0, &CorruptKeyError{Offset: i - 1, Bytes: src[max(0, i-1):min(len(src), i+8)]}
		}
	}
	return t, i, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// EncodeKeys encodes a list of tuples as prefix ‖ T1 ‖ sep ‖ T2 ‖ ... ‖ Tn,
// per spec.md §4.3.
func EncodeKeys(prefix []byte, tuples []Tuple) ([]byte, error) {
	dst := append([]byte{}, prefix...)
	for i, t := range tuples {
		if i > 0 {
			dst = append(dst, sep)
		}
		var err error
		dst, err = Encode(dst, t)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// DecodeKeys decodes the tuple list previously produced by EncodeKeys.
// If s does not start with prefix, ok is false and no error is raised,
// matching the original's "no match" behavior (spec.md §9).
func DecodeKeys(prefix, s []byte) (tuples []Tuple, ok bool, err error) {
	if len(s) < len(prefix) || !bytesEqual(s[:len(prefix)], prefix) {
		return nil, false, nil
	}
	rest := s[len(prefix):]
	if len(rest) == 0 {
		return nil, true, nil
	}
	for {
		t, n, derr := Decode(rest)
		if derr != nil {
			return nil, true, derr
		}
		tuples = append(tuples, t)
		rest = rest[n:]
		if len(rest) == 0 {
			break
		}
	}
	return tuples, true, nil
}

// DecodeFirst decodes only the first tuple following prefix, per the
// `first=true` mode of the original decode_keys.
func DecodeFirst(prefix, s []byte) (t Tuple, ok bool, err error) {
	if len(s) < len(prefix) || !bytesEqual(s[:len(prefix)], prefix) {
		return nil, false, nil
	}
	t, _, err = Decode(s[len(prefix):])
	if err != nil {
		return nil, true, err
	}
	return t, true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NextGreater strips trailing 0xFF bytes from s then increments the
// last remaining byte, returning the lexicographically smallest byte
// string strictly greater than every string having s as a prefix.
// Panics if s consists solely of 0xFF bytes (or is empty); callers
// deriving a range bound from a concrete, previously-encoded key
// should never hit that case since encoded keys always end in a
// non-0xFF terminator or varint width byte. Collection iteration does
// not use it as its upper-bound filter (see DESIGN.md OQ-2); index
// scans do use it to derive their exclusive upper bound.
func NextGreater(s []byte) []byte {
	i := len(s)
	for i > 0 && s[i-1] == 0xFF {
		i--
	}
	if i == 0 {
		panic("keys: NextGreater of all-0xFF (or empty) input has no representation")
	}
	out := append([]byte{}, s[:i]...)
	out[len(out)-1]++
	return out
}
