package centidb

import (
	"fmt"

	"github.com/Zabrane/centidb/pkg/keys"
)

// ErrNotFound is returned by Collection.Get and Index.Get when no
// record matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "centidb: record not found" }

// ErrInvalidKeyShape is returned when a key function (as opposed to an
// index function, which legitimately returns a list of tuples) returns
// a slice shape instead of a scalar or single keys.Tuple. See spec.md
// §9's open question and DESIGN.md OQ-4.
var ErrInvalidKeyShape = fmt.Errorf("centidb: key function must return a scalar or a single tuple, not a list")

// UnsupportedKeyTypeError wraps keys.UnsupportedTypeError so callers
// encode-time errors surface through this package's error type too.
type UnsupportedKeyTypeError = keys.UnsupportedTypeError

// CorruptKeyError wraps keys.CorruptKeyError.
type CorruptKeyError = keys.CorruptKeyError

// UnknownEncoderTagError is returned when a physical value's leading
// tag byte has not been registered with the Store in this process,
// per spec.md §7 ("error names both the tag number and, if known, the
// recorded encoder name").
type UnknownEncoderTagError struct {
	Tag  byte
	Name string // empty if the persisted registry has no record either
}

func (e *UnknownEncoderTagError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("centidb: unknown encoder tag %d (registered on disk as %q, not registered in this process)", e.Tag, e.Name)
	}
	return fmt.Sprintf("centidb: unknown encoder tag %d", e.Tag)
}

// ErrTagSpaceExhausted is returned when the encoder registry would
// need to assign a tag above 240, violating spec.md §3's invariant
// that a tag is always a single varint byte.
var ErrTagSpaceExhausted = fmt.Errorf("centidb: encoder tag space exhausted (> 240)")
