// Package codecs provides the built-in value encoders and packers
// wired into a Store's encoder registry (spec.md §4.4): a default
// "pickle-like" generic value encoder, and a handful of byte->byte
// compressors usable as packers. Both roles share one registry and
// one numeric tag space (spec.md §3 "Encoder") because both tags are
// written as the first byte of a stored value; in Go they are two
// distinct interfaces joined by a common Name, since a value encoder's
// payload is an arbitrary Go value while a packer's is always bytes.
package codecs

// Named is the part every registry entry, of either role, must supply:
// a stable, unique, ASCII name persisted alongside its assigned tag.
type Named interface {
	Name() string
}

// ValueEncoder serializes arbitrary record values to and from bytes.
// unpack must tolerate a slice borrowed from a decode buffer: callers
// that retain the decoded value past the buffer's lifetime are
// responsible for copying out of it themselves, same as any Go
// decoder handed a sub-slice of a larger buffer.
type ValueEncoder interface {
	Named
	Pack(v interface{}) ([]byte, error)
	Unpack(b []byte) (interface{}, error)
}

// Packer compresses and decompresses a value encoder's byte output. A
// Packer is itself an Encoder in the registry's tag space (spec.md
// §3), just one whose domain and range are both []byte.
type Packer interface {
	Named
	Pack(b []byte) ([]byte, error)
	Unpack(b []byte) ([]byte, error)
}
