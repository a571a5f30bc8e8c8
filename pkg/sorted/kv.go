// Package sorted defines the engine contract this module is built on:
// an opaque, ordered byte-key/byte-value store exposing get, put,
// delete, and a bidirectional range iterator, optionally scoped to a
// caller-supplied transaction (spec.md §6). The package also ships a
// reference in-memory implementation (mem.go) used by this module's
// own tests and suitable for embedding in small programs; a durable
// backend is an external collaborator per spec.md §1 and is not
// shipped here.
package sorted

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("sorted: key not found")

// Engine is the ordered byte key/value store this module is layered
// on top of.
type Engine interface {
	Get(key []byte) (value []byte, err error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Range returns an iterator beginning at-or-after start when
	// reverse is false, or at-or-before start when reverse is true.
	// A nil start means "from the very beginning" (forward) or "from
	// the very end" (reverse). The iterator must be Closed.
	Range(start []byte, reverse bool) Iterator

	// Txn starts a transaction scoped to this Engine. Implementations
	// that have no native transaction concept may return a handle
	// that applies writes immediately and whose Commit/Rollback are
	// no-ops, so long as TxnID still distinguishes concurrent callers
	// per spec.md §5.
	Txn() (Txn, error)

	Close() error
}

// Txn is a transaction handle exposing the same four primitives as
// Engine, per spec.md §5/§6 ("optional transactional wrapper exposing
// the same four operations plus a txn_id attribute").
type Txn interface {
	Get(key []byte) (value []byte, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Range(start []byte, reverse bool) Iterator

	// TxnID identifies this transaction for the duration of its
	// lifetime; Collection stamps it onto the Records it loads or
	// saves under this transaction.
	TxnID() uint64

	Commit() error
	Rollback() error
}

// Iterator iterates over an Engine's or Txn's key/value pairs in key
// order. It must be Closed after use and may be abandoned before
// exhaustion (spec.md §5, "Iteration lifetime").
type Iterator interface {
	// Next advances the iterator and reports whether a pair is
	// available. It must be called before the first Key/Value.
	Next() bool
	Key() []byte
	Value() []byte

	// Err returns any error encountered during iteration.
	Err() error

	Close() error
}
