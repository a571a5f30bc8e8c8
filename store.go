// Package centidb implements a minimalist object database layering
// typed, multi-field, order-preserving keys, secondary indices, and
// compressed record batching on top of an opaque ordered key/value
// engine (see pkg/sorted.Engine). It is a Go-idiomatic rewrite of the
// centidb.py object database: Store is the root object, Collection is
// a CRUD keyspace with automatic index maintenance, Index is a derived
// key projection, and Record is the application-visible unit they
// operate on.
package centidb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Zabrane/centidb/pkg/codecs"
	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
	"github.com/Zabrane/centidb/pkg/varint"
)

// Reserved internal collection ids (spec.md §3).
const (
	collMetaIdx     = 0
	counterIdx      = 1
	encoderMetaIdx  = 2
	firstUserCollID = 10

	collectionsCounterName = "collections_idx"
	encodersCounterName    = "encoder_idx"

	// MaxEncoderTag is the largest tag value that still fits in a
	// single varint byte, per spec.md §3's invariant.
	MaxEncoderTag = 240
)

// Store is the root container: it owns the byte prefix applied to
// every physical key it writes, the engine handle, the encoder
// registry, and the Collection cache.
type Store struct {
	prefix []byte
	engine sorted.Engine

	mu          sync.Mutex
	collections map[string]*Collection

	tagByName map[string]byte
	byTag     map[byte]codecs.Named
	nameByTag map[byte]string // persisted-name cache, populated even for tags without a live instance
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithPrefix sets the byte prefix applied to every physical key this
// Store writes, letting multiple Stores share one Engine.
func WithPrefix(prefix []byte) StoreOption {
	return func(s *Store) { s.prefix = append([]byte{}, prefix...) }
}

// NewStore opens (or initializes, if empty) a Store over engine.
func NewStore(engine sorted.Engine, opts ...StoreOption) *Store {
	s := &Store{
		engine:      engine,
		collections: make(map[string]*Collection),
		tagByName:   make(map[string]byte),
		byTag:       make(map[byte]codecs.Named),
		nameByTag:   make(map[byte]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// txnOrEngine returns txn if non-nil, else a facade over s.engine that
// satisfies the same four operations (spec.md §5: "if absent, the
// Store's engine is used directly as an implicit no-transaction
// handle").
func (s *Store) txnOrEngine(txn sorted.Txn) rwRanger {
	if txn != nil {
		return txn
	}
	return engineRanger{s.engine}
}

// rwRanger is the subset of sorted.Engine/sorted.Txn that Store,
// Collection, and Index need: get/put/delete plus a range iterator.
type rwRanger interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Range(start []byte, reverse bool) sorted.Iterator
}

// engineRanger adapts sorted.Engine to rwRanger so untransacted calls
// go straight to the engine.
type engineRanger struct{ e sorted.Engine }

func (r engineRanger) Get(key []byte) ([]byte, error)  { return r.e.Get(key) }
func (r engineRanger) Put(key, value []byte) error     { return r.e.Put(key, value) }
func (r engineRanger) Delete(key []byte) error         { return r.e.Delete(key) }
func (r engineRanger) Range(start []byte, reverse bool) sorted.Iterator {
	return r.e.Range(start, reverse)
}

func (s *Store) physPrefix(collIdx uint64) []byte {
	return varint.Encode(append([]byte{}, s.prefix...), collIdx)
}

// metaKey builds a physical key under the collection-metadata
// namespace (id 0) for the tuple (kind, ...parts).
func (s *Store) metaKey(parts ...interface{}) []byte {
	k, err := keys.EncodeKeys(s.physPrefix(collMetaIdx), []keys.Tuple{keys.Tuple(parts)})
	if err != nil {
		panic(err) // parts are always strings/ints supplied by this package
	}
	return k
}

func (s *Store) encoderKey(parts ...interface{}) []byte {
	k, err := keys.EncodeKeys(s.physPrefix(encoderMetaIdx), []keys.Tuple{keys.Tuple(parts)})
	if err != nil {
		panic(err)
	}
	return k
}

// lookupOrAssignID fetches the persisted id for (kind, name...) from
// the collection-metadata namespace, or assigns and persists a fresh
// one from the shared collections_idx counter if absent. It must be
// called under a transaction for correctness (spec.md §5).
func (s *Store) lookupOrAssignID(txn sorted.Txn, parts ...interface{}) (uint64, error) {
	r := s.txnOrEngine(txn)
	k := s.metaKey(parts...)
	if v, err := r.Get(k); err == nil {
		id, _, derr := varint.Decode(v)
		if derr != nil {
			return 0, errors.Wrap(derr, "centidb: corrupt collection-metadata row")
		}
		return id, nil
	} else if err != sorted.ErrNotFound {
		return 0, err
	}
	id, err := s.count(txn, collectionsCounterName, 1, firstUserCollID)
	if err != nil {
		return 0, err
	}
	if err := r.Put(k, varint.Encode(nil, id)); err != nil {
		return 0, err
	}
	return id, nil
}

// resolveTag assigns (or recalls) the stable one-byte tag for a named
// encoder/packer, persisting the assignment on first use (spec.md
// §4.4). Per the Design Notes, identity is keyed by name rather than
// object identity, since Go encoders are already required to carry a
// unique name.
func (s *Store) resolveTag(txn sorted.Txn, c codecs.Named) (byte, error) {
	name := c.Name()

	s.mu.Lock()
	if tag, ok := s.tagByName[name]; ok {
		s.mu.Unlock()
		return tag, nil
	}
	s.mu.Unlock()

	r := s.txnOrEngine(txn)
	nameKey := s.encoderKey("n", name)
	if v, err := r.Get(nameKey); err == nil {
		tag64, _, derr := varint.Decode(v)
		if derr != nil {
			return 0, errors.Wrap(derr, "centidb: corrupt encoder-registry row")
		}
		tag := byte(tag64)
		s.cacheTag(tag, name, c)
		return tag, nil
	} else if err != sorted.ErrNotFound {
		return 0, err
	}

	idx, err := s.count(txn, encodersCounterName, 1, firstUserCollID)
	if err != nil {
		return 0, err
	}
	if idx > MaxEncoderTag {
		return 0, ErrTagSpaceExhausted
	}
	tag := byte(idx)
	if err := r.Put(nameKey, varint.Encode(nil, idx)); err != nil {
		return 0, err
	}
	if err := r.Put(s.encoderKey("i", idx), []byte(name)); err != nil {
		return 0, err
	}
	s.cacheTag(tag, name, c)
	return tag, nil
}

func (s *Store) cacheTag(tag byte, name string, c codecs.Named) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagByName[name] = tag
	s.byTag[tag] = c
	s.nameByTag[tag] = name
}

// codecByTag returns the previously-registered Named instance for tag,
// or an *UnknownEncoderTagError (including the persisted name, if any)
// if this process has never registered it (spec.md §7).
func (s *Store) codecByTag(txn sorted.Txn, tag byte) (codecs.Named, error) {
	s.mu.Lock()
	c, ok := s.byTag[tag]
	name := s.nameByTag[tag]
	s.mu.Unlock()
	if ok {
		return c, nil
	}
	if name == "" {
		r := s.txnOrEngine(txn)
		if v, err := r.Get(s.encoderKey("i", uint64(tag))); err == nil {
			name = string(v)
			s.mu.Lock()
			s.nameByTag[tag] = name
			s.mu.Unlock()
		}
	}
	return nil, &UnknownEncoderTagError{Tag: tag, Name: name}
}
