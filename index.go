package centidb

import (
	"bytes"
	"log"

	"github.com/pkg/errors"

	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
)

// IndexFunc projects a record's value into zero or more index tuples
// (spec.md §3, §9 Design Notes "unify to list of tuples"). Returning no
// tuples means the record is omitted from this index.
type IndexFunc func(data interface{}) ([]keys.Tuple, error)

// IndexOf adapts a scalar-returning projection function into an
// IndexFunc, per spec.md §9's Design Notes convenience wrapper for the
// common single-tuple case. A nil return means "no entry for this
// record".
func IndexOf(fn func(data interface{}) (interface{}, error)) IndexFunc {
	return func(data interface{}) ([]keys.Tuple, error) {
		v, err := fn(data)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		t, err := coerceKey(v)
		if err != nil {
			return nil, err
		}
		return []keys.Tuple{t}, nil
	}
}

// Index is a secondary, id-prefixed keyspace mapping projections of
// record data back to primary keys (spec.md §3). Its physical entries
// are zero-byte values whose key is `prefix ‖ encode_keys([index_tuple,
// record_key])`.
type Index struct {
	coll   *Collection
	name   string
	idx    uint64
	prefix []byte
	fn     IndexFunc
}

// Name returns the index's name, as passed to Collection.Index.
func (idx *Index) Name() string { return idx.name }

// Index returns the named index on c, creating it (and persisting its
// id) on first use, idempotently across Store re-opens.
func (c *Collection) Index(name string, fn IndexFunc) (*Index, error) {
	c.mu.Lock()
	if idx, ok := c.indices[name]; ok {
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	txn, err := c.store.engine.Txn()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	id, err := c.store.lookupOrAssignID(txn, "i", c.name, name)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}

	idx := &Index{
		coll:   c,
		name:   name,
		idx:    id,
		prefix: c.store.physPrefix(id),
		fn:     fn,
	}

	c.mu.Lock()
	if existing, ok := c.indices[name]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.indices[name] = idx
	c.indexOrder = append(c.indexOrder, name)
	c.mu.Unlock()
	return idx, nil
}

// indexBounds resolves Key/Lo/Hi into the concrete byte bounds driving
// an index scan, per spec.md §4.9: "its lower bound is
// encode_keys(prefix, lo); its upper bound is
// next_greater(encode_keys(prefix, hi))". A non-nil key sets both lo
// and hi to key, in either direction.
func indexBounds(prefix []byte, key, lo, hi keys.Tuple, reverse bool) (startKey, lowBytes, highBytes []byte, err error) {
	if key != nil {
		lo, hi = key, key
	}

	if lo == nil {
		lowBytes = prefix
	} else {
		if lowBytes, err = keys.EncodeKeys(prefix, []keys.Tuple{lo}); err != nil {
			return
		}
	}
	if hi == nil {
		highBytes = keys.NextGreater(prefix)
	} else {
		enc, eerr := keys.EncodeKeys(prefix, []keys.Tuple{hi})
		if eerr != nil {
			err = eerr
			return
		}
		highBytes = keys.NextGreater(enc)
	}

	if reverse {
		startKey = highBytes
	} else {
		startKey = lowBytes
	}
	return
}

// IndexIter walks an Index's (index_tuple, record_key) entries in
// index-key order (spec.md §4.9).
type IndexIter struct {
	idx     *Index
	physIt  sorted.Iterator
	reverse bool
	lowBytes, highBytes []byte

	maxLogical, maxPhys, yielded, physVisited int

	curIndexKey  keys.Tuple
	curRecordKey keys.Tuple

	done bool
	err  error
}

// Pairs returns an iterator over this index's raw (index_tuple,
// record_key) entries, without validating the referenced record exists
// (spec.md §7: "Index-only iteration methods do not perform this
// check"). The caller must Close it.
func (idx *Index) Pairs(txn sorted.Txn, opts RangeOptions) (*IndexIter, error) {
	startKey, lowBytes, highBytes, err := indexBounds(idx.prefix, opts.Key, opts.Lo, opts.Hi, opts.Reverse)
	if err != nil {
		return nil, err
	}
	r := idx.coll.store.txnOrEngine(txn)
	return &IndexIter{
		idx:        idx,
		physIt:     r.Range(startKey, opts.Reverse),
		reverse:    opts.Reverse,
		lowBytes:   lowBytes,
		highBytes:  highBytes,
		maxLogical: opts.Max,
		maxPhys:    opts.MaxPhys,
	}, nil
}

// Next advances the iterator.
func (it *IndexIter) Next() bool {
	if it.done {
		return false
	}
	for {
		if it.maxPhys > 0 && it.physVisited >= it.maxPhys {
			it.done = true
			return false
		}
		if !it.physIt.Next() {
			if err := it.physIt.Err(); err != nil {
				it.err = err
			}
			it.done = true
			return false
		}
		it.physVisited++
		physKey := it.physIt.Key()

		if it.reverse {
			if bytes.Compare(physKey, it.lowBytes) < 0 {
				it.done = true
				return false
			}
		} else {
			if bytes.Compare(physKey, it.highBytes) >= 0 {
				it.done = true
				return false
			}
		}

		tuples, ok, err := keys.DecodeKeys(it.idx.prefix, physKey)
		if err != nil {
			it.err = errors.Wrap(err, "centidb: corrupt index key")
			it.done = true
			return false
		}
		if !ok || len(tuples) != 2 {
			it.err = errors.New("centidb: malformed index entry")
			it.done = true
			return false
		}

		it.curIndexKey, it.curRecordKey = tuples[0], tuples[1]
		it.yielded++
		if it.maxLogical > 0 && it.yielded > it.maxLogical {
			it.done = true
			return false
		}
		return true
	}
}

// IndexKey returns the index tuple of the current entry.
func (it *IndexIter) IndexKey() keys.Tuple { return it.curIndexKey }

// RecordKey returns the record key of the current entry.
func (it *IndexIter) RecordKey() keys.Tuple { return it.curRecordKey }

// Err returns any error encountered during iteration.
func (it *IndexIter) Err() error { return it.err }

// Close releases the underlying engine iterator. Safe to call more than
// once.
func (it *IndexIter) Close() error {
	if it.physIt == nil {
		return nil
	}
	return it.physIt.Close()
}

// Items resolves every matching index entry to its record, logging and
// skipping index entries whose record no longer exists (spec.md §7
// "stale index entry").
func (idx *Index) Items(txn sorted.Txn, opts RangeOptions) ([]keys.Tuple, []interface{}, error) {
	it, err := idx.Pairs(txn, opts)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	var ks []keys.Tuple
	var vs []interface{}
	for it.Next() {
		v, err := idx.coll.Get(txn, it.RecordKey())
		if err == ErrNotFound {
			log.Printf("centidb: index %q: stale entry for record key %v, skipping", idx.name, it.RecordKey())
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		ks = append(ks, it.RecordKey())
		vs = append(vs, v)
	}
	return ks, vs, it.Err()
}

// Get returns the first live record whose index tuple starts with
// indexTuple, or ErrNotFound.
func (idx *Index) Get(txn sorted.Txn, indexTuple interface{}) (interface{}, error) {
	key, err := coerceKey(indexTuple)
	if err != nil {
		return nil, err
	}
	it, err := idx.Pairs(txn, RangeOptions{Key: key})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	for it.Next() {
		v, err := idx.coll.Get(txn, it.RecordKey())
		if err == ErrNotFound {
			log.Printf("centidb: index %q: stale entry for record key %v, skipping", idx.name, it.RecordKey())
			continue
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// GetAll returns every record matching indexTuple exactly.
func (idx *Index) GetAll(txn sorted.Txn, indexTuple interface{}) ([]interface{}, error) {
	key, err := coerceKey(indexTuple)
	if err != nil {
		return nil, err
	}
	_, vs, err := idx.Items(txn, RangeOptions{Key: key})
	return vs, err
}

// Gets returns Get(k) for each k in indexTuples, in order.
func (idx *Index) Gets(txn sorted.Txn, indexTuples []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(indexTuples))
	for i, k := range indexTuples {
		v, err := idx.Get(txn, k)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Count returns the number of index entries matching opts, without
// materializing records or checking for staleness.
func (idx *Index) Count(txn sorted.Txn, opts RangeOptions) (int, error) {
	it, err := idx.Pairs(txn, opts)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}
