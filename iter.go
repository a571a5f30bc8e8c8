package centidb

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/Zabrane/centidb/pkg/codecs"
	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
	"github.com/Zabrane/centidb/pkg/varint"
)

// compareTuples orders two key tuples the way the engine would order
// their encodings, without needing a prefix: Encode is order-preserving
// and prefix-free, so comparing the bare encodings is equivalent to
// comparing the physical keys built from them (spec.md §4.3).
func compareTuples(a, b keys.Tuple) int {
	ea, _ := keys.Encode(nil, a)
	eb, _ := keys.Encode(nil, b)
	return bytes.Compare(ea, eb)
}

// physRow is one logical record decoded from a physical row, already
// unpacked (decompressed) but not yet value-decoded.
type physRow struct {
	key   keys.Tuple
	batch bool
	raw   []byte
}

// explodeRow decodes a physical (key, value) pair into one or more
// logical rows, in ascending key order, per spec.md §4.10's "explode on
// read". A standalone row yields exactly one non-batch row; a batch row
// yields len(tuples) rows built from its offset table and one shared
// packer invocation.
func (c *Collection) explodeRow(txn sorted.Txn, physKey, physVal []byte) ([]physRow, error) {
	rows, _, err := c.explodeRowTagged(txn, physKey, physVal)
	return rows, err
}

// explodeRowTagged is explodeRow plus the packer tag the row was
// written with, needed by batch split to re-pack members with the same
// packer they already used.
func (c *Collection) explodeRowTagged(txn sorted.Txn, physKey, physVal []byte) ([]physRow, byte, error) {
	tuples, ok, err := keys.DecodeKeys(c.prefix, physKey)
	if err != nil {
		return nil, 0, errors.Wrap(err, "centidb: corrupt physical key")
	}
	if !ok || len(tuples) == 0 {
		return nil, 0, fmt.Errorf("centidb: physical row outside collection prefix")
	}
	if len(physVal) == 0 {
		return nil, 0, fmt.Errorf("centidb: empty physical value")
	}

	if len(tuples) == 1 {
		tag := physVal[0]
		raw, err := c.unpackOne(txn, physVal)
		if err != nil {
			return nil, 0, err
		}
		return []physRow{{key: tuples[0], raw: raw}}, tag, nil
	}

	// Batch row: key tuples are stored k_max..k_min (descending); the
	// value's length table and concatenated payload are in ascending
	// (k_min..k_max) order, so member j of the value corresponds to
	// tuples[n-1-j] (spec.md §4.10).
	n := len(tuples)
	rest := physVal
	count, nn, err := varint.Decode(rest)
	if err != nil {
		return nil, 0, errors.Wrap(err, "centidb: corrupt batch count")
	}
	if int(count) != n {
		return nil, 0, fmt.Errorf("centidb: batch key lists %d members but value declares %d", n, count)
	}
	rest = rest[nn:]

	lens := make([]int, count)
	for i := range lens {
		l, nn, err := varint.Decode(rest)
		if err != nil {
			return nil, 0, errors.Wrap(err, "centidb: corrupt batch length table")
		}
		lens[i] = int(l)
		rest = rest[nn:]
	}
	if len(rest) == 0 {
		return nil, 0, fmt.Errorf("centidb: batch value missing packer tag")
	}
	tag := rest[0]

	concat, err := c.unpackOne(txn, rest)
	if err != nil {
		return nil, 0, err
	}

	rows := make([]physRow, n)
	off := 0
	for j := 0; j < n; j++ {
		if off+lens[j] > len(concat) {
			return nil, 0, fmt.Errorf("centidb: batch offset table overruns payload")
		}
		rows[j] = physRow{
			key:   tuples[n-1-j],
			batch: true,
			raw:   concat[off : off+lens[j]],
		}
		off += lens[j]
	}
	return rows, tag, nil
}

// unpackOne strips the leading packer tag byte from a physical value and
// decompresses the remainder.
func (c *Collection) unpackOne(txn sorted.Txn, tagged []byte) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, fmt.Errorf("centidb: empty packed value")
	}
	named, err := c.store.codecByTag(txn, tagged[0])
	if err != nil {
		return nil, err
	}
	packer, ok := named.(codecs.Packer)
	if !ok {
		return nil, fmt.Errorf("centidb: tag %d (%s) is not a packer", tagged[0], named.Name())
	}
	return packer.Unpack(tagged[1:])
}

// RangeOptions parameterizes a Collection or Index range scan, mirroring
// the original's `_iter(key, lo, hi, reverse, max, include, max_phys)`
// (spec.md §4.9).
type RangeOptions struct {
	// Key, if non-nil, anchors the scan at Key. In a Collection scan,
	// forward iteration sets Lo=Key (Hi left open) and reverse
	// iteration sets Hi=Key with Include=true. In an Index scan, Key
	// is both the lower and the upper bound, so only entries whose
	// index tuple starts with Key are visited.
	Key keys.Tuple
	Lo  keys.Tuple
	Hi  keys.Tuple

	Reverse bool
	Include bool

	// Max caps the number of logical rows yielded; 0 means unbounded.
	Max int
	// MaxPhys caps the number of physical rows visited, regardless of
	// how many logical rows they explode into; 0 means unbounded.
	MaxPhys int
}

// boundsFor resolves Key/Lo/Hi/Include into the concrete (startKey, lo,
// hi, include) used to drive the engine's Range call, per spec.md §4.9's
// worked diagram.
func boundsFor(prefix []byte, opts RangeOptions) (startKey []byte, lo, hi keys.Tuple, include bool, err error) {
	lo, hi, include = opts.Lo, opts.Hi, opts.Include
	if opts.Key != nil {
		if opts.Reverse {
			hi = opts.Key
			include = true
		} else {
			lo = opts.Key
		}
	}

	var lokey, hikey []byte
	if lo == nil {
		lokey = prefix
	} else {
		if lokey, err = keys.EncodeKeys(prefix, []keys.Tuple{lo}); err != nil {
			return
		}
	}
	if hi == nil {
		hikey = keys.NextGreater(prefix)
		include = false
	} else {
		if hikey, err = keys.EncodeKeys(prefix, []keys.Tuple{hi}); err != nil {
			return
		}
	}

	if opts.Reverse {
		startKey = hikey
	} else {
		startKey = lokey
	}
	return startKey, lo, hi, include, nil
}

// RecordIter walks a Collection in logical key order, transparently
// exploding batch rows inline (spec.md §4.9/§4.10). It must be Closed.
type RecordIter struct {
	coll *Collection
	txn  sorted.Txn

	physIt  sorted.Iterator
	reverse bool
	include bool
	lo, hi  keys.Tuple

	maxLogical  int
	maxPhys     int
	yielded     int
	physVisited int

	dropping bool
	pending  []physRow
	cur      physRow

	done bool
	err  error
}

func newRecordIter(c *Collection, txn sorted.Txn, opts RangeOptions) (*RecordIter, error) {
	startKey, lo, hi, include, err := boundsFor(c.prefix, opts)
	if err != nil {
		return nil, err
	}
	r := c.store.txnOrEngine(txn)
	return &RecordIter{
		coll:       c,
		txn:        txn,
		physIt:     r.Range(startKey, opts.Reverse),
		reverse:    opts.Reverse,
		include:    include,
		lo:         lo,
		hi:         hi,
		maxLogical: opts.Max,
		maxPhys:    opts.MaxPhys,
		dropping:   opts.Reverse && hi != nil,
	}, nil
}

// Next advances the iterator, returning false at end of range or on
// error (check Err after a false return).
func (it *RecordIter) Next() bool {
	if it.done {
		return false
	}
	for {
		if len(it.pending) == 0 {
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
			if !bytes.HasPrefix(it.physIt.Key(), it.coll.prefix) {
				it.done = true
				return false
			}
			rows, err := it.coll.explodeRow(it.txn, it.physIt.Key(), it.physIt.Value())
			if err != nil {
				it.err = err
				it.done = true
				return false
			}
			if it.reverse {
				for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
					rows[i], rows[j] = rows[j], rows[i]
				}
			}
			it.pending = rows
			continue
		}

		row := it.pending[0]
		it.pending = it.pending[1:]

		if it.dropping {
			cmp := compareTuples(row.key, it.hi)
			violates := cmp > 0
			if !it.include {
				violates = cmp >= 0
			}
			if violates {
				continue
			}
			it.dropping = false
		}

		if it.reverse {
			if it.lo != nil && compareTuples(row.key, it.lo) < 0 {
				it.done = true
				return false
			}
		} else if it.hi != nil {
			cmp := compareTuples(row.key, it.hi)
			stop := cmp > 0
			if !it.include {
				stop = cmp >= 0
			}
			if stop {
				it.done = true
				return false
			}
		}

		it.cur = row
		it.yielded++
		if it.maxLogical > 0 && it.yielded > it.maxLogical {
			it.done = true
			return false
		}
		return true
	}
}

// Key returns the logical key of the current row.
func (it *RecordIter) Key() keys.Tuple { return it.cur.key }

// Batch reports whether the current row's physical storage was a batch.
func (it *RecordIter) Batch() bool { return it.cur.batch }

// Value decodes the current row's value with the Collection's value
// encoder.
func (it *RecordIter) Value() (interface{}, error) {
	return it.coll.valueEncoder.Unpack(it.cur.raw)
}

// Err returns any error encountered during iteration.
func (it *RecordIter) Err() error { return it.err }

// Close releases the underlying engine iterator. Safe to call more than
// once.
func (it *RecordIter) Close() error {
	if it.physIt == nil {
		return nil
	}
	return it.physIt.Close()
}
