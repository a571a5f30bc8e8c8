package centidb

import (
	"log"
	"reflect"

	"github.com/pkg/errors"

	"github.com/Zabrane/centidb/pkg/codecs"
	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
	"github.com/Zabrane/centidb/pkg/varint"
)

// pendingItem is one record awaiting inclusion in the batch currently
// being built.
type pendingItem struct {
	key keys.Tuple
	raw []byte // the value encoder's raw output, pre-packer
}

// prepareBatch builds the physical (key, value) pair for items per
// spec.md §4.10: the key stores members in descending order so its
// first tuple is the maximum; a lone item uses the plain
// tag‖packer.pack(payload) layout with no length table, matching a
// standalone row exactly.
func (c *Collection) prepareBatch(items []pendingItem, packer codecs.Packer, txn sorted.Txn) (physKey, physVal []byte, err error) {
	if len(items) == 0 {
		return nil, nil, nil
	}

	tuples := make([]keys.Tuple, len(items))
	for i, it := range items {
		tuples[len(items)-1-i] = it.key
	}
	physKey, err = keys.EncodeKeys(c.prefix, tuples)
	if err != nil {
		return nil, nil, err
	}

	tag, err := c.store.resolveTag(txn, packer)
	if err != nil {
		return nil, nil, err
	}

	if len(items) == 1 {
		packed, err := packer.Pack(items[0].raw)
		if err != nil {
			return nil, nil, err
		}
		physVal = append([]byte{tag}, packed...)
		return physKey, physVal, nil
	}

	var buf []byte
	buf = varint.Encode(buf, uint64(len(items)))
	total := 0
	for _, it := range items {
		buf = varint.Encode(buf, uint64(len(it.raw)))
		total += len(it.raw)
	}
	concat := make([]byte, 0, total)
	for _, it := range items {
		concat = append(concat, it.raw...)
	}
	packed, err := packer.Pack(concat)
	if err != nil {
		return nil, nil, err
	}
	buf = append(buf, tag)
	physVal = append(buf, packed...)
	return physKey, physVal, nil
}

// BatchOptions parameterizes Collection.Batch (spec.md §4.10).
type BatchOptions struct {
	Lo, Hi keys.Tuple

	// MaxRecs flushes the current batch once it holds this many
	// records. At least one of MaxRecs/MaxBytes must be set.
	MaxRecs int
	// MaxBytes flushes the current batch before its compressed size
	// would exceed this many bytes; a record that alone still exceeds
	// MaxBytes when compressed is skipped with a warning and kept as a
	// standalone row, re-packed with this call's packer.
	MaxBytes int

	// Preserve, if true, leaves existing batch rows untouched: when one
	// is encountered, the batch under construction is flushed first and
	// the existing batch is left as-is. If false, existing batches are
	// exploded and their members feed the new grouping.
	Preserve bool

	// Packer overrides the collection's default packer for batches
	// built by this call.
	Packer codecs.Packer

	// Grouper, if set, is called with each record's decoded value; a
	// new batch is started whenever its return value changes.
	Grouper func(value interface{}) interface{}

	// MaxPhys caps the number of physical rows visited in this call, so
	// batching a large collection can be driven incrementally across
	// several transactions (spec.md §4.10).
	MaxPhys int
}

// BatchStats reports the outcome of a Collection.Batch call.
type BatchStats struct {
	NumBatches int
	NumRecords int
	NumSkipped int
	LastKey    keys.Tuple
}

// Batch scans [Lo, Hi], combining individual records into compressed
// batch rows per the algorithm in spec.md §4.10.
func (c *Collection) Batch(txn sorted.Txn, opts BatchOptions) (BatchStats, error) {
	if opts.MaxRecs <= 0 && opts.MaxBytes <= 0 {
		return BatchStats{}, errors.New("centidb: Batch requires MaxRecs and/or MaxBytes")
	}
	packer := opts.Packer
	if packer == nil {
		packer = c.packer
	}

	it, err := newRecordIter(c, txn, RangeOptions{Lo: opts.Lo, Hi: opts.Hi, Include: true, MaxPhys: opts.MaxPhys})
	if err != nil {
		return BatchStats{}, err
	}
	defer it.Close()

	r := c.store.txnOrEngine(txn)
	var stats BatchStats
	var items []pendingItem
	var groupVal interface{}
	var haveGroupVal bool

	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		physKey, physVal, err := c.prepareBatch(items, packer, txn)
		if err != nil {
			return err
		}
		if err := r.Put(physKey, physVal); err != nil {
			return err
		}
		stats.NumBatches++
		stats.NumRecords += len(items)
		items = nil
		return nil
	}

	for it.Next() {
		key := it.Key()
		stats.LastKey = key

		if opts.Preserve && it.Batch() {
			if err := flush(); err != nil {
				return stats, err
			}
			continue
		}

		pk, err := c.physKey(key)
		if err != nil {
			return stats, err
		}
		if err := r.Delete(pk); err != nil {
			return stats, err
		}

		if opts.Grouper != nil {
			val, err := it.Value()
			if err != nil {
				return stats, err
			}
			gv := opts.Grouper(val)
			if haveGroupVal && len(items) > 0 && !reflect.DeepEqual(gv, groupVal) {
				if err := flush(); err != nil {
					return stats, err
				}
			}
			groupVal = gv
			haveGroupVal = true
		}

		items = append(items, pendingItem{key: key, raw: append([]byte(nil), it.cur.raw...)})

		if opts.MaxBytes > 0 {
			_, encoded, err := c.prepareBatch(items, packer, txn)
			if err != nil {
				return stats, err
			}
			if len(encoded) > opts.MaxBytes {
				triggering := items[len(items)-1]
				items = items[:len(items)-1]
				if err := flush(); err != nil {
					return stats, err
				}
				soloKey, solo, err := c.prepareBatch([]pendingItem{triggering}, packer, txn)
				if err != nil {
					return stats, err
				}
				if len(solo) > opts.MaxBytes {
					log.Printf("centidb: batch: record %v exceeds max_bytes (%d) even compressed alone, skipping", triggering.key, opts.MaxBytes)
					stats.NumSkipped++
					// Its standalone row was deleted above; write it back
					// so the skipped record stays in the collection.
					if err := r.Put(soloKey, solo); err != nil {
						return stats, err
					}
				} else {
					items = []pendingItem{triggering}
				}
			}
		}

		if opts.MaxRecs > 0 && len(items) == opts.MaxRecs {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, it.Err()
}

// splitBatch implements spec.md §4.10's "batch split": it locates the
// physical batch row containing memberKey, rewrites every member except
// skipKey as a standalone row, and deletes the batch row. skipKey nil
// rewrites every member. Put passes memberKey when the record keeps
// its key (its fresh write replaces that row) and nil when the key
// changed; Delete passes memberKey (the member being removed).
//
// Unlike the Python original (whose split function is an unfinished
// `assert False`, per spec.md §9), this is fully implemented.
func (c *Collection) splitBatch(txn sorted.Txn, memberKey, skipKey keys.Tuple) error {
	r := c.store.txnOrEngine(txn)
	physKey, err := c.physKey(memberKey)
	if err != nil {
		return err
	}

	it := r.Range(physKey, false)
	defer it.Close()
	if !it.Next() {
		return errors.Errorf("centidb: batch split: no physical row at or after key %v", memberKey)
	}
	rowKey := append([]byte(nil), it.Key()...)
	rowVal := append([]byte(nil), it.Value()...)
	if err := it.Err(); err != nil {
		return err
	}

	rows, tag, err := c.explodeRowTagged(txn, rowKey, rowVal)
	if err != nil {
		return err
	}
	if len(rows) < 2 {
		return errors.Errorf("centidb: batch split: row at key %v is not a batch", memberKey)
	}

	named, err := c.store.codecByTag(txn, tag)
	if err != nil {
		return err
	}
	packer, ok := named.(codecs.Packer)
	if !ok {
		return errors.Errorf("centidb: batch split: tag %d is not a packer", tag)
	}

	if err := r.Delete(rowKey); err != nil {
		return err
	}
	for _, row := range rows {
		if skipKey != nil && tupleEqual(row.key, skipKey) {
			continue
		}
		packed, err := packer.Pack(row.raw)
		if err != nil {
			return err
		}
		pk, err := c.physKey(row.key)
		if err != nil {
			return err
		}
		if err := r.Put(pk, append([]byte{tag}, packed...)); err != nil {
			return err
		}
	}
	return nil
}
