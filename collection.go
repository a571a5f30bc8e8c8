package centidb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Zabrane/centidb/pkg/codecs"
	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
)

// KeyFunc computes a record's key from its value (spec.md §4.6,
// "Explicit" mode). It may return a keys.Tuple, or any scalar key
// element type, which is implicitly wrapped in a 1-tuple.
type KeyFunc func(data interface{}) (interface{}, error)

// TxnKeyFunc is KeyFunc's transactional form ("Transactional" mode),
// given the active transaction so it may consult the counter service.
type TxnKeyFunc func(txn sorted.Txn, data interface{}) (interface{}, error)

// Collection is a named, id-prefixed keyspace of records with
// associated indices and codec configuration (spec.md §3).
type Collection struct {
	store *Store
	name  string
	idx   uint64
	prefix []byte

	valueEncoder codecs.ValueEncoder
	packer       codecs.Packer

	keyFunc    KeyFunc
	txnKeyFunc TxnKeyFunc
	derivedKeys bool
	virginKeys  bool

	counterName   string
	counterPrefix keys.Tuple

	mu         sync.Mutex
	indices    map[string]*Index
	indexOrder []string
}

// CollectionOption configures a Collection at construction (spec.md
// §6 "Configuration surface").
type CollectionOption func(*Collection)

// WithValueEncoder overrides the default (CBOR) value encoder.
func WithValueEncoder(e codecs.ValueEncoder) CollectionOption {
	return func(c *Collection) { c.valueEncoder = e }
}

// WithPacker overrides the default (uncompressed) packer.
func WithPacker(p codecs.Packer) CollectionOption {
	return func(c *Collection) { c.packer = p }
}

// WithKeyFunc selects Explicit key assignment (spec.md §4.6 mode 1).
func WithKeyFunc(fn KeyFunc) CollectionOption {
	return func(c *Collection) { c.keyFunc = fn }
}

// WithTxnKeyFunc selects Transactional key assignment (spec.md §4.6
// mode 2).
func WithTxnKeyFunc(fn TxnKeyFunc) CollectionOption {
	return func(c *Collection) { c.txnKeyFunc = fn }
}

// WithDerivedKeys marks the collection's key as a pure function of its
// value, enabling DeleteValue and the old-key comparison in Put step 3
// (spec.md §4.6, §4.8).
func WithDerivedKeys(derived bool) CollectionOption {
	return func(c *Collection) { c.derivedKeys = derived }
}

// WithVirginKeys asserts the application never reuses a key for two
// different records, skipping the existing-record probe on Put (spec.md
// §4.6/§4.7 step 4).
func WithVirginKeys(virgin bool) CollectionOption {
	return func(c *Collection) { c.virginKeys = virgin }
}

// WithCounterName overrides the counter name used by Auto key
// assignment; defaults to "key:<collection_name>".
func WithCounterName(name string) CollectionOption {
	return func(c *Collection) { c.counterName = name }
}

// WithCounterPrefix sets a fixed tuple prefix prepended to every
// Auto-assigned key, ahead of the counter value.
func WithCounterPrefix(prefix ...interface{}) CollectionOption {
	return func(c *Collection) { c.counterPrefix = keys.Of(prefix...) }
}

// Collection returns the named collection, creating it (and persisting
// its id) on first use, idempotently across Store re-opens (spec.md
// SPEC_FULL.md §D.1).
func (s *Store) Collection(name string, opts ...CollectionOption) (*Collection, error) {
	s.mu.Lock()
	if c, ok := s.collections[name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	txn, err := s.engine.Txn()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	id, err := s.lookupOrAssignID(txn, "c", name)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		store:        s,
		name:         name,
		idx:          id,
		prefix:       s.physPrefix(id),
		valueEncoder: codecs.CBOR,
		packer:       codecs.None,
		counterName:  "key:" + name,
		indices:      make(map[string]*Index),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keyFunc == nil && c.txnKeyFunc == nil {
		c.txnKeyFunc = autoKeyFunc(c)
		c.derivedKeys = false
		c.virginKeys = true
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.collections[name]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.collections[name] = c
	s.mu.Unlock()
	return c, nil
}

// autoKeyFunc builds the synthetic Auto-mode key function (spec.md
// §4.6 mode 3): `(counter_prefix..., count(counter_name))`.
func autoKeyFunc(c *Collection) TxnKeyFunc {
	return func(txn sorted.Txn, _ interface{}) (interface{}, error) {
		n, err := c.store.count(txn, c.counterName, 1, 1)
		if err != nil {
			return nil, err
		}
		t := append(keys.Tuple{}, c.counterPrefix...)
		return append(t, int64(n)), nil
	}
}

// coerceKey normalizes a key-function (or explicit Put/Get/Delete key)
// result into a keys.Tuple. A keys.Tuple is used as-is; a scalar is
// wrapped in a 1-tuple (spec.md §4.3 "scalar returns are implicitly
// wrapped"); any other slice shape is rejected, since only an index
// function may legitimately return a list of tuples (DESIGN.md OQ-4).
func coerceKey(v interface{}) (keys.Tuple, error) {
	switch x := v.(type) {
	case keys.Tuple:
		return x, nil
	case []keys.Tuple:
		return nil, ErrInvalidKeyShape
	case []interface{}:
		return nil, ErrInvalidKeyShape
	default:
		return keys.Tuple{v}, nil
	}
}

func tupleEqual(a, b keys.Tuple) bool {
	return compareTuples(a, b) == 0
}

func (c *Collection) computeKey(txn sorted.Txn, data interface{}) (keys.Tuple, error) {
	switch {
	case c.keyFunc != nil:
		v, err := c.keyFunc(data)
		if err != nil {
			return nil, err
		}
		return coerceKey(v)
	case c.txnKeyFunc != nil:
		v, err := c.txnKeyFunc(txn, data)
		if err != nil {
			return nil, err
		}
		return coerceKey(v)
	default:
		return nil, errors.New("centidb: collection has no key assignment policy")
	}
}

// effectiveVirgin reports the key-assignment-time virgin behavior,
// folding in spec.md §4.6's "a collection with zero indices implicitly
// behaves as virgin_keys=true".
func (c *Collection) effectiveVirgin() bool {
	c.mu.Lock()
	n := len(c.indices)
	c.mu.Unlock()
	return c.virginKeys || n == 0
}

func (c *Collection) physKey(key keys.Tuple) ([]byte, error) {
	return keys.EncodeKeys(c.prefix, []keys.Tuple{key})
}

func (c *Collection) computeIndexKeys(objKey keys.Tuple, data interface{}) ([][]byte, error) {
	c.mu.Lock()
	order := append([]string{}, c.indexOrder...)
	byName := make(map[string]*Index, len(order))
	for _, n := range order {
		byName[n] = c.indices[n]
	}
	c.mu.Unlock()

	var out [][]byte
	for _, name := range order {
		idx := byName[name]
		tuples, err := idx.fn(data)
		if err != nil {
			return nil, errors.Wrapf(err, "centidb: index %q function", name)
		}
		for _, t := range tuples {
			k, err := keys.EncodeKeys(idx.prefix, []keys.Tuple{t, objKey})
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
	}
	return out, nil
}

// PutOption configures a single Put call (spec.md §4.7 "optional
// explicit key, optional packer, virgin flag").
type PutOption func(*putConfig)

type putConfig struct {
	key    interface{}
	packer codecs.Packer
	virgin bool
}

// WithPutKey supplies an explicit key, bypassing the collection's
// key-assignment policy for this call.
func WithPutKey(key interface{}) PutOption { return func(p *putConfig) { p.key = key } }

// WithPutPacker overrides the collection's default packer for this call.
func WithPutPacker(p codecs.Packer) PutOption { return func(p2 *putConfig) { p2.packer = p } }

// WithPutVirgin asserts this specific key has never been written
// before, skipping the pre-existing-record probe (spec.md §4.7 step 4)
// even when the collection itself is not virgin_keys.
func WithPutVirgin(virgin bool) PutOption { return func(p *putConfig) { p.virgin = virgin } }

// Put writes rec (assigning or reusing its key per the collection's
// key-assignment policy), maintaining every registered index, per the
// algorithm in spec.md §4.7.
func (c *Collection) Put(txn sorted.Txn, rec *Record, opts ...PutOption) (*Record, error) {
	var cfg putConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	hadPrior := rec.coll == c && rec.Key != nil

	// _reassign_key (original_source/centidb/centidb.py ~line 1050): an
	// explicit key always wins; otherwise a record that already has a
	// key on a non-derived-keys collection keeps it rather than being
	// re-assigned (e.g. Auto mode must not bump the counter on a
	// fetch-mutate-resave cycle).
	var objKey keys.Tuple
	var err error
	switch {
	case cfg.key != nil:
		objKey, err = coerceKey(cfg.key)
	case hadPrior && !c.derivedKeys:
		objKey = rec.Key
	default:
		objKey, err = c.computeKey(txn, rec.Data)
	}
	if err != nil {
		return nil, err
	}

	newIndexKeys, err := c.computeIndexKeys(objKey, rec.Data)
	if err != nil {
		return nil, err
	}

	r := c.store.txnOrEngine(txn)

	if hadPrior {
		keyChanged := !tupleEqual(rec.Key, objKey)
		if rec.Batch {
			// Skip rewriting rec.Key as a standalone row when the key
			// is unchanged, since the fresh value written below lands
			// on that same key anyway; when the key changed, let every
			// member (including rec.Key) be rewritten standalone so
			// the explicit delete just below has a row to remove,
			// instead of leaving a stale phantom record behind.
			skipKey := rec.Key
			if keyChanged {
				skipKey = nil
			}
			if err := c.splitBatch(txn, rec.Key, skipKey); err != nil {
				return nil, err
			}
		}
		if keyChanged {
			oldPhys, err := c.physKey(rec.Key)
			if err != nil {
				return nil, err
			}
			if err := r.Delete(oldPhys); err != nil {
				return nil, err
			}
		}

		keep := make(map[string]struct{}, len(newIndexKeys))
		for _, k := range newIndexKeys {
			keep[string(k)] = struct{}{}
		}
		for _, old := range rec.indexKeys {
			if _, ok := keep[string(old)]; ok {
				continue
			}
			if err := r.Delete(old); err != nil {
				return nil, err
			}
		}
	} else if len(c.indexOrder) > 0 && !c.effectiveVirgin() && !cfg.virgin {
		if _, err := c.deleteByKey(txn, objKey); err != nil && err != ErrNotFound {
			return nil, err
		}
	}

	packer := cfg.packer
	if packer == nil {
		packer = c.packer
	}
	tag, err := c.store.resolveTag(txn, packer)
	if err != nil {
		return nil, err
	}

	payload, err := c.valueEncoder.Pack(rec.Data)
	if err != nil {
		return nil, errors.Wrap(err, "centidb: encode record value")
	}
	packed, err := packer.Pack(payload)
	if err != nil {
		return nil, errors.Wrap(err, "centidb: pack record value")
	}
	physValue := append([]byte{tag}, packed...)

	physKey, err := c.physKey(objKey)
	if err != nil {
		return nil, err
	}
	if err := r.Put(physKey, physValue); err != nil {
		return nil, err
	}
	for _, ik := range newIndexKeys {
		if err := r.Put(ik, nil); err != nil {
			return nil, err
		}
	}

	rec.coll = c
	rec.Key = objKey
	rec.Batch = false
	rec.indexKeys = newIndexKeys
	if txn != nil {
		rec.txnID = txn.TxnID()
	}
	return rec, nil
}

// PutValue is a convenience wrapper: NewRecord(data) followed by Put.
func (c *Collection) PutValue(txn sorted.Txn, data interface{}, opts ...PutOption) (*Record, error) {
	return c.Put(txn, NewRecord(data), opts...)
}

// deleteRecord removes rec's primary row (if any remains after a batch
// split) and every index key it was last known to hold, then resets it
// (spec.md §4.8).
func (c *Collection) deleteRecord(txn sorted.Txn, rec *Record) (*Record, error) {
	r := c.store.txnOrEngine(txn)

	if rec.Batch {
		// splitBatch with skipKey==rec.Key omits writing a standalone
		// row for the record being deleted, so there is nothing left
		// to remove from the primary keyspace afterward.
		if err := c.splitBatch(txn, rec.Key, rec.Key); err != nil {
			return nil, err
		}
	} else {
		physKey, err := c.physKey(rec.Key)
		if err != nil {
			return nil, err
		}
		if err := r.Delete(physKey); err != nil {
			return nil, err
		}
	}

	for _, ik := range rec.indexKeys {
		if err := r.Delete(ik); err != nil {
			return nil, err
		}
	}

	rec.reset()
	return rec, nil
}

// Delete removes rec (spec.md §4.8). rec must have been returned by
// GetRecord or a prior Put/Delete on this collection.
func (c *Collection) Delete(txn sorted.Txn, rec *Record) (*Record, error) {
	return c.deleteRecord(txn, rec)
}

// deleteByKey performs the get(rec=true)-then-delete path used both by
// DeleteKey and by Put step 4's pre-existing-record cleanup.
func (c *Collection) deleteByKey(txn sorted.Txn, key keys.Tuple) (*Record, error) {
	rec, err := c.GetRecord(txn, key)
	if err != nil {
		return nil, err
	}
	return c.deleteRecord(txn, rec)
}

// DeleteKey deletes the record stored under key, fetching it first via
// GetRecord. Returns ErrNotFound if it does not exist.
func (c *Collection) DeleteKey(txn sorted.Txn, key interface{}) (*Record, error) {
	k, err := coerceKey(key)
	if err != nil {
		return nil, err
	}
	return c.deleteByKey(txn, k)
}

// DeleteValue re-derives v's key via the collection's key function and
// deletes the matching record. Valid only when the collection was
// constructed with WithDerivedKeys(true) (spec.md §4.8).
func (c *Collection) DeleteValue(txn sorted.Txn, v interface{}) (*Record, error) {
	if !c.derivedKeys {
		return nil, errors.New("centidb: DeleteValue requires a derived-keys collection")
	}
	key, err := c.computeKey(txn, v)
	if err != nil {
		return nil, err
	}
	return c.deleteByKey(txn, key)
}

// GetRecord fetches the record stored under key as a *Record, suitable
// for later re-saving via Put or removing via Delete (spec.md §3's
// `get(..., rec=true)`).
func (c *Collection) GetRecord(txn sorted.Txn, key interface{}) (*Record, error) {
	k, err := coerceKey(key)
	if err != nil {
		return nil, err
	}

	it, err := newRecordIter(c, txn, RangeOptions{Key: k})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	// The first physical row reached by a forward scan from k's
	// physical key is always either k's own standalone row or the one
	// batch row that could contain it as a non-maximum member (see
	// DESIGN.md's note on point lookups against batched records); once
	// the iterator moves on to a second physical row without a match,
	// k cannot be present.
	found := false
	for it.Next() {
		if tupleEqual(it.Key(), k) {
			found = true
			break
		}
		if it.physVisited > 1 {
			break
		}
	}
	if !found {
		if err := it.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	val, err := it.Value()
	if err != nil {
		return nil, err
	}
	indexKeys, err := c.computeIndexKeys(it.Key(), val)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Data:      val,
		Key:       it.Key(),
		Batch:     it.Batch(),
		indexKeys: indexKeys,
		coll:      c,
	}
	if txn != nil {
		rec.txnID = txn.TxnID()
	}
	return rec, nil
}

// Get fetches just the value stored under key, or ErrNotFound.
func (c *Collection) Get(txn sorted.Txn, key interface{}) (interface{}, error) {
	rec, err := c.GetRecord(txn, key)
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// Iter returns a RecordIter walking this collection per opts (spec.md
// §4.9). The caller must Close it.
func (c *Collection) Iter(txn sorted.Txn, opts RangeOptions) (*RecordIter, error) {
	return newRecordIter(c, txn, opts)
}

// Items collects every (key, value) pair in range into memory. Prefer
// Iter for large ranges.
func (c *Collection) Items(txn sorted.Txn, opts RangeOptions) ([]keys.Tuple, []interface{}, error) {
	it, err := newRecordIter(c, txn, opts)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	var ks []keys.Tuple
	var vs []interface{}
	for it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, nil, err
		}
		ks = append(ks, it.Key())
		vs = append(vs, v)
	}
	return ks, vs, it.Err()
}

// Keys collects every key in range into memory.
func (c *Collection) Keys(txn sorted.Txn, opts RangeOptions) ([]keys.Tuple, error) {
	it, err := newRecordIter(c, txn, opts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ks []keys.Tuple
	for it.Next() {
		ks = append(ks, it.Key())
	}
	return ks, it.Err()
}

// Values collects every value in range into memory.
func (c *Collection) Values(txn sorted.Txn, opts RangeOptions) ([]interface{}, error) {
	_, vs, err := c.Items(txn, opts)
	return vs, err
}
