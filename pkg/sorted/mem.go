package sorted

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
)

// NewMemoryEngine returns an Engine backed only by an in-process
// sorted slice. It is mostly useful for tests and development; see the
// package doc for why a durable backend is not shipped here.
func NewMemoryEngine() *MemEngine {
	return &MemEngine{}
}

type kv struct {
	key, value []byte
}

// MemEngine is a naive in-memory Engine, adapted from perkeep.org's
// memKeys (pkg/sorted/mem.go) but keeping entries sorted in a plain
// slice instead of delegating to a leveldb memdb, and generalized to
// byte keys/values and bidirectional iteration per spec.md §6.
type MemEngine struct {
	mu      sync.Mutex
	entries []kv // kept sorted by key
	nextTxn uint64
}

func (e *MemEngine) search(key []byte) (idx int, found bool) {
	idx = sort.Search(len(e.entries), func(i int) bool {
		return bytes.Compare(e.entries[i].key, key) >= 0
	})
	found = idx < len(e.entries) && bytes.Equal(e.entries[idx].key, key)
	return idx, found
}

func (e *MemEngine) Get(key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, found := e.search(key)
	if !found {
		return nil, ErrNotFound
	}
	v := make([]byte, len(e.entries[idx].value))
	copy(v, e.entries[idx].value)
	return v, nil
}

func (e *MemEngine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	idx, found := e.search(k)
	if found {
		e.entries[idx].value = v
		return nil
	}
	e.entries = append(e.entries, kv{})
	copy(e.entries[idx+1:], e.entries[idx:])
	e.entries[idx] = kv{key: k, value: v}
	return nil
}

func (e *MemEngine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, found := e.search(key)
	if !found {
		return nil
	}
	e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
	return nil
}

// Range implements Engine.Range. It snapshots the current key order
// under the lock so a long-lived iterator does not race with
// concurrent mutation; it does not, however, see writes made after it
// was created (consistent with spec.md §5's "holds one engine
// iterator plus small decoded buffers" lifetime model).
func (e *MemEngine) Range(start []byte, reverse bool) Iterator {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make([]kv, len(e.entries))
	copy(snap, e.entries)

	if !reverse {
		firstIdx := 0
		if start != nil {
			firstIdx = sort.Search(len(snap), func(i int) bool {
				return bytes.Compare(snap[i].key, start) >= 0
			})
		}
		return &memIter{entries: snap, idx: firstIdx - 1, reverse: false}
	}
	firstIdx := len(snap) - 1
	if start != nil {
		firstIdx = sort.Search(len(snap), func(i int) bool {
			return bytes.Compare(snap[i].key, start) > 0
		}) - 1
	}
	return &memIter{entries: snap, idx: firstIdx + 1, reverse: true}
}

func (e *MemEngine) Txn() (Txn, error) {
	id := atomic.AddUint64(&e.nextTxn, 1)
	return &memTxn{e: e, id: id}, nil
}

func (e *MemEngine) Close() error { return nil }

// memIter walks a snapshotted, sorted slice of entries. idx is the
// slot most recently revealed; Next reveals idx+1 for a forward
// iterator and idx-1 for reverse (the +1/-1 dance in Range sets the
// starting idx so the first Next() lands on the right element).
type memIter struct {
	entries []kv
	idx     int
	reverse bool
	cur     kv
}

func (it *memIter) Next() bool {
	if it.reverse {
		it.idx--
		if it.idx < 0 {
			return false
		}
	} else {
		it.idx++
		if it.idx >= len(it.entries) {
			return false
		}
	}
	it.cur = it.entries[it.idx]
	return true
}

func (it *memIter) Key() []byte   { return it.cur.key }
func (it *memIter) Value() []byte { return it.cur.value }
func (it *memIter) Err() error    { return nil }
func (it *memIter) Close() error  { return nil }

// memTxn applies writes directly to the underlying MemEngine; it has
// no isolation from concurrent transactions beyond MemEngine's own
// per-call locking, matching the "implementations that have no native
// transaction concept" allowance on Engine.Txn.
type memTxn struct {
	e  *MemEngine
	id uint64
}

func (t *memTxn) Get(key []byte) ([]byte, error)           { return t.e.Get(key) }
func (t *memTxn) Put(key, value []byte) error              { return t.e.Put(key, value) }
func (t *memTxn) Delete(key []byte) error                  { return t.e.Delete(key) }
func (t *memTxn) Range(start []byte, reverse bool) Iterator { return t.e.Range(start, reverse) }
func (t *memTxn) TxnID() uint64                            { return t.id }
func (t *memTxn) Commit() error                            { return nil }
func (t *memTxn) Rollback() error                          { return nil }
