package centidb

import (
	"github.com/Zabrane/centidb/pkg/keys"
	"github.com/Zabrane/centidb/pkg/sorted"
	"github.com/Zabrane/centidb/pkg/varint"
	"github.com/pkg/errors"
)

func (s *Store) counterKey(name string) []byte {
	k, err := keys.EncodeKeys(s.physPrefix(counterIdx), []keys.Tuple{{name}})
	if err != nil {
		panic(err)
	}
	return k
}

// count atomically reads the current value v of the named counter
// (creating it with init if missing), writes back v+n, and returns v
// (spec.md §4.5). With n == 0 it reads without updating.
//
// Must be invoked under a transaction for correctness when n != 0
// (spec.md §5); txn may be nil for read-only callers content with the
// engine's own atomicity for a single Get.
func (s *Store) count(txn sorted.Txn, name string, n, init uint64) (uint64, error) {
	r := s.txnOrEngine(txn)
	k := s.counterKey(name)

	v, err := r.Get(k)
	var cur uint64
	switch err {
	case nil:
		cur, _, err = varint.Decode(v)
		if err != nil {
			return 0, errors.Wrap(err, "centidb: corrupt counter row")
		}
	case sorted.ErrNotFound:
		cur = init
	default:
		return 0, err
	}

	if n == 0 {
		return cur, nil
	}
	if err := r.Put(k, varint.Encode(nil, cur+n)); err != nil {
		return 0, err
	}
	return cur, nil
}

// Count is the public form of the counter service (spec.md §4.5),
// exposed so application code can share the same named-counter
// namespace as the library's auto-key generator, e.g. to reserve a
// block of ids up front.
func (s *Store) Count(txn sorted.Txn, name string, n, init uint64) (uint64, error) {
	return s.count(txn, name, n, init)
}
