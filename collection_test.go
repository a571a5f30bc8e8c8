package centidb

import (
	"testing"

	"github.com/Zabrane/centidb/pkg/sorted"
)

func newTestStore() *Store {
	return NewStore(sorted.NewMemoryEngine())
}

// strField reads a string field out of a CBOR-decoded record value,
// tolerating both map shapes fxamacker/cbor may hand back (see
// pkg/codecs/codecs_test.go's TestCBORRoundTrip note).
func strField(data interface{}, key string) (string, bool) {
	switch m := data.(type) {
	case map[string]interface{}:
		v, ok := m[key]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	case map[interface{}]interface{}:
		v, ok := m[key]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
	return "", false
}

func intField(data interface{}, key string) (int64, bool) {
	var v interface{}
	var ok bool
	switch m := data.(type) {
	case map[string]interface{}:
		v, ok = m[key]
	case map[interface{}]interface{}:
		v, ok = m[key]
	}
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

func TestCollectionAutoKeyPutGetDelete(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("widgets")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := coll.PutValue(nil, map[string]interface{}{"name": "A"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Key == nil {
		t.Fatal("expected an assigned key")
	}

	got, err := coll.Get(nil, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := strField(got, "name"); name != "A" {
		t.Fatalf("got name %q", name)
	}

	rec2, err := coll.PutValue(nil, map[string]interface{}{"name": "B"})
	if err != nil {
		t.Fatal(err)
	}
	if tupleEqual(rec.Key, rec2.Key) {
		t.Fatal("expected distinct auto-assigned keys")
	}

	fetched, err := coll.GetRecord(nil, rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coll.Delete(nil, fetched); err != nil {
		t.Fatal(err)
	}
	if _, err := coll.Get(nil, rec.Key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := coll.Get(nil, rec2.Key); err != nil {
		t.Fatalf("unrelated record should survive: %v", err)
	}
}

// A fetch-mutate-resave cycle on an Auto-mode (non-derived-keys)
// collection must keep the record's key stable rather than silently
// re-invoking the Auto key function (which would bump the counter and
// assign a brand-new key on every re-save).
func TestAutoKeyStableAcrossResave(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("stable")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := coll.PutValue(nil, map[string]interface{}{"name": "A"})
	if err != nil {
		t.Fatal(err)
	}
	origKey := rec.Key

	fetched, err := coll.GetRecord(nil, origKey)
	if err != nil {
		t.Fatal(err)
	}
	fetched.Data = map[string]interface{}{"name": "B"}
	resaved, err := coll.Put(nil, fetched)
	if err != nil {
		t.Fatal(err)
	}
	if !tupleEqual(resaved.Key, origKey) {
		t.Fatalf("key changed across resave: got %v, want %v", resaved.Key, origKey)
	}

	got, err := coll.Get(nil, origKey)
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := strField(got, "name"); name != "B" {
		t.Fatalf("got %v", got)
	}

	// Only one record should exist: the resave must not have also
	// created a fresh auto-assigned entry.
	ks, _, err := coll.Items(nil, RangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ks) != 1 {
		t.Fatalf("expected exactly 1 record after resave, got %d: %v", len(ks), ks)
	}
}

func TestCollectionExplicitKeyFunc(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("users", WithKeyFunc(func(data interface{}) (interface{}, error) {
		id, _ := intField(data, "id")
		return id, nil
	}), WithDerivedKeys(true))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := coll.PutValue(nil, map[string]interface{}{"id": int64(7), "name": "alice"}); err != nil {
		t.Fatal(err)
	}

	got, err := coll.Get(nil, int64(7))
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := strField(got, "name"); name != "alice" {
		t.Fatalf("got %v", got)
	}

	if _, err := coll.DeleteValue(nil, map[string]interface{}{"id": int64(7), "name": "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := coll.Get(nil, int64(7)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCollectionTransactionalKeyFunc(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("seq", WithTxnKeyFunc(func(txn sorted.Txn, data interface{}) (interface{}, error) {
		n, err := store.Count(txn, "seq-key", 1, 100)
		return int64(n), err
	}))
	if err != nil {
		t.Fatal(err)
	}

	txn, err := store.engine.Txn()
	if err != nil {
		t.Fatal(err)
	}
	r1, err := coll.PutValue(txn, map[string]interface{}{"v": "x"})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := coll.PutValue(txn, map[string]interface{}{"v": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	k1, _ := r1.Key[0].(int64)
	k2, _ := r2.Key[0].(int64)
	if k1 != 100 || k2 != 101 {
		t.Fatalf("expected sequential keys 100,101; got %d,%d", k1, k2)
	}
}

// S4 (spec.md §8): building a collection with a secondary index, Put
// two records, mutate one's indexed field and re-Put it, and confirm
// the index reflects exactly the new state.
func TestIndexMaintenanceS4(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("people", WithKeyFunc(func(data interface{}) (interface{}, error) {
		id, _ := intField(data, "id")
		return id, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := coll.Index("by_name", IndexOf(func(data interface{}) (interface{}, error) {
		name, _ := strField(data, "name")
		return name, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := coll.PutValue(nil, map[string]interface{}{"id": int64(1), "name": "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := coll.PutValue(nil, map[string]interface{}{"id": int64(2), "name": "bob"}); err != nil {
		t.Fatal(err)
	}

	v, err := idx.Get(nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := intField(v, "id"); id != 1 {
		t.Fatalf("got %v", v)
	}

	rec, err := coll.GetRecord(nil, int64(1))
	if err != nil {
		t.Fatal(err)
	}
	rec.Data = map[string]interface{}{"id": int64(1), "name": "carol"}
	if _, err := coll.Put(nil, rec); err != nil {
		t.Fatal(err)
	}

	if _, err := idx.Get(nil, "alice"); err != ErrNotFound {
		t.Fatalf("expected stale index entry to be gone, got %v", err)
	}
	v2, err := idx.Get(nil, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := intField(v2, "id"); id != 1 {
		t.Fatalf("got %v", v2)
	}
	vBob, err := idx.Get(nil, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := intField(vBob, "id"); id != 2 {
		t.Fatalf("got %v", vBob)
	}
}

func TestCollectionIterForwardReverse(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("ordered", WithKeyFunc(func(data interface{}) (interface{}, error) {
		id, _ := intField(data, "id")
		return id, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": i}); err != nil {
			t.Fatal(err)
		}
	}

	ks, _, err := coll.Items(nil, RangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ks) != 5 {
		t.Fatalf("got %d keys", len(ks))
	}
	for i, k := range ks {
		if got, _ := k[0].(int64); got != int64(i+1) {
			t.Fatalf("forward order broken at %d: %v", i, ks)
		}
	}

	it, err := coll.Iter(nil, RangeOptions{Reverse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	want := int64(5)
	for it.Next() {
		if got, _ := it.Key()[0].(int64); got != want {
			t.Fatalf("reverse order broken: got %d want %d", got, want)
		}
		want--
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if want != 0 {
		t.Fatalf("reverse iteration short: stopped at %d", want)
	}
}
