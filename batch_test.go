package centidb

import (
	"reflect"
	"testing"

	"github.com/Zabrane/centidb/pkg/keys"
)

func idKeyFunc(data interface{}) (interface{}, error) {
	id, _ := intField(data, "id")
	return id, nil
}

// S5 (spec.md §8): keys 1..4 batched with max_recs=4 must produce a
// single physical row whose key holds the members in descending order,
// while forward/reverse logical iteration and point lookup still see
// the original ascending records transparently.
func TestBatchRoundTripS5(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("nums", WithKeyFunc(idKeyFunc))
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 4; i++ {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": i, "v": i * 10}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := coll.Batch(nil, BatchOptions{MaxRecs: 4})
	if err != nil {
		t.Fatal(err)
	}
	if stats.NumBatches != 1 || stats.NumRecords != 4 {
		t.Fatalf("got %+v", stats)
	}

	it := store.engine.Range(coll.prefix, false)
	defer it.Close()
	if !it.Next() {
		t.Fatal("expected one physical row")
	}
	tuples, ok, err := keys.DecodeKeys(coll.prefix, it.Key())
	if err != nil || !ok {
		t.Fatalf("decode physical key: ok=%v err=%v", ok, err)
	}
	if len(tuples) != 4 {
		t.Fatalf("expected 4 members in the batch row, got %d", len(tuples))
	}
	wantDesc := []int64{4, 3, 2, 1}
	for i, tup := range tuples {
		got, _ := tup[0].(int64)
		if got != wantDesc[i] {
			t.Fatalf("batch key member %d: got %d want %d (full: %v)", i, got, wantDesc[i], tuples)
		}
	}
	if it.Next() {
		t.Fatal("expected exactly one physical row after batching")
	}

	ks, vs, err := coll.Items(nil, RangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ks) != 4 {
		t.Fatalf("got %d logical rows", len(ks))
	}
	for i, k := range ks {
		wantID := int64(i + 1)
		if got, _ := k[0].(int64); got != wantID {
			t.Fatalf("forward order broken at %d: %v", i, ks)
		}
		if v, _ := intField(vs[i], "v"); v != wantID*10 {
			t.Fatalf("value mismatch at %d: %v", i, vs[i])
		}
	}

	revIt, err := coll.Iter(nil, RangeOptions{Reverse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer revIt.Close()
	wantID := int64(4)
	for revIt.Next() {
		if got, _ := revIt.Key()[0].(int64); got != wantID {
			t.Fatalf("reverse order broken: got %d want %d", got, wantID)
		}
		wantID--
	}
	if err := revIt.Err(); err != nil {
		t.Fatal(err)
	}
	if wantID != 0 {
		t.Fatalf("reverse iteration stopped early at %d", wantID)
	}

	v, err := coll.Get(nil, int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := intField(v, "v"); got != 20 {
		t.Fatalf("Get((2,)) = %v, want v=20", v)
	}
}

// S6 (spec.md §8): a grouper must flush on every value change, tested
// against the boundary sequence A,A,B,A, which a literal (value !=
// groupval)-after-append port of the original gets wrong (see
// DESIGN.md). The corrected algorithm yields batches sized 2,1,1.
func TestBatchGrouperS6(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("events", WithKeyFunc(idKeyFunc))
	if err != nil {
		t.Fatal(err)
	}
	cats := []string{"A", "A", "B", "A"}
	for i, cat := range cats {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": int64(i + 1), "cat": cat}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := coll.Batch(nil, BatchOptions{
		MaxRecs: 100,
		Grouper: func(v interface{}) interface{} {
			cat, _ := strField(v, "cat")
			return cat
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.NumBatches != 3 || stats.NumRecords != 4 {
		t.Fatalf("got %+v, want 3 batches holding 4 records", stats)
	}

	var sizes []int
	it := store.engine.Range(coll.prefix, false)
	defer it.Close()
	for it.Next() {
		tuples, ok, err := keys.DecodeKeys(coll.prefix, it.Key())
		if err != nil || !ok {
			t.Fatalf("decode physical key: ok=%v err=%v", ok, err)
		}
		sizes = append(sizes, len(tuples))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if want := []int{2, 1, 1}; !reflect.DeepEqual(sizes, want) {
		t.Fatalf("batch sizes = %v, want %v", sizes, want)
	}

	ks, vs, err := coll.Items(nil, RangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ks) != 4 {
		t.Fatalf("got %d logical rows", len(ks))
	}
	for i, v := range vs {
		if got, _ := strField(v, "cat"); got != cats[i] {
			t.Fatalf("record %d: got cat %q want %q", i, got, cats[i])
		}
	}
}

// Putting a new value for a record that is currently a batch member
// must split the batch: every other member survives as a standalone
// row, and the updated record is written fresh.
func TestBatchSplitOnPut(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("split", WithKeyFunc(idKeyFunc))
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": i, "v": i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := coll.Batch(nil, BatchOptions{MaxRecs: 3}); err != nil {
		t.Fatal(err)
	}

	rec, err := coll.GetRecord(nil, int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Batch {
		t.Fatal("expected record 2 to report it came from a batch row")
	}
	rec.Data = map[string]interface{}{"id": int64(2), "v": int64(200)}
	if _, err := coll.Put(nil, rec); err != nil {
		t.Fatal(err)
	}

	for i, want := range map[int64]int64{1: 1, 2: 200, 3: 3} {
		v, err := coll.Get(nil, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got, _ := intField(v, "v"); got != want {
			t.Fatalf("Get(%d) = %v, want v=%d", i, v, want)
		}
	}

	after, err := coll.GetRecord(nil, int64(1))
	if err != nil {
		t.Fatal(err)
	}
	if after.Batch {
		t.Fatal("member 1 should have been rewritten as a standalone row by the split")
	}
}

// Putting a batch member under a derived-keys collection whose key
// function maps the mutated value to a *different* key must not leave
// a stale standalone row behind at the old key: splitBatch rewrites
// every member (including the old key) as standalone, and Put must
// still delete the old key's row once the split has given it
// somewhere to delete from.
func TestBatchSplitOnPutKeyChange(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("split_rekey",
		WithKeyFunc(idKeyFunc),
		WithDerivedKeys(true),
	)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": i, "v": i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := coll.Batch(nil, BatchOptions{MaxRecs: 3}); err != nil {
		t.Fatal(err)
	}

	rec, err := coll.GetRecord(nil, int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Batch {
		t.Fatal("expected record 2 to report it came from a batch row")
	}
	rec.Data = map[string]interface{}{"id": int64(99), "v": int64(200)}
	updated, err := coll.Put(nil, rec)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := updated.Key[0].(int64); got != 99 {
		t.Fatalf("expected key to move to 99, got %v", updated.Key)
	}

	if _, err := coll.Get(nil, int64(2)); err != ErrNotFound {
		t.Fatalf("expected old key 2 to be gone after rekey, got %v", err)
	}
	v, err := coll.Get(nil, int64(99))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := intField(v, "v"); got != 200 {
		t.Fatalf("Get(99) = %v, want v=200", v)
	}
	for _, id := range []int64{1, 3} {
		v, err := coll.Get(nil, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if got, _ := intField(v, "v"); got != id {
			t.Fatalf("Get(%d) = %v, want v=%d", id, v, id)
		}
	}

	ks, _, err := coll.Items(nil, RangeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ks) != 3 {
		t.Fatalf("expected exactly 3 records after rekey, got %d: %v", len(ks), ks)
	}
}

// Deleting a batched record must remove only that member: the batch
// splits, the deleted key disappears, and its former batch-mates
// survive as standalone rows.
func TestBatchSplitOnDelete(t *testing.T) {
	store := newTestStore()
	coll, err := store.Collection("split_del", WithKeyFunc(idKeyFunc))
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := coll.PutValue(nil, map[string]interface{}{"id": i, "v": i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := coll.Batch(nil, BatchOptions{MaxRecs: 3}); err != nil {
		t.Fatal(err)
	}

	rec, err := coll.GetRecord(nil, int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coll.Delete(nil, rec); err != nil {
		t.Fatal(err)
	}

	if _, err := coll.Get(nil, int64(2)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for deleted member, got %v", err)
	}
	for _, id := range []int64{1, 3} {
		v, err := coll.Get(nil, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if got, _ := intField(v, "v"); got != id {
			t.Fatalf("Get(%d) = %v, want v=%d", id, v, id)
		}
	}
}
