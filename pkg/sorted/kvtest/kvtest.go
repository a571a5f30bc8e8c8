// Package kvtest is a shared conformance suite for sorted.Engine
// implementations, run against every Engine this module ships or
// wraps (adapted from perkeep.org's pkg/sorted/kvtest, generalized
// from a unidirectional string-keyed KeyValue to a bidirectional
// byte-keyed, transactional Engine).
package kvtest

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/Zabrane/centidb/pkg/sorted"
)

// TestEngine runs a battery of Get/Put/Delete/Range assertions against
// a freshly constructed, empty Engine.
func TestEngine(t *testing.T, e sorted.Engine) {
	if !isEmpty(t, e) {
		t.Fatal("engine under test is expected to be initially empty")
	}
	put := func(k, v string) {
		if err := e.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q, %q): %v", k, v, err)
		}
	}
	put("foo", "bar")
	if isEmpty(t, e) {
		t.Fatal("iterator reports the engine is empty after adding foo=bar; iterator must be broken")
	}
	if v, err := e.Get([]byte("foo")); err != nil || string(v) != "bar" {
		t.Errorf("Get(foo) = %q, %v; want bar, nil", v, err)
	}
	if _, err := e.Get([]byte("NOT_EXIST")); err != sorted.ErrNotFound {
		t.Errorf("Get(NOT_EXIST) = %v; want sorted.ErrNotFound", err)
	}
	for i := 0; i < 2; i++ {
		if err := e.Delete([]byte("foo")); err != nil {
			t.Errorf("Delete(foo) (loop %d/2): %v", i+1, err)
		}
	}

	put("a", "av")
	put("b", "bv")
	put("c", "cv")
	testForwardRange(t, e, "", "av", "bv", "cv")
	testForwardRange(t, e, "a", "av", "bv", "cv")
	testForwardRange(t, e, "b", "bv", "cv")
	testForwardRange(t, e, "d")

	testReverseRange(t, e, "", "cv", "bv", "av")
	testReverseRange(t, e, "c", "cv", "bv", "av")
	testReverseRange(t, e, "b", "bv", "av")
	testReverseRange(t, e, "", "cv", "bv", "av")

	// Verify the value isn't confused for the key in range comparisons.
	put("y", "x:foo")
	testForwardRangeBounded(t, e, "x:", "x~")

	testTxnSeesOwnWrites(t, e)
}

func testForwardRange(t *testing.T, e sorted.Engine, start string, want ...string) {
	t.Helper()
	var startKey []byte
	if start != "" {
		startKey = []byte(start)
	}
	it := e.Range(startKey, false)
	var got []string
	for it.Next() {
		got = append(got, string(it.Value()))
	}
	if err := it.Close(); err != nil {
		t.Errorf("forward Range(%q) Close: %v", start, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("forward Range(%q) = %q, want %q", start, got, want)
	}
}

func testForwardRangeBounded(t *testing.T, e sorted.Engine, start, upperExclusive string, want ...string) {
	t.Helper()
	it := e.Range([]byte(start), false)
	defer it.Close()
	var got []string
	for it.Next() {
		if bytes.Compare(it.Key(), []byte(upperExclusive)) >= 0 {
			break
		}
		got = append(got, string(it.Value()))
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("forward Range(%q, <%q) = %q, want %q", start, upperExclusive, got, want)
	}
}

func testReverseRange(t *testing.T, e sorted.Engine, start string, want ...string) {
	t.Helper()
	var startKey []byte
	if start != "" {
		startKey = []byte(start)
	}
	it := e.Range(startKey, true)
	var got []string
	for it.Next() {
		got = append(got, string(it.Value()))
	}
	if err := it.Close(); err != nil {
		t.Errorf("reverse Range(%q) Close: %v", start, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reverse Range(%q) = %q, want %q", start, got, want)
	}
}

func testTxnSeesOwnWrites(t *testing.T, e sorted.Engine) {
	txn, err := e.Txn()
	if err != nil {
		t.Fatalf("Txn(): %v", err)
	}
	defer txn.Rollback()
	if err := txn.Put([]byte("txn-key"), []byte("txn-val")); err != nil {
		t.Fatalf("txn.Put: %v", err)
	}
	v, err := txn.Get([]byte("txn-key"))
	if err != nil || string(v) != "txn-val" {
		t.Errorf("txn.Get(txn-key) = %q, %v; want txn-val, nil", v, err)
	}
	if txn.TxnID() == 0 {
		t.Errorf("TxnID() returned zero value")
	}
	if err := txn.Commit(); err != nil {
		t.Errorf("txn.Commit: %v", err)
	}
}

func isEmpty(t *testing.T, e sorted.Engine) bool {
	t.Helper()
	it := e.Range(nil, false)
	hasRow := it.Next()
	if err := it.Close(); err != nil {
		t.Fatalf("closing iterator while testing for emptiness: %v", err)
	}
	return !hasRow
}
