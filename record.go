package centidb

import "github.com/Zabrane/centidb/pkg/keys"

// Record is the application-visible unit: produced by Collection.Get
// with rec=true (Collection.GetRecord) or constructed directly by the
// caller, mutated only via its Data field, and consumed by Put or
// Delete (spec.md §3).
type Record struct {
	// Data is the arbitrary user value. It is the only field a caller
	// should mutate between Get and Put.
	Data interface{}

	// Key is the tuple assigned on successful Put, or the tuple the
	// record was fetched by.
	Key keys.Tuple

	// Batch reports whether the physical row this Record was last
	// loaded from was a batch member.
	Batch bool

	// indexKeys holds the set of physical index keys that were valid
	// the last time this Record was loaded, so Collection.Put/Delete
	// know which to remove.
	indexKeys [][]byte

	// coll is a non-owning back-reference to the Collection this
	// Record came from, so Put/Delete know where to write without the
	// caller repeating the collection argument. It is nil for a
	// caller-constructed Record until the first Put.
	coll *Collection

	// txnID, if non-zero, is the TxnID of the transaction this Record
	// was last loaded or saved under. GetRecord and Put set it; nothing
	// in Collection reads it.
	txnID uint64
}

// NewRecord constructs a caller-owned Record around an arbitrary
// value, ready to be passed to Collection.Put.
func NewRecord(data interface{}) *Record {
	return &Record{Data: data}
}

// reset clears key/batch/index-key state, e.g. after a successful
// Delete (spec.md §4.8: "Clear key, batch, index_keys on the returned
// record").
func (r *Record) reset() {
	r.Key = nil
	r.Batch = false
	r.indexKeys = nil
	r.txnID = 0
}
