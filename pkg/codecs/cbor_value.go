package codecs

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR is the default "pickle-like" value encoder (spec.md §1/§6):
// an opaque, generic byte codec for arbitrary record values. CBOR was
// chosen over encoding/gob because it round-trips through a plain
// interface{} (map[string]interface{}, []interface{}, scalars)
// without requiring the caller to register concrete types up front,
// matching how a Python pickle of an arbitrary dict/list/scalar value
// needs no schema.
var CBOR ValueEncoder = cborCodec{}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Pack(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unpack(b []byte) (interface{}, error) {
	var v interface{}
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
