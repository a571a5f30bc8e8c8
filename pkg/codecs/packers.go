package codecs

import (
	"bytes"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// None is the identity packer: pack/unpack are no-ops. Useful as the
// default when a Collection's records are already small or
// incompressible.
var None Packer = noneCodec{}

type noneCodec struct{}

func (noneCodec) Name() string                   { return "none" }
func (noneCodec) Pack(b []byte) ([]byte, error)  { return b, nil }
func (noneCodec) Unpack(b []byte) ([]byte, error) { return b, nil }

// Snappy compresses with github.com/golang/snappy, a fast
// block-compression codec well suited to small per-record or
// per-batch payloads.
var Snappy Packer = snappyCodec{}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Pack(b []byte) ([]byte, error) {
	return snappy.Encode(nil, b), nil
}

func (snappyCodec) Unpack(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}

// LZ4 compresses with github.com/pierrec/lz4/v4, trading a little
// speed for a better ratio than Snappy on larger batch payloads.
var LZ4 Packer = lz4Codec{}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Pack(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Unpack(b []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(b))
	return io.ReadAll(r)
}

// Zstd compresses with github.com/klauspost/compress/zstd, for
// callers who want a tunable, dictionary-capable ratio/speed
// trade-off on large batch payloads.
var Zstd Packer = &zstdCodec{}

type zstdCodec struct {
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

func (z *zstdCodec) Name() string { return "zstd" }

func (z *zstdCodec) Pack(b []byte) ([]byte, error) {
	enc, err := z.encoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(b, nil), nil
}

func (z *zstdCodec) Unpack(b []byte) ([]byte, error) {
	dec, err := z.decoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(b, nil)
}

func (z *zstdCodec) encoder() (*zstd.Encoder, error) {
	z.encOnce.Do(func() { z.enc, z.encErr = zstd.NewWriter(nil) })
	return z.enc, z.encErr
}

func (z *zstdCodec) decoder() (*zstd.Decoder, error) {
	z.decOnce.Do(func() { z.dec, z.decErr = zstd.NewReader(nil) })
	return z.dec, z.decErr
}
