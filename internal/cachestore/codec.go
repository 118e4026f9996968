package cachestore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Stored entries are one header byte followed by the CBOR payload, compressed
// with zstd when that makes it smaller.
const (
	codecRaw  byte = 0x00
	codecZstd byte = 0x01
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cachestore: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cachestore: cbor decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cachestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cachestore: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(ent Entry) ([]byte, error) {
	raw, err := encMode.Marshal(ent)
	if err != nil {
		return nil, err
	}
	compressed := zstdEncoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
	if len(compressed) < len(raw)+1 {
		compressed[0] = codecZstd
		return compressed, nil
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, codecRaw)
	return append(out, raw...), nil
}

func decodeEntry(b []byte) (Entry, error) {
	raw, err := decodePayload(b)
	if err != nil {
		return Entry{}, err
	}
	return unmarshalEntry(raw)
}

// decodePayload strips the codec header and returns the plain CBOR payload.
func decodePayload(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty entry")
	}
	payload := b[1:]
	switch b[0] {
	case codecRaw:
	case codecZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown entry codec 0x%02x", b[0])
	}
	return payload, nil
}

func unmarshalEntry(raw []byte) (Entry, error) {
	var ent Entry
	if err := decMode.Unmarshal(raw, &ent); err != nil {
		return Entry{}, err
	}
	return ent, nil
}
