// Package checkpoint encodes sampler state for the store.
//
// Format: [magic "SLMN"][version uint8][zstd-compressed JSON of sampler.State]
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
)

const version = 1

var magic = []byte("SLMN")

// ErrCorrupt is returned for data that is not a checkpoint of this version.
var ErrCorrupt = errors.New("corrupt checkpoint")

var (
	encoderPool = new(sync.Pool)
	decoderPool = new(sync.Pool)

	newEncoder = func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	newDecoder = func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	}
)

func getEncoder() (*zstd.Encoder, error) {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	enc, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc, nil
}

func getDecoder() (*zstd.Decoder, error) {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return dec, nil
}

// Encode serializes a sampler state.
func Encode(s sampler.State) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	enc, err := getEncoder()
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	defer encoderPool.Put(enc)

	out := make([]byte, 0, len(magic)+1+len(raw)/4)
	out = append(out, magic...)
	out = append(out, version)
	return enc.EncodeAll(raw, out), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (sampler.State, error) {
	var s sampler.State
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return s, ErrCorrupt
	}
	if v := data[len(magic)]; v != version {
		return s, fmt.Errorf("%w: version %d", ErrCorrupt, v)
	}
	dec, err := getDecoder()
	if err != nil {
		return s, fmt.Errorf("decode checkpoint: %w", err)
	}
	defer decoderPool.Put(dec)

	raw, err := dec.DecodeAll(data[len(magic)+1:], nil)
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return s, nil
}

// Save snapshots smp and encodes the result.
func Save(smp sampler.Sampler) ([]byte, error) {
	s, err := smp.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", smp.Name(), err)
	}
	return Encode(s)
}

// Load decodes data into smp.
func Load(smp sampler.Sampler, data []byte) error {
	s, err := Decode(data)
	if err != nil {
		return err
	}
	if err := smp.Restore(s); err != nil {
		return fmt.Errorf("restore %s: %w", smp.Name(), err)
	}
	return nil
}
