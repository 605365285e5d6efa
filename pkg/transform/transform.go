package transform

import (
	"fmt"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "BNPK"
	Version = 1

	headerLen = 7
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgZstd = 1
)

// MinCompressBytes is the payload size below which blocks are stored
// inside the envelope without compression.
const MinCompressBytes = 512

// Transform encodes block payloads for storage in pack files. The CID of a
// block is always computed over the plain payload.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New returns the transform selected by cfg.
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "zstd":
		return NewZstd(cfg.ZstdLevel)
	case "none", "":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported transform %q", core.ErrConfig, cfg.Name)
	}
}

type noneTransform struct{}

func NewNone() Transform {
	return noneTransform{}
}

func (noneTransform) Name() string                         { return "none" }
func (noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstd(level int) (Transform, error) {
	if level == 0 {
		level = int(zstd.SpeedDefault)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd writer: %v", core.ErrConfig, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd reader: %v", core.ErrConfig, err)
	}
	return &zstdTransform{
		encoder: enc,
		decoder: dec,
	}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	if len(plain) < MinCompressBytes {
		return envelope(0, 0, plain), nil
	}

	compressed := t.encoder.EncodeAll(plain, nil)
	if len(compressed) >= len(plain) {
		return envelope(0, 0, plain), nil
	}
	return envelope(FlagCompressed, AlgZstd, compressed), nil
}

func envelope(flags, alg byte, payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, Magic...)
	out = append(out, Version, flags, alg)
	return append(out, payload...)
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerLen {
		return nil, fmt.Errorf("%w: block too small for envelope", core.ErrIntegrity)
	}

	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrIntegrity)
	}

	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrIntegrity, stored[4])
	}

	flags := stored[5]
	alg := stored[6]
	payload := stored[headerLen:]

	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrIntegrity, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", core.ErrIntegrity, err)
	}
	return plain, nil
}
