package container

import (
	"bytes"
	"io"

	"gastrolog/internal/errs"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses/decompresses item payloads before they are framed into a
// container's data arena. Treated as a trait per spec.md §1 ("the
// compression codecs (treated as a trait)" are an external collaborator);
// this package supplies the two concrete codecs the teacher's dependency
// set makes available and lets containerstore select one at configuration
// time.
type Codec interface {
	Name() string
	Compress(raw []byte) ([]byte, error)
	Decompress(stored []byte, rawSize int) ([]byte, error)
}

// ZstdCodec is the default codec (domain-stack: github.com/klauspost/compress/zstd).
type ZstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, "container: init zstd encoder", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, "container: init zstd decoder", err)
	}
	return &ZstdCodec{encoder: enc, decoder: dec}, nil
}

func (z *ZstdCodec) Name() string { return "zstd" }

func (z *ZstdCodec) Compress(raw []byte) ([]byte, error) {
	return z.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (z *ZstdCodec) Decompress(stored []byte, rawSize int) ([]byte, error) {
	out, err := z.decoder.DecodeAll(stored, make([]byte, 0, rawSize))
	if err != nil {
		return nil, errs.Wrap(errs.CorruptedState, "container: zstd decode", err)
	}
	return out, nil
}

// BrotliCodec is the alternate codec (domain-stack: github.com/andybalholm/brotli).
type BrotliCodec struct{ quality int }

func NewBrotliCodec(quality int) *BrotliCodec {
	if quality <= 0 {
		quality = brotli.DefaultCompression
	}
	return &BrotliCodec{quality: quality}
}

func (b *BrotliCodec) Name() string { return "brotli" }

func (b *BrotliCodec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, b.quality)
	if _, err := w.Write(raw); err != nil {
		return nil, errs.Wrap(errs.IoError, "container: brotli write", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(errs.IoError, "container: brotli close", err)
	}
	return buf.Bytes(), nil
}

func (b *BrotliCodec) Decompress(stored []byte, rawSize int) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(stored))
	out := make([]byte, rawSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.CorruptedState, "container: brotli decode", err)
	}
	return out, nil
}

// NoneCodec stores payloads uncompressed, used by tests that want exact
// byte-for-byte control over stored size.
type NoneCodec struct{}

func (NoneCodec) Name() string                                 { return "none" }
func (NoneCodec) Compress(raw []byte) ([]byte, error)           { return append([]byte(nil), raw...), nil }
func (NoneCodec) Decompress(s []byte, _ int) ([]byte, error)    { return append([]byte(nil), s...), nil }
