// Package compression packs blocks before they leave the process. Block
// fingerprints are always computed over the uncompressed bytes.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"replidb/pkg/dberrors"

	"github.com/klauspost/compress/zstd"
)

const (
	None = "none"
	Gzip = "gzip"
	Zstd = "zstd"
)

// Codec compresses whole blocks.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// ByName returns the codec for a config value. "" selects None.
func ByName(name string) (Codec, error) {
	switch name {
	case "", None:
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case Zstd:
		return NewZstd()
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", dberrors.ErrInvalidArgument, name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                      { return None }
func (noneCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return Gzip }

func (gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(src); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", dberrors.ErrInvalidArgument, err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", dberrors.ErrInvalidArgument, err)
	}
	return out, nil
}

// ZstdCodec shares one encoder and one decoder; both are safe for
// concurrent EncodeAll/DecodeAll calls.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Name() string { return Zstd }

func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", dberrors.ErrInvalidArgument, err)
	}
	return out, nil
}
