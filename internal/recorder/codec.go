// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"grimm.is/netshape/internal/errors"
)

// Codec identifies the chunk payload compression.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecS2
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecS2:
		return "s2"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return "unknown"
}

func (c Codec) valid() bool { return c <= CodecZstd }

// ParseCodec parses a codec name. Empty selects s2.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "s2", "snappy":
		return CodecS2, nil
	case "none", "off":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, errors.Attr(errors.Errorf(errors.KindConfig, "unknown codec %q", s), "field", "codec")
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxChunkSize))
	})
)

func compress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecS2:
		return s2.Encode(nil, src), nil
	case CodecLZ4:
		var lc lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lc.CompressBlock(src, dst)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindLogWrite, "lz4 compress")
		}
		return dst[:n], nil
	case CodecZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "zstd encoder")
		}
		return enc.EncodeAll(src, nil), nil
	}
	return nil, errors.Errorf(errors.KindInternal, "unknown codec %d", c)
}

func decompress(c Codec, src []byte, size int) ([]byte, error) {
	switch c {
	case CodecNone:
		return src, nil
	case CodecS2:
		return s2.Decode(make([]byte, size), src)
	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case CodecZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(src, make([]byte, 0, size))
	}
	return nil, errors.Errorf(errors.KindMalformed, "unknown codec %d", c)
}
