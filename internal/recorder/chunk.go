// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Chunk header layout, little endian:
//
//	magic "NSLG" | version u8 | codec u8 | uncompressed u32 | compressed u32 | xxhash64(payload) u64
const (
	chunkMagic    = "NSLG"
	chunkVersion  = 1
	headerSize    = 22
	maxChunkSize  = 64 << 20
	// splitSize caps the raw bytes per chunk, leaving room for codec
	// expansion of incompressible input within maxChunkSize.
	splitSize     = 48 << 20
	offVersion    = 4
	offCodec      = 5
	offRawLen     = 6
	offPayloadLen = 10
	offChecksum   = 14
)

type chunkHeader struct {
	codec    Codec
	rawLen   uint32
	length   uint32
	checksum uint64
}

// encodeChunk builds a complete chunk around raw, compressed with c.
func encodeChunk(c Codec, raw []byte) ([]byte, error) {
	payload, err := compress(c, raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, chunkMagic)
	out[offVersion] = chunkVersion
	out[offCodec] = byte(c)
	binary.LittleEndian.PutUint32(out[offRawLen:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[offPayloadLen:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(out[offChecksum:], xxhash.Sum64(payload))
	return append(out, payload...), nil
}

// parseHeader reports false for anything that is not a plausible chunk header.
func parseHeader(b []byte) (chunkHeader, bool) {
	if len(b) < headerSize || string(b[:4]) != chunkMagic || b[offVersion] != chunkVersion {
		return chunkHeader{}, false
	}
	h := chunkHeader{
		codec:    Codec(b[offCodec]),
		rawLen:   binary.LittleEndian.Uint32(b[offRawLen:]),
		length:   binary.LittleEndian.Uint32(b[offPayloadLen:]),
		checksum: binary.LittleEndian.Uint64(b[offChecksum:]),
	}
	if !h.codec.valid() || h.rawLen > maxChunkSize || h.length > maxChunkSize {
		return chunkHeader{}, false
	}
	return h, true
}
