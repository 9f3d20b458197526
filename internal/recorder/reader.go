// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"bufio"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Gap describes log data the reader could not recover.
type Gap struct {
	// Offset is the byte offset of the chunk header within the stream.
	Offset int64
	// Length is the number of bytes skipped, header included.
	Length int64
	Reason string
}

// Reader iterates the chunks of one log stream.
type Reader struct {
	r      *bufio.Reader
	offset int64
	gaps   []Gap
	done   bool
	header [headerSize]byte
}

// NewReader reads chunks from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the entries of the next intact chunk. Chunks that fail their
// checksum or do not decode are skipped and reported through Gaps. Reading
// stops with io.EOF at the end of the stream or at the first invalid header;
// everything read before it stays valid.
func (r *Reader) Next() ([]Entry, error) {
	for !r.done {
		start := r.offset
		n, err := io.ReadFull(r.r, r.header[:])
		r.offset += int64(n)
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			r.stop(start, int64(n), "truncated header")
			break
		}
		h, ok := parseHeader(r.header[:])
		if !ok {
			r.stop(start, int64(n), "invalid header")
			break
		}

		payload := make([]byte, h.length)
		n, err = io.ReadFull(r.r, payload)
		r.offset += int64(n)
		if err != nil {
			r.stop(start, headerSize+int64(n), "truncated payload")
			break
		}
		size := r.offset - start

		if xxhash.Sum64(payload) != h.checksum {
			r.gaps = append(r.gaps, Gap{Offset: start, Length: size, Reason: "checksum mismatch"})
			continue
		}
		raw, err := decompress(h.codec, payload, int(h.rawLen))
		if err != nil || len(raw) != int(h.rawLen) {
			r.gaps = append(r.gaps, Gap{Offset: start, Length: size, Reason: "decompress failed"})
			continue
		}
		entries, err := decodeEntries(raw)
		if err != nil {
			r.gaps = append(r.gaps, Gap{Offset: start, Length: size, Reason: "malformed records"})
			continue
		}
		return entries, nil
	}
	return nil, io.EOF
}

func (r *Reader) stop(offset, length int64, reason string) {
	r.done = true
	r.gaps = append(r.gaps, Gap{Offset: offset, Length: length, Reason: reason})
}

// Gaps returns the gaps found so far.
func (r *Reader) Gaps() []Gap {
	return r.gaps
}

// ReadAll returns every recoverable entry in r.
func ReadAll(r io.Reader) ([]Entry, []Gap, error) {
	rd := NewReader(r)
	var out []Entry
	for {
		entries, err := rd.Next()
		if err == io.EOF {
			return out, rd.Gaps(), nil
		}
		if err != nil {
			return out, rd.Gaps(), err
		}
		out = append(out, entries...)
	}
}
