// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/testutil"
)

type bufferSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	closed bool
	fail   error
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *bufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *bufferSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func entry(i int) Entry {
	return Entry{
		Timestamp: time.Unix(1700000000, int64(i)*1000),
		Rule:      rules.ID(i%3 + 1),
		Direction: rules.Outbound,
		Length:    uint32(60 + i),
		Outcome:   Delivered,
		Delay:     time.Duration(i) * time.Millisecond,
		Seq:       uint64(i + 1),
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecS2, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			sink := &bufferSink{}
			r, err := New(Config{ChunkEntries: 10, Codec: codec, CapturePayload: true, SnapLen: 4}, sink, testutil.Logger())
			require.NoError(t, err)

			var want []Entry
			for i := 0; i < 35; i++ {
				e := entry(i)
				if i%5 == 0 {
					e.Outcome = Dropped
					e.Delay = 0
				}
				if i%7 == 0 {
					e.Payload = []byte{0x45, 0, 0, byte(i), 0xff, 0xff}
				}
				r.Record(e)
				if len(e.Payload) > 4 {
					e.Payload = e.Payload[:4]
				}
				want = append(want, e)
			}
			require.NoError(t, r.Close())
			assert.True(t, sink.closed)
			assert.EqualValues(t, 4, r.Stats().Chunks)

			got, gaps, err := ReadAll(bytes.NewReader(sink.bytes()))
			require.NoError(t, err)
			assert.Empty(t, gaps)
			require.Len(t, got, len(want))
			for i := range want {
				assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "entry %d timestamp", i)
				got[i].Timestamp = want[i].Timestamp
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestNegativeDelayRoundTrip(t *testing.T) {
	b := appendEntry(nil, &Entry{Timestamp: time.Unix(0, 5), Delay: -time.Millisecond, Outcome: Observed})
	got, err := decodeEntries(b)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, -time.Millisecond, got[0].Delay)
	assert.Equal(t, Observed, got[0].Outcome)
}

func writeChunks(t *testing.T, codec Codec, n, per int) ([]byte, []int) {
	t.Helper()
	var out []byte
	var offsets []int
	seq := 0
	for c := 0; c < n; c++ {
		var raw []byte
		for i := 0; i < per; i++ {
			e := entry(seq)
			seq++
			raw = appendEntry(raw, &e)
		}
		chunk, err := encodeChunk(codec, raw)
		require.NoError(t, err)
		offsets = append(offsets, len(out))
		out = append(out, chunk...)
	}
	return out, offsets
}

func TestChecksumCorruptionSkipsChunk(t *testing.T) {
	data, offsets := writeChunks(t, CodecS2, 3, 5)
	data[offsets[1]+headerSize+2] ^= 0xff

	rd := NewReader(bytes.NewReader(data))
	first, err := rd.Next()
	require.NoError(t, err)
	assert.Len(t, first, 5)
	assert.EqualValues(t, 1, first[0].Seq)

	third, err := rd.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 11, third[0].Seq)

	_, err = rd.Next()
	assert.Equal(t, io.EOF, err)

	gaps := rd.Gaps()
	require.Len(t, gaps, 1)
	assert.EqualValues(t, offsets[1], gaps[0].Offset)
	assert.EqualValues(t, offsets[2]-offsets[1], gaps[0].Length)
	assert.Equal(t, "checksum mismatch", gaps[0].Reason)
}

func TestInvalidHeaderStopsReading(t *testing.T) {
	data, offsets := writeChunks(t, CodecNone, 3, 4)
	copy(data[offsets[1]:], "JUNK")

	got, gaps, err := ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, got, 4, "chunks before the bad header are kept")
	require.Len(t, gaps, 1)
	assert.Equal(t, "invalid header", gaps[0].Reason)
}

func TestTruncatedTail(t *testing.T) {
	data, offsets := writeChunks(t, CodecLZ4, 2, 4)
	data = data[:offsets[1]+headerSize+3]

	got, gaps, err := ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, got, 4)
	require.Len(t, gaps, 1)
	assert.Equal(t, "truncated payload", gaps[0].Reason)
}

func TestBadPayloadWithValidChecksum(t *testing.T) {
	chunk, err := encodeChunk(CodecNone, []byte{0x05, 0x08})
	require.NoError(t, err)
	good, _ := writeChunks(t, CodecNone, 1, 2)

	got, gaps, err := ReadAll(bytes.NewReader(append(chunk, good...)))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.Len(t, gaps, 1)
	assert.Equal(t, "malformed records", gaps[0].Reason)
}

func TestQueueDropsOldest(t *testing.T) {
	sink := &bufferSink{}
	r, err := New(Config{QueueSize: 4, ChunkEntries: 100, Codec: CodecNone}, sink, testutil.Logger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		r.Record(entry(i))
	}
	assert.Equal(t, 4, r.Pending())
	assert.EqualValues(t, 6, r.Stats().Dropped)

	r.Flush()
	got, _, err := ReadAll(bytes.NewReader(sink.bytes()))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.EqualValues(t, 7, got[0].Seq)
	assert.EqualValues(t, 10, got[3].Seq)
}

func TestWriterFlushesOnChunkAndInterval(t *testing.T) {
	sink := &bufferSink{}
	r, err := New(Config{ChunkEntries: 8, FlushInterval: 20 * time.Millisecond, Codec: CodecS2}, sink, testutil.Logger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for i := 0; i < 8; i++ {
		r.Record(entry(i))
	}
	require.Eventually(t, func() bool { return r.Stats().Chunks == 1 }, time.Second, time.Millisecond)

	r.Record(entry(8))
	require.Eventually(t, func() bool { return r.Stats().Chunks == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close())
	got, _, err := ReadAll(bytes.NewReader(sink.bytes()))
	require.NoError(t, err)
	assert.Len(t, got, 9)
}

func TestPayloadOmittedByDefault(t *testing.T) {
	sink := &bufferSink{}
	r, err := New(Config{Codec: CodecNone}, sink, testutil.Logger())
	require.NoError(t, err)
	e := entry(1)
	e.Payload = []byte{1, 2, 3}
	r.Record(e)
	require.NoError(t, r.Close())

	got, _, err := ReadAll(bytes.NewReader(sink.bytes()))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload)
}

func TestWriteFailureCounted(t *testing.T) {
	sink := &bufferSink{fail: fmt.Errorf("disk full")}
	r, err := New(Config{ChunkEntries: 2, Codec: CodecNone}, sink, testutil.Logger())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		r.Record(entry(i))
	}
	r.Flush()
	st := r.Stats()
	assert.EqualValues(t, 2, st.WriteFailures)
	assert.EqualValues(t, 4, st.Dropped)
	assert.EqualValues(t, 0, st.Chunks)
}

func TestLargeBatchSplitsIntoReadableChunks(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			sink := &bufferSink{}
			r, err := New(Config{ChunkEntries: 100, Codec: codec, CapturePayload: true, SnapLen: 256}, sink, testutil.Logger())
			require.NoError(t, err)
			r.split = 1024

			for i := 0; i < 100; i++ {
				e := entry(i)
				e.Payload = bytes.Repeat([]byte{byte(i)}, 200)
				r.Record(e)
			}
			r.Flush()

			data := sink.bytes()
			off := 0
			for off < len(data) {
				h, ok := parseHeader(data[off:])
				require.True(t, ok, "chunk at %d", off)
				assert.LessOrEqual(t, int(h.rawLen), 1024+300)
				off += headerSize + int(h.length)
			}
			assert.Greater(t, r.Stats().Chunks, uint64(1))

			got, gaps, err := ReadAll(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Empty(t, gaps)
			require.Len(t, got, 100)
			for i, e := range got {
				assert.EqualValues(t, i+1, e.Seq)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Codec: Codec(9)}, &bufferSink{}, nil)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
	_, err = New(Config{CapturePayload: true, SnapLen: MaxSnapLen + 1}, &bufferSink{}, nil)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
	assert.Equal(t, "snap_len", errors.GetAttributes(err)["field"])
	_, err = New(Config{}, nil, nil)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))

	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecS2, c)
	_, err = ParseCodec("brotli")
	assert.Equal(t, "codec", errors.GetAttributes(err)["field"])
}

func TestRingSinkRotatesWithoutSplittingChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.nslog")
	sink := NewRingSink(path, 1, 10)

	r, err := New(Config{ChunkEntries: 256, Codec: CodecNone, CapturePayload: true, SnapLen: 512}, sink, testutil.Logger())
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xab}, 512)
	const total = 2560
	for i := 0; i < total; i++ {
		e := entry(i)
		e.Payload = payload
		r.Record(e)
		if (i+1)%256 == 0 {
			r.Flush()
		}
	}
	require.NoError(t, r.Close())

	files, err := RingFiles(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 2, "expected at least one rotation")
	assert.Equal(t, path, files[len(files)-1])

	got, gaps, err := ReadRing(path)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, got, total)
	for i, e := range got {
		require.EqualValues(t, i+1, e.Seq)
	}
}

func TestReadRingMissing(t *testing.T) {
	got, gaps, err := ReadRing(filepath.Join(t.TempDir(), "none.nslog"))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, gaps)
}
