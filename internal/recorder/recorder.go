// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package recorder writes shaped-traffic events to a compact binary log.
//
// Entries are queued without blocking the packet path, batched into chunks,
// compressed and appended to a sink. Each chunk carries its own checksum so
// readers can skip damaged chunks and keep going.
package recorder

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
)

// Config tunes the recorder.
type Config struct {
	// QueueSize bounds the number of unwritten entries. When full the
	// oldest entry is discarded.
	QueueSize int
	// ChunkEntries is the number of entries per chunk.
	ChunkEntries int
	// FlushInterval writes a partial chunk after this much idle time.
	FlushInterval time.Duration
	Codec         Codec
	// CapturePayload keeps a raw snapshot of each packet, truncated to SnapLen.
	CapturePayload bool
	SnapLen        int
}

// MaxSnapLen is the largest payload snapshot, one full IP packet.
const MaxSnapLen = 65535

// DefaultConfig returns the default recorder settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     8192,
		ChunkEntries:  512,
		FlushInterval: time.Second,
		Codec:         CodecS2,
		SnapLen:       128,
	}
}

// Stats are recorder counters.
type Stats struct {
	Recorded      uint64
	Dropped       uint64
	Chunks        uint64
	WriteFailures uint64
	Bytes         uint64
}

// Recorder is safe for concurrent use.
type Recorder struct {
	cfg    Config
	sink   io.WriteCloser
	logger *logging.Logger

	mu    sync.Mutex
	ring  []Entry
	head  int
	count int

	notify chan struct{}
	flushq chan chan struct{}

	// writeMu guards the encoder state used by the writer.
	writeMu sync.Mutex
	batch   []Entry
	buf     []byte
	// split is the raw size at which a batch is cut into another chunk.
	split int

	recorded      atomic.Uint64
	dropped       atomic.Uint64
	chunks        atomic.Uint64
	writeFailures atomic.Uint64
	bytes         atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a recorder writing to sink. Start launches the writer.
func New(cfg Config, sink io.WriteCloser, logger *logging.Logger) (*Recorder, error) {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ChunkEntries <= 0 {
		cfg.ChunkEntries = def.ChunkEntries
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = def.SnapLen
	}
	if cfg.SnapLen > MaxSnapLen {
		return nil, errors.Attr(errors.Errorf(errors.KindConfig, "snap length %d exceeds %d", cfg.SnapLen, MaxSnapLen), "field", "snap_len")
	}
	if !cfg.Codec.valid() {
		return nil, errors.Attr(errors.Errorf(errors.KindConfig, "unknown codec %d", cfg.Codec), "field", "codec")
	}
	if sink == nil {
		return nil, errors.New(errors.KindConfig, "recorder sink is required")
	}
	if logger == nil {
		logger = logging.WithComponent("recorder")
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ring:   make([]Entry, cfg.QueueSize),
		notify: make(chan struct{}, 1),
		flushq: make(chan chan struct{}),
		batch:  make([]Entry, 0, cfg.ChunkEntries),
		split:  splitSize,
	}, nil
}

// Record queues e without blocking. When the queue is full the oldest
// queued entry is discarded and counted.
func (r *Recorder) Record(e Entry) {
	if !r.cfg.CapturePayload {
		e.Payload = nil
	} else if len(e.Payload) > 0 {
		n := min(len(e.Payload), r.cfg.SnapLen)
		e.Payload = append([]byte(nil), e.Payload[:n]...)
	}

	r.mu.Lock()
	if r.count == len(r.ring) {
		r.ring[r.head] = Entry{}
		r.head = (r.head + 1) % len(r.ring)
		r.count--
		r.dropped.Add(1)
	}
	r.ring[(r.head+r.count)%len(r.ring)] = e
	r.count++
	full := r.count >= r.cfg.ChunkEntries
	r.mu.Unlock()

	r.recorded.Add(1)
	if full {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// take moves up to limit queued entries into dst.
func (r *Recorder) take(dst []Entry, limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(r.count, limit)
	for i := 0; i < n; i++ {
		dst = append(dst, r.ring[r.head])
		r.ring[r.head] = Entry{}
		r.head = (r.head + 1) % len(r.ring)
	}
	r.count -= n
	return dst
}

// Start launches the background writer. It stops when ctx is done or the
// recorder is closed, flushing what is queued.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.done = make(chan struct{})
		go r.run(ctx)
	})
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(true)
			return
		case <-r.notify:
			r.flush(false)
		case <-ticker.C:
			r.flush(true)
		case ack := <-r.flushq:
			r.flush(true)
			close(ack)
		}
	}
}

// Flush writes every queued entry now.
func (r *Recorder) Flush() {
	if r.done != nil {
		ack := make(chan struct{})
		select {
		case r.flushq <- ack:
			<-ack
			return
		case <-r.done:
		}
	}
	r.flush(true)
}

// flush writes full chunks, plus a final partial one when partial is set.
func (r *Recorder) flush(partial bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	for {
		r.batch = r.take(r.batch[:0], r.cfg.ChunkEntries)
		if len(r.batch) == 0 {
			return
		}
		if len(r.batch) < r.cfg.ChunkEntries && !partial {
			r.requeue(r.batch)
			return
		}
		r.writeChunk(r.batch)
		if len(r.batch) < r.cfg.ChunkEntries {
			return
		}
	}
}

// requeue puts entries back at the front of the queue, oldest first.
func (r *Recorder) requeue(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		if r.count == len(r.ring) {
			r.dropped.Add(uint64(i + 1))
			return
		}
		r.head = (r.head - 1 + len(r.ring)) % len(r.ring)
		r.ring[r.head] = entries[i]
		r.count++
	}
}

func (r *Recorder) writeChunk(entries []Entry) {
	r.buf = r.buf[:0]
	first := 0
	for i := range entries {
		mark := len(r.buf)
		r.buf = appendEntry(r.buf, &entries[i])
		if len(r.buf) > r.split && i > first {
			r.emit(entries[first:i], r.buf[:mark])
			r.buf = append(r.buf[:0], r.buf[mark:]...)
			first = i
		}
	}
	r.emit(entries[first:], r.buf)
}

// emit compresses raw, the encoding of entries, into one chunk and writes it.
func (r *Recorder) emit(entries []Entry, raw []byte) {
	chunk, err := encodeChunk(r.cfg.Codec, raw)
	if err == nil {
		_, err = r.sink.Write(chunk)
	}
	if err != nil {
		if r.writeFailures.Add(1) == 1 {
			r.logger.WithError(errors.Wrap(err, errors.KindLogWrite, "write chunk")).
				Warn("event log write failed, entries lost", "entries", len(entries))
		}
		r.dropped.Add(uint64(len(entries)))
		return
	}
	r.chunks.Add(1)
	r.bytes.Add(uint64(len(chunk)))
}

// Close stops the writer, flushes and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		r.flush(true)
		if err := r.sink.Close(); err != nil {
			r.closeErr = errors.Wrap(err, errors.KindLogWrite, "close event log")
		}
		st := r.Stats()
		r.logger.Info("event log closed", "recorded", st.Recorded, "dropped", st.Dropped, "chunks", st.Chunks)
	})
	return r.closeErr
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:      r.recorded.Load(),
		Dropped:       r.dropped.Load(),
		Chunks:        r.chunks.Load(),
		WriteFailures: r.writeFailures.Load(),
		Bytes:         r.bytes.Load(),
	}
}

// Pending returns the number of queued, unwritten entries.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
