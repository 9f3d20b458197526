// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package arena implements a generational bump allocator for packet payloads.
//
// Two fixed blocks back at most two live generations: the current one, which
// serves allocations, and a draining one, which is reclaimed in bulk once every
// buffer carved from it has been released. Buffers carry the epoch of the
// generation that produced them and become invalid when it is reclaimed.
package arena

import (
	"sync"
	"sync/atomic"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
)

const (
	DefaultBlockSize = 4 << 20
	DefaultCeiling   = 16 << 20
)

// GenerationID identifies one fill of an arena block. Zero is never issued.
type GenerationID uint64

// Config sizes the arena.
type Config struct {
	// BlockSize is the capacity of each generation's block in bytes.
	BlockSize int
	// Ceiling is the hard cap on arena-reserved memory. Must be at least 2*BlockSize.
	Ceiling int
}

// DefaultConfig returns the default arena sizing.
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize, Ceiling: DefaultCeiling}
}

type slotState int

const (
	slotFree slotState = iota
	slotCurrent
	slotSealed
	slotRetiring
)

type slot struct {
	block  []byte
	offset int
	state  slotState
	refs   atomic.Int64
	epoch  atomic.Uint64
}

// Stats is a point-in-time view of arena counters.
type Stats struct {
	Current       GenerationID
	Allocations   uint64
	HeapFallbacks uint64
	Reclaims      uint64
	LiveRefs      [2]int64
	Used          [2]int
}

// Arena is safe for concurrent use.
type Arena struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.Mutex
	slots     [2]*slot
	cur       int
	nextGen   GenerationID
	warnedGen GenerationID

	allocations   atomic.Uint64
	heapFallbacks atomic.Uint64
	reclaims      atomic.Uint64
}

// New creates an arena with the first generation already begun.
func New(cfg Config, logger *logging.Logger) (*Arena, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = max(DefaultCeiling, 2*cfg.BlockSize)
	}
	if cfg.BlockSize < 0 {
		return nil, errors.Attr(errors.New(errors.KindConfig, "arena block size must be positive"), "field", "block_size")
	}
	if 2*cfg.BlockSize > cfg.Ceiling {
		err := errors.Errorf(errors.KindConfig, "arena ceiling %d is below two blocks of %d", cfg.Ceiling, cfg.BlockSize)
		return nil, errors.Attr(err, "field", "ceiling")
	}
	if logger == nil {
		logger = logging.WithComponent("arena")
	}

	a := &Arena{cfg: cfg, logger: logger}
	for i := range a.slots {
		a.slots[i] = &slot{block: make([]byte, cfg.BlockSize)}
	}
	a.nextGen = 1
	a.activateLocked(0)
	return a, nil
}

func (a *Arena) activateLocked(i int) GenerationID {
	s := a.slots[i]
	id := a.nextGen
	a.nextGen++
	s.offset = 0
	s.state = slotCurrent
	s.epoch.Store(uint64(id))
	a.cur = i
	return id
}

// Allocate returns a buffer of exactly size bytes. It never blocks. When the
// arena cannot serve the request the buffer comes from the heap and the error
// is ErrOutOfArenaSpace; the buffer is usable either way.
func (a *Arena) Allocate(size int) (*Buffer, error) {
	if size < 0 {
		size = 0
	}
	a.allocations.Add(1)

	a.mu.Lock()
	if size <= a.cfg.BlockSize {
		s := a.slots[a.cur]
		if s.offset+size > len(s.block) {
			if !a.rotateLocked() {
				return a.heapLocked(size)
			}
			s = a.slots[a.cur]
		}
		data := s.block[s.offset : s.offset+size : s.offset+size]
		s.offset += size
		s.refs.Add(1)
		b := &Buffer{arena: a, slot: a.cur, gen: GenerationID(s.epoch.Load()), data: data}
		a.mu.Unlock()
		return b, nil
	}
	return a.heapLocked(size)
}

// heapLocked releases a.mu.
func (a *Arena) heapLocked(size int) (*Buffer, error) {
	gen := GenerationID(a.slots[a.cur].epoch.Load())
	warn := a.warnedGen != gen
	a.warnedGen = gen
	a.mu.Unlock()

	a.heapFallbacks.Add(1)
	if warn {
		a.logger.Warn("arena exhausted, falling back to heap", "size", size, "generation", gen)
	}
	return &Buffer{heap: true, data: make([]byte, size)}, errors.ErrOutOfArenaSpace
}

// rotateLocked seals the current generation and starts a new one in the other
// slot. It fails when the other slot still holds a draining generation.
func (a *Arena) rotateLocked() bool {
	other := 1 - a.cur
	if a.slots[other].state != slotFree {
		return false
	}
	old := a.cur
	a.slots[old].state = slotRetiring
	a.activateLocked(other)
	a.tryReclaimLocked(old)
	return true
}

// BeginGeneration seals the current generation and starts a new one. The sealed
// generation is reclaimed after RetireGeneration and the last Release.
func (a *Arena) BeginGeneration() (GenerationID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	other := 1 - a.cur
	if a.slots[other].state != slotFree {
		return 0, errors.New(errors.KindOutOfArena, "previous generation still draining")
	}
	a.slots[a.cur].state = slotSealed
	return a.activateLocked(other), nil
}

// RetireGeneration marks a sealed generation for reclaim. It reports true when
// the generation was reclaimed immediately; otherwise reclaim happens when its
// last live buffer is released. Retiring the current generation is a no-op.
func (a *Arena) RetireGeneration(id GenerationID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.slots {
		if GenerationID(s.epoch.Load()) != id {
			continue
		}
		switch s.state {
		case slotSealed:
			s.state = slotRetiring
			return a.tryReclaimLocked(i)
		case slotRetiring:
			return a.tryReclaimLocked(i)
		}
		return false
	}
	return false
}

// Current returns the generation serving allocations.
func (a *Arena) Current() GenerationID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return GenerationID(a.slots[a.cur].epoch.Load())
}

func (a *Arena) tryReclaimLocked(i int) bool {
	s := a.slots[i]
	if s.state != slotRetiring || s.refs.Load() != 0 {
		return false
	}
	gen := s.epoch.Load()
	s.epoch.Store(0)
	s.offset = 0
	s.state = slotFree
	a.reclaims.Add(1)
	a.logger.Debug("generation reclaimed", "generation", gen)
	return true
}

func (a *Arena) release(i int) {
	if a.slots[i].refs.Add(-1) != 0 {
		return
	}
	a.mu.Lock()
	a.tryReclaimLocked(i)
	a.mu.Unlock()
}

// Stats returns current counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Current:       GenerationID(a.slots[a.cur].epoch.Load()),
		Allocations:   a.allocations.Load(),
		HeapFallbacks: a.heapFallbacks.Load(),
		Reclaims:      a.reclaims.Load(),
	}
	for i, s := range a.slots {
		st.LiveRefs[i] = s.refs.Load()
		st.Used[i] = s.offset
	}
	return st
}

// Buffer is a payload allocation. Arena buffers must be released exactly once;
// extra calls are ignored.
type Buffer struct {
	arena    *Arena
	slot     int
	gen      GenerationID
	data     []byte
	heap     bool
	released atomic.Bool
}

// Bytes returns the payload, or nil once the buffer is released or its
// generation reclaimed.
func (b *Buffer) Bytes() []byte {
	if !b.Valid() {
		return nil
	}
	return b.data
}

// Len returns the allocated size.
func (b *Buffer) Len() int { return len(b.data) }

// Generation returns the producing generation, zero for heap buffers.
func (b *Buffer) Generation() GenerationID { return b.gen }

// Heap reports whether the buffer fell back to the heap.
func (b *Buffer) Heap() bool { return b.heap }

// Valid reports whether the buffer may still be read.
func (b *Buffer) Valid() bool {
	if b == nil || b.released.Load() {
		return false
	}
	if b.heap {
		return true
	}
	return GenerationID(b.arena.slots[b.slot].epoch.Load()) == b.gen
}

// Release drops the buffer's reference on its generation.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.heap {
		return
	}
	b.arena.release(b.slot)
}
