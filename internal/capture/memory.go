// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"sync"
	"time"

	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

// Delivery is a packet observed leaving a MemoryAdapter.
type Delivery struct {
	Packet *Packet
	At     time.Time
}

// MemoryAdapter is a channel-backed adapter for tests and simulation.
type MemoryAdapter struct {
	name string
	clk  clock.Clock
	in   chan *Packet

	mu       sync.Mutex
	injected []Delivery
	dropped  int
	seq      uint64
	notify   chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryAdapter creates an adapter with a receive backlog of depth packets.
func NewMemoryAdapter(name string, clk clock.Clock, depth int) *MemoryAdapter {
	if clk == nil {
		clk = clock.Real{}
	}
	if depth <= 0 {
		depth = 1024
	}
	return &MemoryAdapter{
		name:   name,
		clk:    clk,
		in:     make(chan *Packet, depth),
		notify: make(chan struct{}, 1),
		failed: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (m *MemoryAdapter) Name() string { return m.name }

// Push queues a captured packet for Receive. The header is filled from Data
// when it has not been set. Push blocks when the backlog is full.
func (m *MemoryAdapter) Push(p *Packet) error {
	if p.token == nil {
		m.mu.Lock()
		m.seq++
		p.token = m.seq
		m.mu.Unlock()
	}
	if p.Header.Adapter == "" {
		p.Header.Adapter = m.name
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = m.clk.Now()
	}
	select {
	case m.in <- p:
		return nil
	case <-m.closed:
		return errors.ErrClosed
	}
}

// PushRaw decodes data and queues it as a packet travelling in dir.
func (m *MemoryAdapter) PushRaw(data []byte, dir rules.Direction) error {
	h, err := DecodeHeader(data, dir)
	if err != nil {
		return err
	}
	return m.Push(&Packet{Header: h, Data: data})
}

// Fail makes every subsequent Receive return err, emulating a dead handle.
func (m *MemoryAdapter) Fail(err error) {
	m.failOnce.Do(func() {
		m.failErr = err
		close(m.failed)
	})
}

func (m *MemoryAdapter) Receive(ctx context.Context) (*Packet, error) {
	select {
	case <-m.failed:
		return nil, m.failErr
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, errors.ErrClosed
	case <-m.failed:
		return nil, m.failErr
	case p := <-m.in:
		return p, nil
	}
}

func (m *MemoryAdapter) Inject(p *Packet) error {
	c := *p
	c.Data = append([]byte(nil), p.Data...)

	m.mu.Lock()
	m.injected = append(m.injected, Delivery{Packet: &c, At: m.clk.Now()})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryAdapter) Drop(p *Packet) error {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Injected returns every delivery so far, in injection order.
func (m *MemoryAdapter) Injected() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.injected...)
}

// Dropped returns the number of packets discarded through Drop.
func (m *MemoryAdapter) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// WaitInjected blocks until at least n packets were injected or timeout elapses.
func (m *MemoryAdapter) WaitInjected(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		got := len(m.injected)
		m.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline:
			return false
		}
	}
}
