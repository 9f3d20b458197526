// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/arena"
	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/testutil"
)

type collector struct {
	mu        sync.Mutex
	delivered []*Pending
	discarded map[Reason]int
}

func newCollector() *collector {
	return &collector{discarded: make(map[Reason]int)}
}

func (c *collector) Deliver(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, p)
	p.Buffer.Release()
}

func (c *collector) Discard(p *Pending, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded[reason]++
	p.Buffer.Release()
}

func (c *collector) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *collector) discardedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.discarded {
		n += v
	}
	return n
}

func newRule(t *testing.T, id rules.ID, sh rules.Shaping) *rules.Rule {
	t.Helper()
	spec := rules.Spec{Name: "test", Shaping: sh}
	require.NoError(t, spec.Validate())
	return &rules.Rule{ID: id, Spec: spec}
}

func packet(size int) *capture.Packet {
	return &capture.Packet{Data: make([]byte, size)}
}

// flushUntil steps the clock and delivers everything due up to end.
func flushUntil(s *Scheduler, clk *clock.MockClock, end time.Time, step time.Duration) {
	for !clk.Now().After(end) {
		s.deliverDue(nil)
		clk.Advance(step)
	}
	s.deliverDue(nil)
}

func TestFiftyMillisecondLatency(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := clock.NewMockClock(start)
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	rule := newRule(t, 1, rules.Shaping{Latency: 50 * time.Millisecond})
	assert.Equal(t, Scheduled, s.Enqueue(rule, packet(100), nil))

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(49 * time.Millisecond)
	assert.Equal(t, 0, col.deliveredCount())

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return col.deliveredCount() == 1 }, time.Second, time.Millisecond)

	p := col.delivered[0]
	assert.Equal(t, 50*time.Millisecond, p.Delay())
	assert.False(t, p.Drained)

	cancel()
	require.NoError(t, <-done)
}

func TestLossOneDropsEverything(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 7}, clk, col, testutil.Logger())
	rule := newRule(t, 3, rules.Shaping{Latency: time.Millisecond, Loss: 1.0})

	for i := 0; i < 200; i++ {
		assert.Equal(t, Dropped, s.Enqueue(rule, packet(64), nil))
	}
	flushUntil(s, clk, clk.Now().Add(10*time.Millisecond), time.Millisecond)

	assert.Equal(t, 0, col.deliveredCount())
	assert.Equal(t, 200, col.discarded[ReasonLoss])
	st, ok := s.Stats(3)
	require.True(t, ok)
	assert.EqualValues(t, 200, st.Enqueued)
	assert.EqualValues(t, 200, st.Dropped)
	assert.EqualValues(t, 200, st.Lost)
	assert.Equal(t, 0, s.Len())
}

func TestPerRuleOrderPreserved(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 42}, clk, col, testutil.Logger())

	a := newRule(t, 1, rules.Shaping{Latency: 10 * time.Millisecond, Jitter: 20 * time.Millisecond, Distribution: rules.Normal{}})
	b := newRule(t, 2, rules.Shaping{Latency: 5 * time.Millisecond, Jitter: 5 * time.Millisecond})

	for i := 0; i < 500; i++ {
		s.Enqueue(a, packet(100), nil)
		s.Enqueue(b, packet(100), nil)
		clk.Advance(100 * time.Microsecond)
	}
	flushUntil(s, clk, clk.Now().Add(time.Second), time.Millisecond)

	require.Equal(t, 1000, col.deliveredCount())
	last := map[rules.ID]uint64{}
	for _, p := range col.delivered {
		assert.Greater(t, p.Seq, last[p.Rule.ID], "rule %d delivered out of order", p.Rule.ID)
		last[p.Rule.ID] = p.Seq
	}
}

func TestReorderAllowsOvertaking(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 3}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{Latency: 20 * time.Millisecond, Jitter: 20 * time.Millisecond, Reorder: true})

	for i := 0; i < 200; i++ {
		s.Enqueue(rule, packet(10), nil)
	}
	flushUntil(s, clk, clk.Now().Add(100*time.Millisecond), time.Millisecond)

	require.Equal(t, 200, col.deliveredCount())
	inversions := 0
	for i := 1; i < len(col.delivered); i++ {
		if col.delivered[i].Seq < col.delivered[i-1].Seq {
			inversions++
		}
	}
	assert.Greater(t, inversions, 0)
}

// bytesWithin returns the largest byte count released inside any window of
// length w.
func bytesWithin(delivered []*Pending, w time.Duration) int {
	most := 0
	for i, first := range delivered {
		total := 0
		for _, p := range delivered[i:] {
			if p.Release.Sub(first.Release) > w {
				break
			}
			total += len(p.Packet.Data)
		}
		most = max(most, total)
	}
	return most
}

func TestBandwidthWindowBound(t *testing.T) {
	const (
		bytesPerSec = 100_000
		size        = rules.DefaultBurstBytes
	)
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{BandwidthBytesPerSec: bytesPerSec})

	for i := 0; i < 300; i++ {
		require.Equal(t, Scheduled, s.Enqueue(rule, packet(size), nil))
		if i%10 == 0 {
			clk.Advance(time.Millisecond)
		}
	}
	flushUntil(s, clk, clk.Now().Add(5*time.Second), 10*time.Millisecond)
	require.Equal(t, 300, col.deliveredCount())

	for _, w := range []time.Duration{10 * time.Millisecond, 100 * time.Millisecond, time.Second} {
		limit := int(w.Seconds()*bytesPerSec) + size
		assert.LessOrEqual(t, bytesWithin(col.delivered, w), limit, "window %v", w)
	}
}

func TestBandwidthDefaultBurstIsOnePacket(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.NewMockClock(start)
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{BandwidthBytesPerSec: 10_000})

	for i := 0; i < 100; i++ {
		require.Equal(t, Scheduled, s.Enqueue(rule, packet(1000), nil))
	}
	flushUntil(s, clk, start.Add(time.Second), 10*time.Millisecond)

	total := 0
	for _, p := range col.delivered {
		if !p.Release.After(start.Add(time.Second)) {
			total += len(p.Packet.Data)
		}
	}
	assert.Equal(t, 11_000, total)
	assert.LessOrEqual(t, total, 10_000+1000)
}

func TestOversizedPacketPaysFullSize(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.NewMockClock(start)
	s := New(Config{Seed: 1}, clk, newCollector(), testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{BandwidthBytesPerSec: 1000, BurstBytes: 1000})

	require.Equal(t, Scheduled, s.Enqueue(rule, packet(3000), nil))
	require.Equal(t, Scheduled, s.Enqueue(rule, packet(1000), nil))

	var releases []time.Duration
	s.mu.Lock()
	s.queue.Ascend(func(p *Pending) bool {
		releases = append(releases, p.Release.Sub(start))
		return true
	})
	s.mu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, releases)
}

func TestMaxQueueDelayOverflows(t *testing.T) {
	tests := []struct {
		name     string
		policy   rules.OverflowPolicy
		decision Decision
		keepSeq  []uint64
		releases []time.Duration
	}{
		{"drop newest", rules.OverflowDropNewest, Overflow, []uint64{1, 2}, []time.Duration{0, time.Second}},
		// The survivor inherits the evicted packet's bandwidth.
		{"drop oldest", rules.OverflowDropOldest, Scheduled, []uint64{2, 3}, []time.Duration{0, time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Unix(0, 0)
			clk := clock.NewMockClock(start)
			col := newCollector()
			s := New(Config{Seed: 1}, clk, col, testutil.Logger())
			rule := newRule(t, 1, rules.Shaping{
				BandwidthBytesPerSec: 1000,
				BurstBytes:           1000,
				MaxQueueDelay:        time.Second,
				Overflow:             tt.policy,
			})

			// 1000 bytes of burst plus one second of credit.
			assert.Equal(t, Scheduled, s.Enqueue(rule, packet(1000), nil))
			assert.Equal(t, Scheduled, s.Enqueue(rule, packet(1000), nil))
			assert.Equal(t, tt.decision, s.Enqueue(rule, packet(1000), nil))
			assert.Equal(t, 2, s.RuleLen(1))

			st, _ := s.Stats(1)
			assert.EqualValues(t, 1, st.Overflow)
			assert.Equal(t, 1, col.discarded[ReasonOverflow])

			flushUntil(s, clk, start.Add(2*time.Second), 100*time.Millisecond)
			var seqs []uint64
			var releases []time.Duration
			for _, p := range col.delivered {
				seqs = append(seqs, p.Seq)
				releases = append(releases, p.Release.Sub(start))
			}
			assert.Equal(t, tt.keepSeq, seqs)
			assert.Equal(t, tt.releases, releases)
		})
	}
}

func TestDropOldestKeepsQueueFresh(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{
		BandwidthBytesPerSec: 1000,
		BurstBytes:           1000,
		MaxQueueDelay:        time.Second,
	})

	// Offered at ten times the cap, the queue never holds more than the
	// bound's worth of waiting packets.
	for i := 0; i < 100; i++ {
		require.Equal(t, Scheduled, s.Enqueue(rule, packet(100), nil))
		clk.Advance(10 * time.Millisecond)
		s.deliverDue(nil)
		s.mu.Lock()
		s.queue.Ascend(func(p *Pending) bool {
			assert.LessOrEqual(t, p.Release.Sub(clk.Now()), time.Second)
			return true
		})
		s.mu.Unlock()
	}
	flushUntil(s, clk, clk.Now().Add(2*time.Second), 10*time.Millisecond)

	st, _ := s.Stats(1)
	assert.Greater(t, st.Overflow, uint64(0))
	assert.Equal(t, st.Enqueued, st.Delivered+st.Dropped)
	assert.Equal(t, 0, s.Len())
}

func TestQueueDepthPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   rules.OverflowPolicy
		decision Decision
		keepSeq  []uint64
	}{
		{"drop oldest", rules.OverflowDropOldest, Scheduled, []uint64{3, 4, 5}},
		{"drop newest", rules.OverflowDropNewest, Overflow, []uint64{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMockClock(time.Unix(0, 0))
			col := newCollector()
			s := New(Config{Seed: 1}, clk, col, testutil.Logger())
			rule := newRule(t, 1, rules.Shaping{Latency: time.Second, MaxQueueDepth: 3, Overflow: tt.policy})

			for i := 0; i < 3; i++ {
				require.Equal(t, Scheduled, s.Enqueue(rule, packet(10), nil))
			}
			assert.Equal(t, tt.decision, s.Enqueue(rule, packet(10), nil))
			s.Enqueue(rule, packet(10), nil)
			assert.Equal(t, 3, s.RuleLen(1))

			flushUntil(s, clk, clk.Now().Add(2*time.Second), 100*time.Millisecond)
			var got []uint64
			for _, p := range col.delivered {
				got = append(got, p.Seq)
			}
			assert.Equal(t, tt.keepSeq, got)
			assert.Equal(t, 2, col.discarded[ReasonOverflow])
		})
	}
}

func TestDefaultQueueDepth(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(Config{Seed: 1, DefaultMaxQueueDepth: 2}, clk, newCollector(), testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{Latency: time.Second})
	for i := 0; i < 5; i++ {
		s.Enqueue(rule, packet(10), nil)
	}
	assert.Equal(t, 2, s.RuleLen(1))
}

func TestConservation(t *testing.T) {
	a, err := arena.New(arena.Config{BlockSize: 64 << 10, Ceiling: 128 << 10}, testutil.Logger())
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 99, Allocator: a}, clk, col, testutil.Logger())
	rule := newRule(t, 5, rules.Shaping{
		Latency:              20 * time.Millisecond,
		Jitter:               10 * time.Millisecond,
		Loss:                 0.2,
		Duplicate:            0.3,
		BandwidthBytesPerSec: 200_000,
		MaxQueueDepth:        40,
		MaxQueueDelay:        200 * time.Millisecond,
	})

	for i := 0; i < 1000; i++ {
		buf, _ := a.Allocate(256)
		s.Enqueue(rule, &capture.Packet{Data: buf.Bytes()}, buf)
		if i%4 == 0 {
			clk.Advance(time.Millisecond)
			s.deliverDue(nil)
		}
	}
	// Half delivered on time, the rest drained.
	flushUntil(s, clk, clk.Now().Add(50*time.Millisecond), time.Millisecond)
	s.Drain(5, rules.DrainDeliver)

	st, ok := s.Stats(5)
	require.True(t, ok)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, st.Enqueued+st.Duplicated, st.Delivered+st.Dropped)
	assert.EqualValues(t, 1000, st.Enqueued)
	assert.Greater(t, st.Duplicated, uint64(0))
	assert.Greater(t, st.Lost, uint64(0))
	assert.EqualValues(t, col.deliveredCount(), st.Delivered)
	assert.EqualValues(t, col.discardedCount(), st.Dropped)

	as := a.Stats()
	assert.EqualValues(t, 0, as.LiveRefs[0]+as.LiveRefs[1], "every buffer released")
}

func TestDuplicatesAreIndependentCopies(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 5}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{Latency: time.Millisecond, Duplicate: 1.0})

	pkt := &capture.Packet{Data: []byte{1, 2, 3}}
	assert.Equal(t, Duplicated, s.Enqueue(rule, pkt, nil))
	flushUntil(s, clk, clk.Now().Add(5*time.Millisecond), time.Millisecond)

	require.Equal(t, 2, col.deliveredCount())
	orig, dup := col.delivered[0], col.delivered[1]
	assert.False(t, orig.Duplicate)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, pkt.Data, dup.Packet.Data)
	dup.Packet.Data[0] = 9
	assert.Equal(t, byte(1), pkt.Data[0])
}

func TestDuplicateRespectsQueueDepth(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(Config{Seed: 5}, clk, newCollector(), testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{Latency: time.Second, Duplicate: 1.0, MaxQueueDepth: 3})

	assert.Equal(t, Duplicated, s.Enqueue(rule, packet(10), nil))
	assert.Equal(t, Scheduled, s.Enqueue(rule, packet(10), nil), "no room for the copy")
	assert.Equal(t, 3, s.RuleLen(1))
	for i := 0; i < 5; i++ {
		s.Enqueue(rule, packet(10), nil)
		assert.LessOrEqual(t, s.RuleLen(1), 3)
	}
}

func TestDuplicatePaysForBandwidth(t *testing.T) {
	start := time.Unix(0, 0)
	clk := clock.NewMockClock(start)
	col := newCollector()
	s := New(Config{Seed: 5}, clk, col, testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{BandwidthBytesPerSec: 1000, BurstBytes: 1000, Duplicate: 1.0})

	assert.Equal(t, Duplicated, s.Enqueue(rule, packet(1000), nil))
	flushUntil(s, clk, start.Add(2*time.Second), 100*time.Millisecond)

	require.Equal(t, 2, col.deliveredCount())
	assert.Equal(t, start, col.delivered[0].Release)
	assert.True(t, col.delivered[1].Duplicate)
	assert.Equal(t, start.Add(time.Second), col.delivered[1].Release)
}

func TestDrainDeliversBeforeReturn(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	rule := newRule(t, 9, rules.Shaping{Latency: time.Minute})
	for i := 0; i < 5; i++ {
		require.Equal(t, Scheduled, s.Enqueue(rule, packet(64), nil))
	}

	assert.Equal(t, 5, s.Drain(9, rules.DrainDeliver))
	assert.Equal(t, 5, col.deliveredCount())
	for _, p := range col.delivered {
		assert.True(t, p.Drained)
	}
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Rejected, s.Enqueue(rule, packet(64), nil))

	s.Forget(9)
	_, ok := s.Stats(9)
	assert.False(t, ok)
	assert.Equal(t, Rejected, s.Enqueue(rule, packet(64), nil))
}

func TestDrainDropPolicy(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())
	rule := newRule(t, 2, rules.Shaping{Latency: time.Minute, Drain: rules.DrainDrop})
	for i := 0; i < 4; i++ {
		s.Enqueue(rule, packet(64), nil)
	}

	assert.Equal(t, 4, s.Drain(2, rules.DrainDrop))
	assert.Equal(t, 0, col.deliveredCount())
	assert.Equal(t, 4, col.discarded[ReasonDrain])
	st, _ := s.Stats(2)
	assert.Equal(t, st.Enqueued, st.Dropped)
}

func TestShutdownFlushesPending(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	col := newCollector()
	s := New(Config{Seed: 1}, clk, col, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	short := newRule(t, 1, rules.Shaping{Latency: time.Second})
	long := newRule(t, 2, rules.Shaping{Latency: time.Hour})
	s.Enqueue(long, packet(10), nil)
	s.Enqueue(short, packet(10), nil)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 2, col.deliveredCount())
	assert.Equal(t, rules.ID(1), col.delivered[0].Rule.ID, "flush keeps release order")
	assert.Equal(t, Rejected, s.Enqueue(short, packet(10), nil))
}

func TestRuleUpdateKeepsQueue(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	s := New(Config{Seed: 1}, clk, newCollector(), testutil.Logger())
	rule := newRule(t, 1, rules.Shaping{Latency: time.Second, BandwidthBytesPerSec: 1000})
	s.Enqueue(rule, packet(10), nil)

	updated := rule.Clone()
	updated.Spec.Shaping.BandwidthBytesPerSec = 0
	s.Enqueue(updated, packet(10), nil)
	assert.Equal(t, 2, s.RuleLen(1))
}
