// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler holds shaped packets until their release time and hands
// them back for re-injection in (release, sequence) order.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"grimm.is/netshape/internal/arena"
	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// Decision is the outcome of Enqueue for the offered packet.
type Decision int

const (
	// Scheduled: the packet is pending delivery.
	Scheduled Decision = iota
	// Duplicated: the packet and an independent copy are pending.
	Duplicated
	// Dropped: the packet was lost on purpose.
	Dropped
	// Overflow: the packet was discarded by the queue limits.
	Overflow
	// Rejected: the rule is drained or the scheduler stopped. The caller
	// keeps ownership of the packet and its buffer.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Scheduled:
		return "scheduled"
	case Duplicated:
		return "duplicated"
	case Dropped:
		return "dropped"
	case Overflow:
		return "overflow"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Reason says why a pending packet was discarded instead of delivered.
type Reason int

const (
	ReasonLoss Reason = iota
	ReasonOverflow
	ReasonDrain
)

func (r Reason) String() string {
	switch r {
	case ReasonLoss:
		return "loss"
	case ReasonOverflow:
		return "overflow"
	case ReasonDrain:
		return "drain"
	}
	return "unknown"
}

// Pending is one scheduled packet. The scheduler owns Buffer until the
// entry is handed to the Deliverer, which must release it.
type Pending struct {
	Release   time.Time
	Seq       uint64
	Rule      *rules.Rule
	Packet    *capture.Packet
	Buffer    *arena.Buffer
	Duplicate bool
	Enqueued  time.Time
	// Drained is set on entries flushed early by Drain or shutdown.
	Drained bool

	// res holds the entry's bandwidth tokens, due at bwAt. base is the
	// sampled latency added on top of the bandwidth wait.
	res  *rate.Reservation
	bwAt time.Time
	base time.Duration
}

// Delay is the time the packet spent held.
func (p *Pending) Delay() time.Duration {
	return p.Release.Sub(p.Enqueued)
}

// Deliverer receives entries leaving the scheduler. Both methods may be
// called concurrently from the timer loop, Drain and Enqueue.
type Deliverer interface {
	Deliver(p *Pending)
	Discard(p *Pending, reason Reason)
}

// Allocator provides payload storage for duplicated packets.
type Allocator interface {
	Allocate(size int) (*arena.Buffer, error)
}

// Config tunes the scheduler.
type Config struct {
	// Seed makes loss, duplication and jitter reproducible. Zero picks a random seed.
	Seed uint64
	// DefaultMaxQueueDepth applies to rules that set no depth. Zero is unbounded.
	DefaultMaxQueueDepth int
	// Allocator backs duplicate payloads. Nil copies onto the heap.
	Allocator Allocator
}

// RuleStats are per-rule counters. Once a rule has nothing pending,
// Delivered+Dropped == Enqueued+Duplicated.
type RuleStats struct {
	Enqueued   uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Lost       uint64
	Overflow   uint64
	Pending    int
}

type ruleState struct {
	rule     *rules.Rule
	limiter  *rate.Limiter
	last     time.Time
	pending  *btree.BTreeG[*Pending]
	stats    RuleStats
	draining bool
}

func bySeq(a, b *Pending) bool { return a.Seq < b.Seq }

func byRelease(a, b *Pending) bool {
	if a.Release.Equal(b.Release) {
		return a.Seq < b.Seq
	}
	return a.Release.Before(b.Release)
}

// Scheduler is safe for concurrent use. Enqueue is the hot path and only
// takes the structure lock.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	out    Deliverer
	logger *logging.Logger

	// deliverMu serializes hand-off to the Deliverer between the timer
	// loop and Drain, so Drain returns only after every entry of the rule
	// has left.
	deliverMu sync.Mutex

	mu      sync.Mutex
	rnd     *rand.Rand
	seq     uint64
	queue   *btree.BTreeG[*Pending]
	rules   map[rules.ID]*ruleState
	retired map[rules.ID]struct{}
	stopped bool

	wake chan struct{}
}

// New creates a scheduler. Run must be called to start delivering.
func New(cfg Config, clk clock.Clock, out Deliverer, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.WithComponent("scheduler")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Scheduler{
		cfg:     cfg,
		clk:     clk,
		out:     out,
		logger:  logger,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x6e657473686170)),
		queue:   btree.NewG(32, byRelease),
		rules:   make(map[rules.ID]*ruleState),
		retired: make(map[rules.ID]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) stateLocked(rule *rules.Rule) *ruleState {
	st, ok := s.rules[rule.ID]
	if !ok {
		st = &ruleState{pending: btree.NewG(16, bySeq)}
		s.rules[rule.ID] = st
	}
	if st.rule != rule {
		s.configureLocked(st, rule)
	}
	return st
}

// configureLocked applies rule's shaping to st, keeping the bucket
// balance when only the numbers change.
func (s *Scheduler) configureLocked(st *ruleState, rule *rules.Rule) {
	st.rule = rule
	sh := rule.Spec.Shaping
	if sh.BandwidthBytesPerSec <= 0 {
		st.limiter = nil
		return
	}
	limit := rate.Limit(sh.BandwidthBytesPerSec)
	burst := int(sh.Burst())
	if st.limiter == nil {
		st.limiter = rate.NewLimiter(limit, burst)
		return
	}
	now := s.clk.Now()
	st.limiter.SetLimitAt(now, limit)
	st.limiter.SetBurstAt(now, burst)
}

func (s *Scheduler) depth(sh rules.Shaping) int {
	if sh.MaxQueueDepth > 0 {
		return sh.MaxQueueDepth
	}
	return s.cfg.DefaultMaxQueueDepth
}

// reserve takes size tokens at now. A packet larger than the bucket
// deepens it first, so every byte is paid for.
func (st *ruleState) reserve(now time.Time, size int) *rate.Reservation {
	if size > st.limiter.Burst() {
		st.limiter.SetBurstAt(now, size)
	}
	return st.limiter.ReserveN(now, size)
}

// bandwidthDelay reserves size bytes and returns the extra wait. ok is
// false when the wait would exceed the rule's queue delay bound; nothing is
// reserved in that case.
func (st *ruleState) bandwidthDelay(now time.Time, size int) (time.Duration, *rate.Reservation, bool) {
	if st.limiter == nil {
		return 0, nil, true
	}
	r := st.reserve(now, size)
	if !r.OK() {
		return 0, nil, false
	}
	wait := r.DelayFrom(now)
	if bound := st.rule.Spec.Shaping.MaxQueueDelay; bound > 0 && wait > bound {
		r.CancelAt(now)
		return 0, nil, false
	}
	return wait, r, true
}

// releaseAt computes a release time and advances the rule's ordering floor.
// It returns the sampled latency alongside.
func (s *Scheduler) releaseAt(st *ruleState, now time.Time, extra time.Duration) (time.Time, time.Duration) {
	sh := st.rule.Spec.Shaping
	dist := sh.Distribution
	if dist == nil {
		dist = rules.Uniform{}
	}
	base := dist.Sample(s.rnd, sh.Latency, sh.Jitter)
	release := now.Add(extra + base)
	if !sh.Reorder && release.Before(st.last) {
		release = st.last
	}
	if release.After(st.last) {
		st.last = release
	}
	return release, base
}

// book stamps p with its bandwidth reservation and release time.
func (s *Scheduler) book(st *ruleState, p *Pending, now time.Time, wait time.Duration, r *rate.Reservation) {
	p.res = r
	p.bwAt = now.Add(wait)
	p.Release, p.base = s.releaseAt(st, now, wait)
}

// evictLocked removes victim from the rule and hands its bandwidth to the
// entries queued behind it. Reservations not yet due are cancelled newest
// first, which returns their tokens, then taken again in sequence order.
// The caller discards victim.
func (s *Scheduler) evictLocked(st *ruleState, victim *Pending, now time.Time) {
	if st.limiter == nil {
		s.removeLocked(st, victim)
		return
	}
	var booked []*Pending
	st.pending.Ascend(func(p *Pending) bool {
		if p.res != nil && !p.bwAt.Before(now) {
			booked = append(booked, p)
		}
		return true
	})
	rebook := make(map[*Pending]struct{}, len(booked))
	for i := len(booked) - 1; i >= 0; i-- {
		booked[i].res.CancelAt(now)
		booked[i].res = nil
		rebook[booked[i]] = struct{}{}
	}
	s.removeLocked(st, victim)

	reorder := st.rule.Spec.Shaping.Reorder
	var last time.Time
	st.pending.Ascend(func(p *Pending) bool {
		if _, ok := rebook[p]; ok {
			s.queue.Delete(p)
			r := st.reserve(now, len(p.Packet.Data))
			wait := r.DelayFrom(now)
			p.res, p.bwAt = r, now.Add(wait)
			p.Release = now.Add(wait + p.base)
			if !reorder && p.Release.Before(last) {
				p.Release = last
			}
			s.queue.ReplaceOrInsert(p)
		}
		if p.Release.After(last) {
			last = p.Release
		}
		return true
	})
	st.last = last
}

func (s *Scheduler) insertLocked(st *ruleState, p *Pending) bool {
	s.seq++
	p.Seq = s.seq
	s.queue.ReplaceOrInsert(p)
	st.pending.ReplaceOrInsert(p)
	head, _ := s.queue.Min()
	return head == p
}

func (s *Scheduler) removeLocked(st *ruleState, p *Pending) {
	s.queue.Delete(p)
	st.pending.Delete(p)
}

// Enqueue schedules pkt under rule. Unless the decision is Rejected the
// scheduler takes ownership of pkt and buf: every path ends in exactly one
// Deliver or Discard per entry.
func (s *Scheduler) Enqueue(rule *rules.Rule, pkt *capture.Packet, buf *arena.Buffer) Decision {
	var discards []discard
	decision, wakeup := s.enqueue(rule, pkt, buf, &discards)
	for _, d := range discards {
		s.out.Discard(d.p, d.reason)
	}
	if wakeup {
		s.signal()
	}
	return decision
}

type discard struct {
	p      *Pending
	reason Reason
}

func (s *Scheduler) enqueue(rule *rules.Rule, pkt *capture.Packet, buf *arena.Buffer, discards *[]discard) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Rejected, false
	}
	if _, gone := s.retired[rule.ID]; gone {
		return Rejected, false
	}
	st := s.stateLocked(rule)
	if st.draining {
		return Rejected, false
	}

	now := s.clk.Now()
	sh := rule.Spec.Shaping
	p := &Pending{Rule: rule, Packet: pkt, Buffer: buf, Enqueued: now}
	st.stats.Enqueued++

	if sh.Loss > 0 && s.rnd.Float64() < sh.Loss {
		st.stats.Lost++
		st.stats.Dropped++
		p.Release = now
		*discards = append(*discards, discard{p, ReasonLoss})
		return Dropped, false
	}

	wakeup := false
	if limit := s.depth(sh); limit > 0 && st.pending.Len() >= limit {
		if sh.Overflow == rules.OverflowDropNewest {
			st.stats.Overflow++
			st.stats.Dropped++
			p.Release = now
			*discards = append(*discards, discard{p, ReasonOverflow})
			return Overflow, false
		}
		oldest, _ := st.pending.Min()
		s.evictLocked(st, oldest, now)
		st.stats.Overflow++
		st.stats.Dropped++
		*discards = append(*discards, discard{oldest, ReasonOverflow})
		wakeup = true
	}

	extra, res, ok := st.bandwidthDelay(now, len(pkt.Data))
	// Drop-oldest makes room by evicting the rule's oldest entries until the
	// new packet's wait fits the bound.
	for !ok && sh.Overflow == rules.OverflowDropOldest && st.pending.Len() > 0 {
		oldest, _ := st.pending.Min()
		s.evictLocked(st, oldest, now)
		st.stats.Overflow++
		st.stats.Dropped++
		*discards = append(*discards, discard{oldest, ReasonOverflow})
		wakeup = true
		extra, res, ok = st.bandwidthDelay(now, len(pkt.Data))
	}
	if !ok {
		st.stats.Overflow++
		st.stats.Dropped++
		p.Release = now
		*discards = append(*discards, discard{p, ReasonOverflow})
		return Overflow, wakeup
	}
	s.book(st, p, now, extra, res)
	if s.insertLocked(st, p) {
		wakeup = true
	}

	if sh.Duplicate > 0 && s.rnd.Float64() < sh.Duplicate {
		if dup := s.duplicateLocked(st, p, now); dup != nil {
			st.stats.Duplicated++
			if s.insertLocked(st, dup) {
				wakeup = true
			}
			return Duplicated, wakeup
		}
	}
	return Scheduled, wakeup
}

// duplicateLocked builds an independently jittered copy of p. The copy pays
// for its own bandwidth. It returns nil when the rule's queue is full or the
// copy would not fit the queue delay bound.
func (s *Scheduler) duplicateLocked(st *ruleState, p *Pending, now time.Time) *Pending {
	if limit := s.depth(st.rule.Spec.Shaping); limit > 0 && st.pending.Len() >= limit {
		return nil
	}
	extra, res, ok := st.bandwidthDelay(now, len(p.Packet.Data))
	if !ok {
		return nil
	}
	var buf *arena.Buffer
	if s.cfg.Allocator != nil {
		buf, _ = s.cfg.Allocator.Allocate(len(p.Packet.Data))
	}
	var data []byte
	if buf != nil {
		data = buf.Bytes()
		copy(data, p.Packet.Data)
	} else {
		data = append([]byte(nil), p.Packet.Data...)
	}
	dup := &Pending{
		Rule:      p.Rule,
		Packet:    p.Packet.Copy(data),
		Buffer:    buf,
		Duplicate: true,
		Enqueued:  now,
	}
	s.book(st, dup, now, extra, res)
	return dup
}

// Run delivers due packets until ctx is done, then flushes everything
// still pending with the deliver policy.
func (s *Scheduler) Run(ctx context.Context) error {
	var (
		timer  clock.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var batch []*Pending
	for {
		// Wakes raised before this pass are covered by it.
		select {
		case <-s.wake:
		default:
		}
		var next time.Time
		batch, next = s.deliverDue(batch[:0])

		if !next.IsZero() {
			d := next.Sub(s.clk.Now())
			if timer == nil {
				timer = s.clk.NewTimer(d)
				timerC = timer.C()
			} else {
				timer.Reset(d)
			}
		}
		select {
		case <-ctx.Done():
			n := s.shutdown()
			s.logger.Info("scheduler stopped", "flushed", n)
			return nil
		case <-timerC:
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// deliverDue pops every entry whose release time has passed and hands
// them to the Deliverer. It returns the next deadline, zero when idle.
func (s *Scheduler) deliverDue(batch []*Pending) ([]*Pending, time.Time) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	now := s.clk.Now()
	for {
		head, ok := s.queue.Min()
		if !ok || head.Release.After(now) {
			break
		}
		s.queue.DeleteMin()
		if st, ok := s.rules[head.Rule.ID]; ok {
			st.pending.Delete(head)
			st.stats.Delivered++
		}
		batch = append(batch, head)
	}
	var next time.Time
	if head, ok := s.queue.Min(); ok {
		next = head.Release
	}
	s.mu.Unlock()

	for _, p := range batch {
		s.out.Deliver(p)
	}
	return batch, next
}

// Drain flushes every pending packet of rule id according to policy and
// stops accepting new packets for it. It returns once all of them have been
// handed to the Deliverer.
func (s *Scheduler) Drain(id rules.ID, policy rules.DrainPolicy) int {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	st, ok := s.rules[id]
	if !ok {
		st = &ruleState{pending: btree.NewG(16, bySeq)}
		s.rules[id] = st
	}
	st.draining = true
	entries := s.takeLocked(st, policy)
	s.mu.Unlock()

	s.flush(entries, policy)
	s.signal()
	if len(entries) > 0 {
		s.logger.Debug("rule drained", "rule", id, "packets", len(entries), "policy", policy.String())
	}
	return len(entries)
}

func (s *Scheduler) takeLocked(st *ruleState, policy rules.DrainPolicy) []*Pending {
	entries := make([]*Pending, 0, st.pending.Len())
	st.pending.Ascend(func(p *Pending) bool {
		entries = append(entries, p)
		return true
	})
	for _, p := range entries {
		s.queue.Delete(p)
		p.Drained = true
		if policy == rules.DrainDrop {
			st.stats.Dropped++
		} else {
			st.stats.Delivered++
		}
	}
	st.pending.Clear(false)
	return entries
}

func (s *Scheduler) flush(entries []*Pending, policy rules.DrainPolicy) {
	for _, p := range entries {
		if policy == rules.DrainDrop {
			s.out.Discard(p, ReasonDrain)
		} else {
			s.out.Deliver(p)
		}
	}
}

func (s *Scheduler) shutdown() int {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.stopped = true
	var entries []*Pending
	for _, st := range s.rules {
		entries = append(entries, s.takeLocked(st, rules.DrainDeliver)...)
	}
	s.mu.Unlock()

	// Preserve release order across rules.
	ordered := btree.NewG(32, byRelease)
	for _, p := range entries {
		ordered.ReplaceOrInsert(p)
	}
	ordered.Ascend(func(p *Pending) bool {
		s.out.Deliver(p)
		return true
	})
	return len(entries)
}

// Forget drops a drained rule's state. Later packets offered for it are rejected.
func (s *Scheduler) Forget(id rules.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	s.retired[id] = struct{}{}
}

// Len returns the number of pending entries across all rules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// RuleLen returns the number of pending entries for one rule.
func (s *Scheduler) RuleLen(id rules.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.rules[id]; ok {
		return st.pending.Len()
	}
	return 0
}

// Stats returns the counters for one rule. The second result is false for
// rules the scheduler never saw or has forgotten.
func (s *Scheduler) Stats(id rules.ID) (RuleStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rules[id]
	if !ok {
		return RuleStats{}, false
	}
	out := st.stats
	out.Pending = st.pending.Len()
	return out, true
}
