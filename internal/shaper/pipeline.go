// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shaper

import (
	"context"
	"io"
	"time"

	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/scheduler"
)

// Outcome labels used for the packet counters beyond the recorder outcomes.
const (
	outcomeUnshaped     = "unshaped"
	outcomeInjectFailed = "inject_failed"
)

// captureLoop runs until ctx is done or the adapter ends. Any other receive
// error is recorded as a fault and stops this adapter only.
func (e *Engine) captureLoop(ctx context.Context, a capture.Adapter) {
	name := a.Name()
	for {
		pkt, err := a.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				e.logger.Info("capture source exhausted", "adapter", name)
			case errors.Is(err, errors.ErrClosed) && e.stopping():
			default:
				e.fault(name, err)
			}
			return
		}
		e.handle(a, pkt)
	}
}

func (e *Engine) stopping() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// handle classifies one packet and passes it through or hands it to the scheduler.
func (e *Engine) handle(a capture.Adapter, pkt *capture.Packet) {
	h := &pkt.Header
	if h.Adapter == "" {
		h.Adapter = a.Name()
	}
	if e.resolver != nil {
		e.resolver.Resolve(h)
	}

	verdict, rule := engine.Evaluate(*h, e.registry.Lookup(h.Direction, h.Adapter))
	switch verdict {
	case engine.VerdictPassthrough:
		e.passthrough(a, pkt, nil)
	case engine.VerdictUnshaped:
		e.passthrough(a, pkt, rule)
	default:
		e.shape(a, pkt, rule)
	}
}

// passthrough re-injects pkt unchanged. rule is the degraded rule that
// matched, or nil when nothing did.
func (e *Engine) passthrough(a capture.Adapter, pkt *capture.Packet, rule *rules.Rule) {
	var id rules.ID
	if rule != nil {
		id = rule.ID
	}
	if err := a.Inject(pkt); err != nil {
		e.injectFailed(id, pkt, err)
		return
	}
	if rule != nil {
		e.ruleCounters(id).passthrough.Add(1)
		e.metrics.Packet(id, outcomeUnshaped)
	}
	if rule != nil || e.cfg.LogPassthrough {
		e.record(id, pkt, recorder.Observed, 0, 0)
	}
}

// shape copies the payload into the arena and enqueues it. When the rule
// is no longer accepting packets the packet passes through instead.
func (e *Engine) shape(a capture.Adapter, pkt *capture.Packet, rule *rules.Rule) {
	// A heap fallback still yields a usable buffer; the arena counts it.
	buf, _ := e.arena.Allocate(len(pkt.Data))
	copy(buf.Bytes(), pkt.Data)
	pkt.Data = buf.Bytes()
	if rule.Shaped() {
		pkt.Mark = qos.CalculateFWMark(rule.ID)
	}

	if e.sched.Enqueue(rule, pkt, buf) == scheduler.Rejected {
		pkt.Mark = 0
		e.passthrough(a, pkt, nil)
		buf.Release()
	}
}

func (e *Engine) injectFailed(id rules.ID, pkt *capture.Packet, err error) {
	e.metrics.Packet(id, outcomeInjectFailed)
	e.logger.WithError(err).Debug("inject failed", "rule", id, "adapter", pkt.Header.Adapter)
}

func (e *Engine) record(id rules.ID, pkt *capture.Packet, outcome recorder.Outcome, delay time.Duration, seq uint64) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(recorder.Entry{
		Timestamp: e.clk.Now(),
		Rule:      id,
		Direction: pkt.Header.Direction,
		Length:    uint32(len(pkt.Data)),
		Outcome:   outcome,
		Delay:     delay,
		Seq:       seq,
		Payload:   pkt.Data,
	})
}

// deliverer receives packets leaving the scheduler.
type deliverer struct{ e *Engine }

func (d deliverer) Deliver(p *scheduler.Pending) {
	e := d.e
	defer p.Buffer.Release()

	id := p.Rule.ID
	a := e.adapter(p.Packet.Header.Adapter)
	if a == nil {
		e.injectFailed(id, p.Packet, errors.New(errors.KindNotFound, "no adapter"))
		return
	}
	if err := a.Inject(p.Packet); err != nil {
		e.injectFailed(id, p.Packet, err)
		return
	}

	delay := p.Delay()
	if p.Drained {
		delay = e.clk.Now().Sub(p.Enqueued)
	}
	outcome := recorder.Delivered
	switch {
	case p.Duplicate:
		outcome = recorder.Duplicated
	case delay > 0:
		outcome = recorder.Delayed
	}
	e.ruleCounters(id).deliveredBytes.Add(uint64(len(p.Packet.Data)))
	e.metrics.Packet(id, outcome.String())
	e.record(id, p.Packet, outcome, delay, p.Seq)
}

func (d deliverer) Discard(p *scheduler.Pending, reason scheduler.Reason) {
	e := d.e
	defer p.Buffer.Release()

	if p.Packet.Original() {
		if a := e.adapter(p.Packet.Header.Adapter); a != nil {
			if err := a.Drop(p.Packet); err != nil {
				e.logger.WithError(err).Debug("drop failed", "rule", p.Rule.ID)
			}
		}
	}

	outcome := recorder.Dropped
	if reason == scheduler.ReasonOverflow {
		outcome = recorder.Overflow
	}
	e.metrics.Packet(p.Rule.ID, outcome.String())
	e.record(p.Rule.ID, p.Packet, outcome, 0, p.Seq)
}
