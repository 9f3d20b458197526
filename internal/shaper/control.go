// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shaper

import (
	"time"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/metrics"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/scheduler"
)

// RuleInfo describes a rule for listing.
type RuleInfo struct {
	ID      rules.ID
	Spec    rules.Spec
	State   rules.State
	Status  string
	Created time.Time
}

// Stats are the counters for one rule.
type Stats struct {
	Enqueued   uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Lost       uint64
	Overflow   uint64
	// Passthrough counts packets re-injected unshaped while the rule was degraded.
	Passthrough    uint64
	DeliveredBytes uint64
	Pending        int
	Degraded       bool
	Status         string
}

// AddRule admits a new rule. It becomes visible to classification before
// AddRule returns.
func (e *Engine) AddRule(spec rules.Spec) (rules.ID, error) {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	rule, err := e.registry.Add(spec)
	if err != nil {
		return 0, err
	}
	e.ruleCounters(rule.ID)
	e.remember(rule.ID)
	return rule.ID, nil
}

// UpdateRule replaces a rule's spec. Pending packets keep their release times.
func (e *Engine) UpdateRule(id rules.ID, spec rules.Spec) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	_, err := e.registry.Update(id, spec)
	switch errors.GetKind(err) {
	case errors.KindConfig, errors.KindNotFound:
		return err
	}
	// A failed re-negotiation still changed the rule: it is now degraded.
	e.remember(id)
	return err
}

// RemoveRule stops classification to the rule, drains its pending packets
// per its drain policy, then releases its flow. Every pending packet has
// been delivered or dropped when RemoveRule returns.
func (e *Engine) RemoveRule(id rules.ID) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	rule, err := e.registry.BeginDrain(id)
	if err != nil {
		return err
	}
	n := e.sched.Drain(id, rule.Spec.Shaping.Drain)

	if err := e.registry.Finish(id); err != nil {
		// The rule is removed either way; the registry logged the failure.
		e.logger.WithError(err).Debug("flow release reported an error", "rule", id)
	}

	final, _ := e.sched.Stats(id)
	e.sched.Forget(id)
	e.cmu.Lock()
	e.final[id] = final
	e.cmu.Unlock()
	e.metrics.ForgetRule(id)

	if e.history != nil {
		if err := e.history.MarkRemoved(e.session, id, e.clk.Now()); err != nil {
			e.logger.WithError(err).Warn("rule history update failed", "rule", id)
		}
	}
	e.logger.Info("rule drained", "rule", id, "pending", n, "policy", rule.Spec.Shaping.Drain.String())
	return nil
}

// remember writes the current version of a rule to the history store.
func (e *Engine) remember(id rules.ID) {
	if e.history == nil {
		return
	}
	rule, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if err := e.history.RecordRule(e.session, rule); err != nil {
		e.logger.WithError(err).Warn("rule history update failed", "rule", id)
	}
}

// ListRules returns every rule, removed ones included, in insertion order.
func (e *Engine) ListRules() []RuleInfo {
	all := e.registry.List()
	out := make([]RuleInfo, 0, len(all))
	for _, r := range all {
		out = append(out, RuleInfo{
			ID:      r.ID,
			Spec:    r.Spec,
			State:   r.State,
			Status:  r.Status(),
			Created: r.Created,
		})
	}
	return out
}

// GetStats returns the counters for a rule, including removed rules.
func (e *Engine) GetStats(id rules.ID) (Stats, error) {
	rule, ok := e.registry.Get(id)
	if !ok {
		return Stats{}, errors.Attr(errors.Errorf(errors.KindNotFound, "rule %d not found", id), "rule", id)
	}

	ss, live := e.sched.Stats(id)
	if !live {
		e.cmu.RLock()
		ss = e.final[id]
		e.cmu.RUnlock()
	}
	st := statsFrom(ss)
	c := e.ruleCounters(id)
	st.Passthrough = c.passthrough.Load()
	st.DeliveredBytes = c.deliveredBytes.Load()
	st.Degraded = rule.Degraded
	st.Status = rule.Status()
	return st, nil
}

func statsFrom(ss scheduler.RuleStats) Stats {
	return Stats{
		Enqueued:   ss.Enqueued,
		Delivered:  ss.Delivered,
		Dropped:    ss.Dropped,
		Duplicated: ss.Duplicated,
		Lost:       ss.Lost,
		Overflow:   ss.Overflow,
		Pending:    ss.Pending,
	}
}

// MetricsSnapshot implements metrics.Source.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	ast := e.arena.Stats()
	snap := metrics.Snapshot{
		Pending:            e.sched.Len(),
		DegradedRules:      e.registry.Degraded(),
		ArenaHeapFallbacks: ast.HeapFallbacks,
		ArenaReclaims:      ast.Reclaims,
	}
	if e.recorder != nil {
		rst := e.recorder.Stats()
		snap.RecorderDropped = rst.Dropped
		snap.RecorderWriteFailures = rst.WriteFailures
	}
	for _, r := range e.registry.Snapshot() {
		ss, _ := e.sched.Stats(r.ID)
		snap.Rules = append(snap.Rules, metrics.RuleSample{
			Rule:           r.ID,
			Delivered:      ss.Delivered,
			DeliveredBytes: e.ruleCounters(r.ID).deliveredBytes.Load(),
		})
	}
	return snap
}
