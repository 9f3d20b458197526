// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry holds the active shaping rules and the QoS flow bound to
// each one. Readers take lock-free snapshots; writers serialize on a mutex
// held only for the structural change.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/rules"
)

// Snapshot is an immutable, insertion-ordered list of matchable rules.
type Snapshot []*rules.Rule

type lookupKey struct {
	dir     rules.Direction
	adapter string
}

// view is published atomically. Nothing reachable from it is mutated after publication.
type view struct {
	all   Snapshot
	index map[lookupKey]Snapshot
}

type entry struct {
	rule    *rules.Rule
	handle  qos.Handle
	hasFlow bool
}

// Registry is safe for concurrent use.
type Registry struct {
	ctrl   qos.Controller
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	nextID  rules.ID
	entries map[rules.ID]*entry
	order   []rules.ID
	flows   map[qos.FlowKey]rules.ID

	current atomic.Pointer[view]
}

// New creates an empty registry. ctrl may be nil, in which case no flows are opened.
func New(ctrl qos.Controller, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.WithComponent("registry")
	}
	r := &Registry{
		ctrl:    ctrl,
		logger:  logger,
		now:     time.Now,
		nextID:  1,
		entries: make(map[rules.ID]*entry),
		flows:   make(map[qos.FlowKey]rules.ID),
	}
	r.current.Store(&view{index: map[lookupKey]Snapshot{}})
	return r
}

func flowKey(id rules.ID, spec rules.Spec) qos.FlowKey {
	return qos.FlowKey{Adapter: spec.Adapter, Direction: spec.Direction, Rule: id}
}

// Add validates spec and admits it as a new rule. When the OS rejects the
// flow the rule is still admitted, degraded to passthrough.
func (r *Registry) Add(spec rules.Spec) (*rules.Rule, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	rule := &rules.Rule{ID: id, Spec: spec, State: rules.StateActive, Created: r.now()}
	e := &entry{rule: rule}

	if err := r.openLocked(e); err != nil {
		return nil, err
	}

	r.nextID++
	r.entries[id] = e
	r.order = append(r.order, id)
	r.publishLocked()

	r.logger.Info("rule added", "rule", id, "name", spec.Name, "adapter", spec.Adapter,
		"direction", spec.Direction.String(), "degraded", rule.Degraded)
	return rule, nil
}

// openLocked binds a flow to e.rule. OS failures degrade the rule; a flow
// conflict is returned to the caller.
func (r *Registry) openLocked(e *entry) error {
	if r.ctrl == nil {
		return nil
	}
	key := flowKey(e.rule.ID, e.rule.Spec)
	if owner, ok := r.flows[key]; ok {
		return errors.Attr(errors.Errorf(errors.KindConflict, "flow %s already bound", key), "rule", owner)
	}
	h, err := r.ctrl.Open(key, e.rule.Spec.Shaping)
	if err != nil {
		if errors.GetKind(err) == errors.KindConflict {
			return err
		}
		e.rule.Degraded = true
		e.rule.DegradedReason = err.Error()
		r.logger.WithError(err).Warn(rules.StatusFlowRejected, "rule", e.rule.ID, "flow", key.String())
		return nil
	}
	e.handle = h
	e.hasFlow = true
	r.flows[key] = e.rule.ID
	return nil
}

// closeLocked releases e's flow. It is safe to call more than once; the
// controller sees at most one Close per handle.
func (r *Registry) closeLocked(e *entry) error {
	if !e.hasFlow {
		return nil
	}
	e.hasFlow = false
	delete(r.flows, e.handle.Key)
	if err := r.ctrl.Close(e.handle); err != nil {
		r.logger.WithError(err).Warn("flow close failed", "rule", e.rule.ID, "flow", e.handle.Key.String())
		return errors.Wrap(err, errors.KindOSAPI, "close flow")
	}
	return nil
}

// Update replaces a rule's spec and re-negotiates its flow. A failed
// re-negotiation releases the old flow and leaves the rule degraded.
func (r *Registry) Update(id rules.ID, spec rules.Spec) (*rules.Rule, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.activeLocked(id)
	if err != nil {
		return nil, err
	}

	next := e.rule.Clone()
	next.Spec = spec
	next.Degraded = false
	next.DegradedReason = ""

	rebind := !e.hasFlow || flowKey(id, spec) != e.handle.Key
	if rebind {
		r.closeLocked(e)
		e.rule = next
		if err := r.openLocked(e); err != nil {
			next.Degraded = true
			next.DegradedReason = err.Error()
			r.publishLocked()
			return nil, err
		}
	} else if err := r.ctrl.Modify(e.handle, spec.Shaping); err != nil {
		r.closeLocked(e)
		next.Degraded = true
		next.DegradedReason = rules.ReasonRenegotiateFailed
		e.rule = next
		r.logger.WithError(err).Warn("flow re-negotiation failed, shaping disabled", "rule", id)
	} else {
		e.rule = next
	}

	r.publishLocked()
	r.logger.Info("rule updated", "rule", id, "degraded", e.rule.Degraded)
	return e.rule, nil
}

func (r *Registry) activeLocked(id rules.ID) (*entry, error) {
	e, ok := r.entries[id]
	if !ok || e.rule.State == rules.StateRemoved {
		return nil, errors.Attr(errors.Errorf(errors.KindNotFound, "rule %d not found", id), "rule", id)
	}
	if e.rule.State != rules.StateActive {
		return nil, errors.Attr(errors.Errorf(errors.KindConflict, "rule %d is %s", id, e.rule.State), "rule", id)
	}
	return e, nil
}

// BeginDrain moves a rule from Active to Draining. From the next snapshot on
// the classifier no longer selects it.
func (r *Registry) BeginDrain(id rules.ID) (*rules.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.activeLocked(id)
	if err != nil {
		return nil, err
	}
	next := e.rule.Clone()
	next.State = rules.StateDraining
	e.rule = next
	r.publishLocked()
	return next, nil
}

// Finish moves a Draining rule to Removed and releases its flow exactly once.
// The rule stays listed for history. A close failure is returned but the
// transition still happens.
func (r *Registry) Finish(id rules.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.rule.State == rules.StateRemoved {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "rule %d not found", id), "rule", id)
	}
	if e.rule.State != rules.StateDraining {
		return errors.Attr(errors.Errorf(errors.KindConflict, "rule %d is not draining", id), "rule", id)
	}

	err := r.closeLocked(e)
	next := e.rule.Clone()
	next.State = rules.StateRemoved
	e.rule = next
	r.publishLocked()
	r.logger.Info("rule removed", "rule", id)
	return err
}

// Snapshot returns every matchable rule in insertion order.
func (r *Registry) Snapshot() Snapshot {
	return r.current.Load().all
}

// Lookup returns the matchable rules that apply to traffic in dir on adapter.
// Rules with AnyDirection or no adapter apply everywhere.
func (r *Registry) Lookup(dir rules.Direction, adapter string) Snapshot {
	v := r.current.Load()
	if s, ok := v.index[lookupKey{dir, adapter}]; ok {
		return s
	}
	return v.index[lookupKey{dir, ""}]
}

// Get returns the current version of a rule, including removed ones.
func (r *Registry) Get(id rules.ID) (*rules.Rule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.rule, true
}

// List returns every rule ever admitted, in insertion order.
func (r *Registry) List() []*rules.Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rules.Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].rule)
	}
	return out
}

// Degraded returns the number of active rules running without a flow.
func (r *Registry) Degraded() int {
	n := 0
	for _, rule := range r.Snapshot() {
		if rule.Degraded {
			n++
		}
	}
	return n
}

func (r *Registry) publishLocked() {
	v := &view{index: make(map[lookupKey]Snapshot)}
	adapters := map[string]struct{}{"": {}}
	for _, id := range r.order {
		rule := r.entries[id].rule
		if !rule.Matchable() {
			continue
		}
		v.all = append(v.all, rule)
		adapters[rule.Spec.Adapter] = struct{}{}
	}
	for adapter := range adapters {
		for _, dir := range []rules.Direction{rules.AnyDirection, rules.Inbound, rules.Outbound} {
			var s Snapshot
			for _, rule := range v.all {
				if rule.Spec.Adapter != "" && rule.Spec.Adapter != adapter {
					continue
				}
				if rule.Spec.Direction != rules.AnyDirection && dir != rules.AnyDirection && rule.Spec.Direction != dir {
					continue
				}
				s = append(s, rule)
			}
			v.index[lookupKey{dir, adapter}] = s
		}
	}
	r.current.Store(v)
}
