// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import (
	"sync"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

// MemoryController tracks flows in memory. Failures can be injected per
// operation to exercise degraded paths.
type MemoryController struct {
	mu     sync.Mutex
	flows  map[FlowKey]rules.Shaping
	opens  int
	closes map[FlowKey]int

	FailOpen   func(FlowKey) error
	FailModify func(Handle) error
}

// NewMemoryController returns an empty controller.
func NewMemoryController() *MemoryController {
	return &MemoryController{
		flows:  make(map[FlowKey]rules.Shaping),
		closes: make(map[FlowKey]int),
	}
}

func (m *MemoryController) Open(key FlowKey, s rules.Shaping) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOpen != nil {
		if err := m.FailOpen(key); err != nil {
			return Handle{}, errors.Wrap(err, errors.KindOSAPI, "open flow")
		}
	}
	if _, ok := m.flows[key]; ok {
		return Handle{}, errors.Errorf(errors.KindConflict, "flow %s already open", key)
	}
	m.flows[key] = s
	m.opens++
	return Handle{Key: key, Mark: CalculateFWMark(key.Rule), Minor: ClassMinor(key.Rule)}, nil
}

func (m *MemoryController) Modify(h Handle, s rules.Shaping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flows[h.Key]; !ok {
		return errors.Errorf(errors.KindNotFound, "flow %s not open", h.Key)
	}
	if m.FailModify != nil {
		if err := m.FailModify(h); err != nil {
			return errors.Wrap(err, errors.KindOSAPI, "modify flow")
		}
	}
	m.flows[h.Key] = s
	return nil
}

func (m *MemoryController) Close(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closes[h.Key]++
	if _, ok := m.flows[h.Key]; !ok {
		return errors.Errorf(errors.KindNotFound, "flow %s not open", h.Key)
	}
	delete(m.flows, h.Key)
	return nil
}

// IsOpen reports whether a flow is registered for key.
func (m *MemoryController) IsOpen(key FlowKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flows[key]
	return ok
}

// Shaping returns the parameters last negotiated for key.
func (m *MemoryController) Shaping(key FlowKey) (rules.Shaping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.flows[key]
	return s, ok
}

// Opens returns the number of successful opens.
func (m *MemoryController) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns how many times Close was called for key.
func (m *MemoryController) Closes(key FlowKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[key]
}
