// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/testutil"
)

func outbound(name string) rules.Spec {
	return rules.Spec{Name: name, Adapter: "eth0", Direction: rules.Outbound}
}

func TestAddAssignsIDsAndOpensFlow(t *testing.T) {
	ctrl := qos.NewMemoryController()
	r := New(ctrl, testutil.Logger())

	a, err := r.Add(outbound("a"))
	require.NoError(t, err)
	b, err := r.Add(outbound("b"))
	require.NoError(t, err)

	assert.Equal(t, rules.ID(1), a.ID)
	assert.Equal(t, rules.ID(2), b.ID)
	assert.True(t, ctrl.IsOpen(qos.FlowKey{Adapter: "eth0", Direction: rules.Outbound, Rule: 1}))
	assert.Equal(t, 2, ctrl.Opens())

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Spec.Name, "insertion order")
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	r := New(qos.NewMemoryController(), testutil.Logger())
	spec := outbound("bad")
	spec.Shaping.Loss = 2

	_, err := r.Add(spec)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
	assert.Empty(t, r.List())
}

func TestAddDegradesOnOSFailure(t *testing.T) {
	ctrl := qos.NewMemoryController()
	ctrl.FailOpen = func(qos.FlowKey) error { return fmt.Errorf("access denied") }
	r := New(ctrl, testutil.Logger())

	rule, err := r.Add(outbound("x"))
	require.NoError(t, err)
	assert.True(t, rule.Degraded)
	assert.Equal(t, rules.StatusFlowRejected, rule.Status())
	assert.Len(t, r.Snapshot(), 1, "degraded rules still match")
	assert.Equal(t, 1, r.Degraded())
}

func TestAddRejectsDuplicateFlow(t *testing.T) {
	ctrl := qos.NewMemoryController()
	r := New(ctrl, testutil.Logger())

	_, err := r.Add(outbound("x"))
	require.NoError(t, err)

	// Force a controller-side conflict by pre-opening the next key.
	_, err = ctrl.Open(qos.FlowKey{Adapter: "eth0", Direction: rules.Outbound, Rule: 2}, rules.Shaping{})
	require.NoError(t, err)

	_, err = r.Add(outbound("y"))
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	assert.Len(t, r.List(), 1)
}

func TestLifecycleClosesFlowOnce(t *testing.T) {
	ctrl := qos.NewMemoryController()
	r := New(ctrl, testutil.Logger())

	rule, err := r.Add(outbound("x"))
	require.NoError(t, err)
	key := qos.FlowKey{Adapter: "eth0", Direction: rules.Outbound, Rule: rule.ID}

	draining, err := r.BeginDrain(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rules.StateDraining, draining.State)
	assert.Empty(t, r.Snapshot(), "draining rules are not matchable")
	assert.Equal(t, rules.StateActive, rule.State, "published rule is never mutated")

	_, err = r.BeginDrain(rule.ID)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	require.NoError(t, r.Finish(rule.ID))
	assert.Equal(t, 1, ctrl.Closes(key))

	assert.Equal(t, errors.KindNotFound, errors.GetKind(r.Finish(rule.ID)))
	assert.Equal(t, 1, ctrl.Closes(key))

	got, ok := r.Get(rule.ID)
	require.True(t, ok)
	assert.Equal(t, rules.StateRemoved, got.State)
	assert.Len(t, r.List(), 1, "removed rules stay listed")
}

func TestUpdateRenegotiates(t *testing.T) {
	ctrl := qos.NewMemoryController()
	r := New(ctrl, testutil.Logger())

	rule, err := r.Add(outbound("x"))
	require.NoError(t, err)
	key := qos.FlowKey{Adapter: "eth0", Direction: rules.Outbound, Rule: rule.ID}

	spec := outbound("x")
	spec.Shaping.BandwidthBytesPerSec = 5000
	updated, err := r.Update(rule.ID, spec)
	require.NoError(t, err)
	assert.False(t, updated.Degraded)
	s, _ := ctrl.Shaping(key)
	assert.EqualValues(t, 5000, s.BandwidthBytesPerSec)

	ctrl.FailModify = func(qos.Handle) error { return fmt.Errorf("rejected") }
	spec.Shaping.BandwidthBytesPerSec = 9000
	updated, err = r.Update(rule.ID, spec)
	require.NoError(t, err)
	assert.True(t, updated.Degraded)
	assert.Equal(t, rules.ReasonRenegotiateFailed, updated.DegradedReason)
	assert.Equal(t, 1, ctrl.Closes(key))
	assert.False(t, ctrl.IsOpen(key))

	// Removing a rule whose flow was already released must not close it again.
	_, err = r.BeginDrain(rule.ID)
	require.NoError(t, err)
	require.NoError(t, r.Finish(rule.ID))
	assert.Equal(t, 1, ctrl.Closes(key))
}

func TestUpdateRebindsOnAdapterChange(t *testing.T) {
	ctrl := qos.NewMemoryController()
	r := New(ctrl, testutil.Logger())

	rule, err := r.Add(outbound("x"))
	require.NoError(t, err)

	spec := outbound("x")
	spec.Adapter = "eth1"
	_, err = r.Update(rule.ID, spec)
	require.NoError(t, err)

	assert.False(t, ctrl.IsOpen(qos.FlowKey{Adapter: "eth0", Direction: rules.Outbound, Rule: rule.ID}))
	assert.True(t, ctrl.IsOpen(qos.FlowKey{Adapter: "eth1", Direction: rules.Outbound, Rule: rule.ID}))
}

func TestUpdateUnknownRule(t *testing.T) {
	r := New(qos.NewMemoryController(), testutil.Logger())
	_, err := r.Update(42, outbound("x"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestLookupFiltersByDirectionAndAdapter(t *testing.T) {
	r := New(nil, testutil.Logger())

	specs := []rules.Spec{
		{Name: "eth0-out", Adapter: "eth0", Direction: rules.Outbound},
		{Name: "eth0-in", Adapter: "eth0", Direction: rules.Inbound},
		{Name: "any-any"},
		{Name: "eth1-any", Adapter: "eth1"},
	}
	for _, s := range specs {
		_, err := r.Add(s)
		require.NoError(t, err)
	}

	names := func(s Snapshot) []string {
		var out []string
		for _, rule := range s {
			out = append(out, rule.Spec.Name)
		}
		return out
	}

	assert.Equal(t, []string{"eth0-out", "any-any"}, names(r.Lookup(rules.Outbound, "eth0")))
	assert.Equal(t, []string{"eth0-in", "any-any"}, names(r.Lookup(rules.Inbound, "eth0")))
	assert.Equal(t, []string{"any-any", "eth1-any"}, names(r.Lookup(rules.Inbound, "eth1")))
	assert.Equal(t, []string{"any-any"}, names(r.Lookup(rules.Outbound, "wlan0")))
}

func TestConcurrentReadersDuringMutation(t *testing.T) {
	r := New(qos.NewMemoryController(), testutil.Logger())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, rule := range r.Lookup(rules.Outbound, "eth0") {
					if !rule.Matchable() {
						t.Error("snapshot exposed a non-active rule")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		rule, err := r.Add(outbound(fmt.Sprintf("r%d", i)))
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = r.BeginDrain(rule.ID)
			require.NoError(t, err)
			require.NoError(t, r.Finish(rule.ID))
		}
	}
	close(stop)
	wg.Wait()
	assert.Len(t, r.Snapshot(), 100)
}
