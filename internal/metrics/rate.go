// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"time"

	"grimm.is/netshape/internal/rules"
)

type rateSample struct {
	packets uint64
	bytes   uint64
	at      time.Time
}

type ruleRate struct {
	rule    rules.ID
	packets float64
	bytes   float64
}

// updateRates turns cumulative samples into per-second rates against the
// previous scrape. The first scrape of a rule reports zero.
func (m *Metrics) updateRates(samples []RuleSample) []ruleRate {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ruleRate, 0, len(samples))
	seen := make(map[rules.ID]struct{}, len(samples))
	for _, s := range samples {
		seen[s.Rule] = struct{}{}
		r := ruleRate{rule: s.Rule}
		if prev, ok := m.rates[s.Rule]; ok {
			elapsed := now.Sub(prev.at).Seconds()
			r.packets = calculateRate(s.Delivered, prev.packets, elapsed)
			r.bytes = calculateRate(s.DeliveredBytes, prev.bytes, elapsed)
		}
		m.rates[s.Rule] = rateSample{packets: s.Delivered, bytes: s.DeliveredBytes, at: now}
		out = append(out, r)
	}
	for id := range m.rates {
		if _, ok := seen[id]; !ok {
			delete(m.rates, id)
		}
	}
	return out
}

// calculateRate computes a per-second rate between two counter readings.
// A counter that went backwards was reset; its current value is the delta.
func calculateRate(current, previous uint64, elapsed float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	if current < previous {
		return float64(current) / elapsed
	}
	return float64(current-previous) / elapsed
}
