// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine classifies packet headers against a rule snapshot.
package engine

import "grimm.is/netshape/internal/rules"

type Verdict string

const (
	// VerdictPassthrough means no rule matched.
	VerdictPassthrough Verdict = "passthrough"
	// VerdictShape hands the packet to the scheduler.
	VerdictShape Verdict = "shape"
	// VerdictUnshaped means a degraded rule matched; the packet is re-injected as is.
	VerdictUnshaped Verdict = "unshaped"
)

// Classify returns the first rule in snapshot order that matches h, or nil
// for passthrough. It is a pure function of its inputs.
func Classify(h Header, snap []*rules.Rule) *rules.Rule {
	for _, rule := range snap {
		if Match(rule, h) {
			return rule
		}
	}
	return nil
}

// Evaluate classifies h and reports what the pipeline should do with it.
func Evaluate(h Header, snap []*rules.Rule) (Verdict, *rules.Rule) {
	rule := Classify(h, snap)
	switch {
	case rule == nil:
		return VerdictPassthrough, nil
	case rule.Degraded:
		return VerdictUnshaped, rule
	default:
		return VerdictShape, rule
	}
}
