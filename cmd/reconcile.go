// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/shaper"
)

type ruleEngine interface {
	AddRule(spec rules.Spec) (rules.ID, error)
	UpdateRule(id rules.ID, spec rules.Spec) error
	RemoveRule(id rules.ID) error
	ListRules() []shaper.RuleInfo
}

// ReconcileResult counts the changes made by reconcileRules.
type ReconcileResult struct {
	Added, Updated, Removed, Unchanged int
}

// reconcileRules makes the engine's live rules match specs, keyed by name.
// Changed rules are updated in place so their pending packets are kept.
// Rules missing from specs are removed, draining per their policy. Every
// change is attempted; the errors are joined.
func reconcileRules(eng ruleEngine, specs []rules.Spec) (ReconcileResult, error) {
	var res ReconcileResult
	live := make(map[string]shaper.RuleInfo)
	for _, info := range eng.ListRules() {
		if info.State == rules.StateActive {
			live[info.Spec.Name] = info
		}
	}

	var errs []error
	wanted := make(map[string]bool, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = true
		info, ok := live[spec.Name]
		switch {
		case !ok:
			if _, err := eng.AddRule(spec); err != nil {
				errs = append(errs, errors.Attr(err, "rule", spec.Name))
				continue
			}
			res.Added++
		case info.Spec == spec:
			res.Unchanged++
		default:
			if err := eng.UpdateRule(info.ID, spec); err != nil {
				errs = append(errs, errors.Attr(err, "rule", spec.Name))
				continue
			}
			res.Updated++
		}
	}

	for name, info := range live {
		if wanted[name] {
			continue
		}
		if err := eng.RemoveRule(info.ID); err != nil {
			errs = append(errs, errors.Attr(err, "rule", name))
			continue
		}
		res.Removed++
	}
	return res, errors.Join(errs...)
}
