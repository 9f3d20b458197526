// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"grimm.is/netshape/internal/config"
	"grimm.is/netshape/internal/errors"
)

// ValidateOptions controls RunValidate.
type ValidateOptions struct {
	// PrintHCL prints the configuration back with defaults filled in.
	PrintHCL bool
}

// RunValidate loads and validates a configuration file, listing every
// problem it finds.
func RunValidate(p *CLIPrinter, configFile string, opts ValidateOptions) error {
	p.Printf("Validating configuration: %s\n", configFile)
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			p.Failure(fmt.Sprintf("Configuration has %d error(s):", len(verrs)))
			for _, v := range verrs {
				p.Printf("  - %s\n", v.Error())
			}
		} else {
			p.Failure(err.Error())
		}
		return errors.Wrap(err, errors.KindConfig, "configuration validation failed")
	}

	specs, err := cfg.RuleSpecs()
	if err != nil {
		return err
	}
	if len(cfg.Adapters) == 0 {
		p.Warning("No adapters configured; the engine will refuse to start.")
	}
	for _, a := range cfg.Adapters {
		p.Printf("  adapter %-12s %s\n", a.Name, a.Type)
	}
	for _, s := range specs {
		p.Printf("  rule    %-12s %s %s latency=%s loss=%g\n",
			s.Name, s.Direction, s.Match.Protocol, s.Shaping.Latency, s.Shaping.Loss)
	}
	p.Success("Configuration is valid.")

	if opts.PrintHCL {
		p.Println()
		p.Printf("%s", config.GenerateHCL(cfg))
	}
	return nil
}
