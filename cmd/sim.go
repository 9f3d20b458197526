// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/config"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/shaper"
)

// SimOptions configures an offline replay.
type SimOptions struct {
	// ConfigFile supplies rules and engine settings. Its adapters are ignored.
	ConfigFile string
	Input      string
	Output     string
	// EventLog is written as a single file, not a ring. Empty disables it.
	EventLog string
	// Speed scales replay timing; zero replays as fast as possible.
	Speed float64
	// LocalNet marks sources inside it as outbound. Empty treats every
	// packet as outbound.
	LocalNet string
	// Processes maps local ports to owning processes, as "udp/27015=game.exe".
	Processes []string
	// Timeout bounds the whole replay. Zero means no limit.
	Timeout time.Duration
}

// SimReport summarizes a replay.
type SimReport struct {
	Written int
	Rules   []SimRuleReport
}

// SimRuleReport is one rule's final counters.
type SimRuleReport struct {
	ID    rules.ID
	Name  string
	Stats shaper.Stats
}

// RunSim replays a capture through the engine with an in-memory QoS
// controller and writes the shaped capture. It returns once every packet
// has left the scheduler.
func RunSim(ctx context.Context, opts SimOptions) (*SimReport, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	if opts.Input == "" {
		return nil, errors.Attr(errors.New(errors.KindConfig, "input capture is required"), "field", "input")
	}
	var local netip.Prefix
	if opts.LocalNet != "" {
		p, err := netip.ParsePrefix(opts.LocalNet)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindConfig, "invalid local net"), "field", "local_net")
		}
		local = p.Masked()
	}
	resolver, err := staticResolver(opts.Processes)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logger := logging.New(cfg.LoggerConfig())
	clk := clock.Real{}

	eo := engineOptions{
		clock:      clk,
		controller: qos.NewMemoryController(),
		resolver:   resolver,
		logger:     logger,
	}
	if opts.EventLog != "" {
		f, err := os.Create(opts.EventLog)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindOSAPI, "create event log"), "path", opts.EventLog)
		}
		eo.eventLog = f
	} else {
		cfg.Recorder.Path = ""
	}

	rt, err := buildEngine(cfg, eo)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	eng := rt.engine

	adapter, err := rt.openPcap(capture.PcapConfig{
		Name:      "replay",
		Speed:     opts.Speed,
		LocalNet:  local,
		Direction: rules.Outbound,
	}, opts.Input, opts.Output, clk, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, adapter)
	eng.AttachAdapter(adapter)

	specs, err := cfg.RuleSpecs()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, err := eng.AddRule(spec); err != nil {
			return nil, errors.Attr(err, "rule", spec.Name)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	waitErr := waitIdle(ctx, eng)
	if err := eng.Stop(); err != nil && waitErr == nil {
		waitErr = err
	}

	report := &SimReport{Written: adapter.Written()}
	for _, info := range eng.ListRules() {
		st, err := eng.GetStats(info.ID)
		if err != nil {
			continue
		}
		report.Rules = append(report.Rules, SimRuleReport{ID: info.ID, Name: info.Spec.Name, Stats: st})
	}
	return report, waitErr
}

// waitIdle returns once capture has ended and the scheduler is empty.
func waitIdle(ctx context.Context, eng *shaper.Engine) error {
	select {
	case <-eng.CaptureDone():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindInternal, "replay interrupted")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for eng.Pending() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindInternal, "replay interrupted")
		}
	}
	return nil
}

// staticResolver parses "proto/port=process" mappings.
func staticResolver(mappings []string) (capture.Resolver, error) {
	if len(mappings) == 0 {
		return nil, nil
	}
	r := capture.NewStaticResolver()
	for _, m := range mappings {
		key, name, ok := strings.Cut(m, "=")
		protoName, portText, ok2 := strings.Cut(key, "/")
		if !ok || !ok2 || name == "" {
			return nil, errors.Errorf(errors.KindConfig, "invalid process mapping %q, want proto/port=name", m)
		}
		proto, err := rules.ParseProtocol(protoName)
		if err != nil || proto == rules.ProtoAny || proto == rules.ProtoICMP {
			return nil, errors.Errorf(errors.KindConfig, "invalid protocol in process mapping %q", m)
		}
		port, err := strconv.ParseUint(portText, 10, 16)
		if err != nil || port == 0 {
			return nil, errors.Errorf(errors.KindConfig, "invalid port in process mapping %q", m)
		}
		r.Set(proto, uint16(port), name)
	}
	return r, nil
}

// PrintSimReport writes a replay summary.
func PrintSimReport(p *CLIPrinter, r *SimReport) {
	p.Printf("wrote %d packets\n", r.Written)
	for _, rr := range r.Rules {
		st := rr.Stats
		p.Printf("  rule %d %-16s enqueued=%d delivered=%d dropped=%d duplicated=%d lost=%d overflow=%d%s\n",
			rr.ID, rr.Name, st.Enqueued, st.Delivered, st.Dropped, st.Duplicated, st.Lost, st.Overflow,
			degradedSuffix(st))
	}
}

func degradedSuffix(st shaper.Stats) string {
	if !st.Degraded {
		return ""
	}
	return fmt.Sprintf(" (%s)", st.Status)
}
