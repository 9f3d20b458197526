// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"io"
	"os"

	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/config"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/shaper"
	"grimm.is/netshape/internal/state"
)

// stack is an engine plus the resources it was built from.
type stack struct {
	engine  *shaper.Engine
	history *state.HistoryStore
	closers []io.Closer
}

// Close releases adapters and files, which matters when the engine never
// started, and the history store. Call it after Engine.Stop.
func (rt *stack) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i].Close()
	}
	if rt.history != nil {
		rt.history.Close()
	}
}

type engineOptions struct {
	clock      clock.Clock
	controller qos.Controller
	resolver   capture.Resolver
	// eventLog overrides the recorder sink. Nil uses the configured ring.
	eventLog io.WriteCloser
	logger   *logging.Logger
}

// buildEngine wires the recorder, rule history and engine described by cfg.
// Adapters and rules are added by the caller.
func buildEngine(cfg *config.Config, opts engineOptions) (*stack, error) {
	logger := opts.logger
	rt := &stack{}

	var rec *recorder.Recorder
	sink := opts.eventLog
	if sink == nil && cfg.Recorder.Path != "" {
		sink = recorder.NewRingSink(cfg.Recorder.Path, cfg.Recorder.MaxSizeMB, cfg.Recorder.MaxBackups)
	}
	if sink != nil {
		rc, err := cfg.RecorderConfig()
		if err != nil {
			sink.Close()
			return nil, err
		}
		rec, err = recorder.New(rc, sink, logger.WithComponent("recorder"))
		if err != nil {
			sink.Close()
			return nil, err
		}
	}

	if cfg.State.Path != "" {
		h, err := state.Open(cfg.State.Path)
		if err != nil {
			if rec != nil {
				rec.Close()
			}
			return nil, err
		}
		rt.history = h
	}

	eng, err := shaper.New(shaper.Config{
		Arena:          cfg.ArenaConfig(),
		Scheduler:      cfg.SchedulerConfig(),
		LogPassthrough: cfg.Recorder.LogPassthrough,
		RetireInterval: cfg.RetireInterval(),
		QueueTable:     queueTable(cfg),
	}, shaper.Deps{
		Clock:      opts.clock,
		Controller: opts.controller,
		Resolver:   opts.resolver,
		Recorder:   rec,
		History:    rt.history,
		Logger:     logger.WithComponent("shaper"),
	})
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		rt.Close()
		return nil, err
	}
	rt.engine = eng
	return rt, nil
}

// queueTable returns the nftables table of the first nfqueue adapter.
func queueTable(cfg *config.Config) string {
	for _, a := range cfg.Adapters {
		if a.Type == config.AdapterNFQueue {
			return a.NFQueueConfig().Table
		}
	}
	return ""
}

// attachAdapters opens every configured adapter and attaches it to the engine.
func (rt *stack) attachAdapters(cfg *config.Config, clk clock.Clock, logger *logging.Logger) error {
	for _, ab := range cfg.Adapters {
		a, err := rt.openAdapter(ab, clk, logger)
		if err != nil {
			return errors.Attr(err, "adapter", ab.Name)
		}
		rt.closers = append(rt.closers, a)
		rt.engine.AttachAdapter(a)
	}
	return nil
}

func (rt *stack) openAdapter(ab config.AdapterBlock, clk clock.Clock, logger *logging.Logger) (capture.Adapter, error) {
	switch ab.Type {
	case config.AdapterNFQueue:
		return capture.NewNFQueueAdapter(ab.NFQueueConfig(), logger.WithComponent("nfqueue"))
	case config.AdapterPcap:
		pc, err := ab.PcapConfig()
		if err != nil {
			return nil, err
		}
		return rt.openPcap(pc, ab.Input, ab.Output, clk, logger)
	}
	return nil, errors.Errorf(errors.KindConfig, "unknown adapter type %q", ab.Type)
}

// openPcap opens a replay adapter. The files are closed by stack.Close.
func (rt *stack) openPcap(pc capture.PcapConfig, input, output string, clk clock.Clock, logger *logging.Logger) (*capture.PcapAdapter, error) {
	in, err := os.Open(input)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfig, "open pcap input"), "path", input)
	}
	rt.closers = append(rt.closers, in)

	var out io.Writer
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindOSAPI, "create pcap output"), "path", output)
		}
		rt.closers = append(rt.closers, f)
		out = f
	}
	return capture.NewPcapAdapter(pc, in, out, clk, logger.WithComponent("pcap"))
}
