// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netshape-sim replays a capture through the shaping engine and
// writes the shaped result, without touching the host network.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"grimm.is/netshape/cmd"
)

type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	var opts cmd.SimOptions
	var procs listFlag
	flag.StringVar(&opts.ConfigFile, "config", "", "Config file with rules (adapters are ignored)")
	flag.StringVar(&opts.Input, "in", "", "Input pcap")
	flag.StringVar(&opts.Output, "out", "", "Output pcap for shaped packets")
	flag.StringVar(&opts.EventLog, "log", "", "Event log to write")
	flag.Float64Var(&opts.Speed, "speed", 1, "Replay speed multiplier; 0 replays as fast as possible")
	flag.StringVar(&opts.LocalNet, "local", "", "Local network CIDR used to classify direction")
	flag.Var(&procs, "process", "Port owner mapping proto/port=name (repeatable)")
	flag.DurationVar(&opts.Timeout, "timeout", 0, "Abort the replay after this long")
	flag.Parse()
	opts.Processes = procs

	if opts.Input == "" {
		log.Fatal("Usage: netshape-sim -in capture.pcap [-out shaped.pcap] [-config rules.hcl]")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := cmd.RunSim(ctx, opts)
	if report != nil {
		cmd.PrintSimReport(cmd.Printer, report)
	}
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
}
