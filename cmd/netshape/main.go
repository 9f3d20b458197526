// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netshape shapes live traffic according to a configuration file.
package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/netshape/cmd"
	"grimm.is/netshape/internal/rules"
)

const usage = `Usage: netshape <command> [flags]

Commands:
  run       -config FILE            run the shaping engine
  validate  -config FILE [-print]   check a configuration file
  logdump   [-json] [-rule N] PATH  print an event log
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := fs.String("config", "/etc/netshape/netshape.hcl", "Path to config file")
		fs.Parse(os.Args[2:])
		err = cmd.RunDaemon(*configFile)

	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		configFile := fs.String("config", "/etc/netshape/netshape.hcl", "Path to config file")
		printHCL := fs.Bool("print", false, "Print the configuration with defaults applied")
		fs.Parse(os.Args[2:])
		err = cmd.RunValidate(cmd.Printer, *configFile, cmd.ValidateOptions{PrintHCL: *printHCL})

	case "logdump":
		fs := flag.NewFlagSet("logdump", flag.ExitOnError)
		asJSON := fs.Bool("json", false, "Print one JSON object per entry")
		rule := fs.Uint("rule", 0, "Only print entries for this rule id")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = cmd.RunLogDump(cmd.Printer, fs.Arg(0), cmd.LogDumpOptions{JSON: *asJSON, Rule: rules.ID(*rule)})

	case "-h", "--help", "help":
		fmt.Print(usage)
		return

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
