// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/rules"
)

// LogDumpOptions controls RunLogDump.
type LogDumpOptions struct {
	// JSON prints one JSON object per entry instead of a table.
	JSON bool
	// Rule limits output to one rule. Zero prints everything.
	Rule rules.ID
}

type entryJSON struct {
	Time      time.Time `json:"time"`
	Rule      rules.ID  `json:"rule"`
	Direction string    `json:"direction"`
	Length    uint32    `json:"length"`
	Outcome   string    `json:"outcome"`
	DelayUS   int64     `json:"delay_us"`
	Seq       uint64    `json:"seq"`
	Payload   string    `json:"payload,omitempty"`
}

// RunLogDump prints the event log at path, including its rotated backups.
// Damaged chunks are reported and skipped.
func RunLogDump(p *CLIPrinter, path string, opts LogDumpOptions) error {
	files, err := recorder.RingFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Attr(errors.New(errors.KindNotFound, "no event log found"), "path", path)
	}

	entries, gaps, readErr := recorder.ReadRing(path)
	if opts.Rule != 0 {
		kept := entries[:0]
		for _, e := range entries {
			if e.Rule == opts.Rule {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if opts.JSON {
		enc := json.NewEncoder(p.Writer())
		for _, e := range entries {
			if err := enc.Encode(toJSON(e)); err != nil {
				return errors.Wrap(err, errors.KindInternal, "encode entry")
			}
		}
	} else {
		printTable(p, entries)
	}

	for _, g := range gaps {
		p.Warning(fmt.Sprintf("skipped %d bytes at %s:%d: %s", g.Length, g.File, g.Offset, g.Reason))
	}
	return readErr
}

func toJSON(e recorder.Entry) entryJSON {
	out := entryJSON{
		Time:      e.Timestamp,
		Rule:      e.Rule,
		Direction: e.Direction.String(),
		Length:    e.Length,
		Outcome:   e.Outcome.String(),
		DelayUS:   e.Delay.Microseconds(),
		Seq:       e.Seq,
	}
	if len(e.Payload) > 0 {
		out.Payload = hex.EncodeToString(e.Payload)
	}
	return out
}

func printTable(p *CLIPrinter, entries []recorder.Entry) {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Headers("TIME", "RULE", "DIR", "LEN", "OUTCOME", "DELAY", "SEQ")
	for _, e := range entries {
		t.Row(
			e.Timestamp.Format("15:04:05.000000"),
			strconv.FormatUint(uint64(e.Rule), 10),
			e.Direction.String(),
			strconv.FormatUint(uint64(e.Length), 10),
			e.Outcome.String(),
			e.Delay.String(),
			strconv.FormatUint(e.Seq, 10),
		)
	}
	p.Println(t.String())
	p.Printf("%d entries\n", len(entries))
}
