// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the netshape command-line entry points.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// CLIPrinter writes user-facing command output.
type CLIPrinter struct {
	w    io.Writer
	ok   lipgloss.Style
	warn lipgloss.Style
	fail lipgloss.Style
}

// NewCLIPrinter returns a printer writing to w.
func NewCLIPrinter(w io.Writer) *CLIPrinter {
	return &CLIPrinter{
		w:    w,
		ok:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		warn: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		fail: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Printer is the process-wide CLI printer.
var Printer = NewCLIPrinter(os.Stdout)

func (p *CLIPrinter) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *CLIPrinter) Println(args ...any) {
	fmt.Fprintln(p.w, args...)
}

// Success prints msg highlighted as a success.
func (p *CLIPrinter) Success(msg string) {
	fmt.Fprintln(p.w, p.ok.Render(msg))
}

// Warning prints msg highlighted as a warning.
func (p *CLIPrinter) Warning(msg string) {
	fmt.Fprintln(p.w, p.warn.Render(msg))
}

// Failure prints msg highlighted as a failure.
func (p *CLIPrinter) Failure(msg string) {
	fmt.Fprintln(p.w, p.fail.Render(msg))
}

// Writer returns the underlying writer.
func (p *CLIPrinter) Writer() io.Writer {
	return p.w
}
