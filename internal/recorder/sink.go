// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package recorder

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"grimm.is/netshape/internal/errors"
)

// NewRingSink returns a size-rotated file sink keeping at most maxBackups
// old files next to path. Each chunk is written with a single Write, so
// rotation never splits a chunk.
func NewRingSink(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
}

// RingFiles lists the files of a ring, oldest backup first and the live
// file last. Missing files are omitted.
func RingFiles(path string) ([]string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	dirents, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, errors.KindOSAPI, "list log directory")
	}
	var backups []string
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// Backup names embed a sortable timestamp.
	sort.Strings(backups)
	if _, err := os.Stat(path); err == nil {
		backups = append(backups, path)
	}
	return backups, nil
}

// FileGap is a Gap within one file of a ring.
type FileGap struct {
	File string
	Gap
}

// ReadRing reads every file of a ring in order.
func ReadRing(path string) ([]Entry, []FileGap, error) {
	files, err := RingFiles(path)
	if err != nil {
		return nil, nil, err
	}
	var (
		entries []Entry
		gaps    []FileGap
	)
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return entries, gaps, errors.Wrap(err, errors.KindOSAPI, "open log file")
		}
		got, fileGaps, err := ReadAll(f)
		f.Close()
		entries = append(entries, got...)
		for _, g := range fileGaps {
			gaps = append(gaps, FileGap{File: name, Gap: g})
		}
		if err != nil {
			return entries, gaps, errors.Wrap(err, errors.KindOSAPI, "read log file")
		}
	}
	return entries, gaps, nil
}
