// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// DefaultRefreshInterval is how often the socket table is rebuilt.
const DefaultRefreshInterval = 250 * time.Millisecond

// ProcResolver maps local TCP and UDP ports to owning process names using
// /proc. The table is rebuilt periodically and swapped atomically.
type ProcResolver struct {
	fs       procfs.FS
	interval time.Duration
	logger   *logging.Logger
	table    atomic.Pointer[portTable]
}

// NewProcResolver reads from the proc filesystem mounted at mountPoint
// (procfs.DefaultMountPoint when empty).
func NewProcResolver(mountPoint string, interval time.Duration, logger *logging.Logger) (*ProcResolver, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = logging.WithComponent("procresolver")
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOSAPI, "open procfs")
	}
	r := &ProcResolver{fs: fs, interval: interval, logger: logger}
	empty := portTable{}
	r.table.Store(&empty)
	return r, nil
}

func (r *ProcResolver) Resolve(h *engine.Header) {
	if name := r.table.Load().lookup(h); name != "" {
		h.Process = name
	}
}

// Run refreshes the table until ctx is done.
func (r *ProcResolver) Run(ctx context.Context) {
	if err := r.Refresh(); err != nil {
		r.logger.WithError(err).Warn("process table refresh failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				r.logger.WithError(err).Debug("process table refresh failed")
			}
		}
	}
}

// Refresh rebuilds the port table from the current socket and fd state.
func (r *ProcResolver) Refresh() error {
	owners, err := r.socketOwners()
	if err != nil {
		return err
	}

	table := portTable{}
	add := func(proto rules.Protocol, port, inode uint64) {
		if name, ok := owners[inode]; ok && inode != 0 {
			table[portKey{proto, uint16(port)}] = name
		}
	}

	if tcp, err := r.fs.NetTCP(); err == nil {
		for _, l := range tcp {
			add(rules.ProtoTCP, l.LocalPort, l.Inode)
		}
	}
	if tcp6, err := r.fs.NetTCP6(); err == nil {
		for _, l := range tcp6 {
			add(rules.ProtoTCP, l.LocalPort, l.Inode)
		}
	}
	if udp, err := r.fs.NetUDP(); err == nil {
		for _, l := range udp {
			add(rules.ProtoUDP, l.LocalPort, l.Inode)
		}
	}
	if udp6, err := r.fs.NetUDP6(); err == nil {
		for _, l := range udp6 {
			add(rules.ProtoUDP, l.LocalPort, l.Inode)
		}
	}

	r.table.Store(&table)
	return nil
}

// socketOwners maps socket inodes to the comm of a process holding them.
func (r *ProcResolver) socketOwners() (map[uint64]string, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOSAPI, "list processes")
	}
	owners := make(map[uint64]string)
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		var comm string
		for _, t := range targets {
			inode, ok := socketInode(t)
			if !ok {
				continue
			}
			if comm == "" {
				if comm, err = p.Comm(); err != nil {
					break
				}
			}
			owners[inode] = comm
		}
	}
	return owners, nil
}

func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
	return n, err == nil
}
