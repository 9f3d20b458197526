// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package capture

import (
	"context"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
)

// NFQueueConfig configures an NFQueueAdapter.
type NFQueueConfig struct {
	Adapter     string
	QueueNum    uint16
	DupMark     uint32
	MaxQueueLen uint32
	Table       string
}

// DefaultNFQueueConfig returns defaults for adapter.
func DefaultNFQueueConfig(adapter string) NFQueueConfig {
	return NFQueueConfig{Adapter: adapter, QueueNum: 42, DupMark: 0x4e53, MaxQueueLen: 4096, Table: "netshape"}
}

// NFQueueAdapter is a stub for non-Linux platforms.
type NFQueueAdapter struct{}

// NewNFQueueAdapter always fails off Linux.
func NewNFQueueAdapter(cfg NFQueueConfig, logger *logging.Logger) (*NFQueueAdapter, error) {
	return nil, errors.New(errors.KindOSAPI, "nfqueue capture not supported on this platform")
}

func (a *NFQueueAdapter) Name() string { return "" }

func (a *NFQueueAdapter) Receive(ctx context.Context) (*Packet, error) {
	return nil, errors.ErrClosed
}

func (a *NFQueueAdapter) Inject(p *Packet) error { return errors.ErrClosed }
func (a *NFQueueAdapter) Drop(p *Packet) error   { return errors.ErrClosed }
func (a *NFQueueAdapter) Close() error           { return nil }
