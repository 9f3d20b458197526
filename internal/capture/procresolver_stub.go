// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package capture

import (
	"context"
	"time"

	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/logging"
)

// DefaultRefreshInterval is how often the socket table is rebuilt.
const DefaultRefreshInterval = 250 * time.Millisecond

// ProcResolver never resolves off Linux.
type ProcResolver struct{}

// NewProcResolver returns a resolver that leaves headers untouched.
func NewProcResolver(mountPoint string, interval time.Duration, logger *logging.Logger) (*ProcResolver, error) {
	return &ProcResolver{}, nil
}

func (r *ProcResolver) Resolve(h *engine.Header) {}

func (r *ProcResolver) Run(ctx context.Context) { <-ctx.Done() }

func (r *ProcResolver) Refresh() error { return nil }
