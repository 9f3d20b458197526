// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package qos registers OS-level QoS flows for shaping rules.
package qos

import (
	"fmt"

	"grimm.is/netshape/internal/rules"
)

// FlowKey identifies a flow. At most one flow exists per key.
type FlowKey struct {
	Adapter   string
	Direction rules.Direction
	Rule      rules.ID
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Adapter, k.Direction, k.Rule)
}

// Handle is an open flow. It is released by Controller.Close exactly once.
type Handle struct {
	Key   FlowKey
	Mark  uint32
	Minor uint16
}

// Controller opens, re-negotiates and closes flows.
type Controller interface {
	Open(key FlowKey, s rules.Shaping) (Handle, error)
	Modify(h Handle, s rules.Shaping) error
	Close(h Handle) error
}

// LineRateBytesPerSec is the class rate used for rules without a bandwidth cap.
const LineRateBytesPerSec = 1_250_000_000
