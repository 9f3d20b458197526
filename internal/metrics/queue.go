// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import "grimm.is/netshape/internal/rules"

// QueueKey identifies one tagged queue rule.
type QueueKey struct {
	Adapter   string
	Direction rules.Direction
}

// QueueCounters holds the firewall counter attached to a queue rule.
type QueueCounters struct {
	Packets uint64
	Bytes   uint64
}
