// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package metrics

// collectQueueCounters is a no-op on non-Linux platforms.
func collectQueueCounters(tableName string) (map[QueueKey]QueueCounters, error) {
	return make(map[QueueKey]QueueCounters), nil
}
