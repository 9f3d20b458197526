// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package metrics

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/netshape/internal/capture"
)

// collectQueueCounters reads the counters on netshape's queue rules using
// native netlink. A missing table yields an empty result.
func collectQueueCounters(tableName string) (map[QueueKey]QueueCounters, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}

	results := make(map[QueueKey]QueueCounters)

	tables, err := conn.ListTables()
	if err != nil {
		return nil, err
	}

	var targetTable *nftables.Table
	for _, t := range tables {
		if t.Name == tableName {
			targetTable = t
			break
		}
	}
	if targetTable == nil {
		return results, nil
	}

	chains, err := conn.ListChains()
	if err != nil {
		return nil, err
	}

	for _, chain := range chains {
		if chain.Table.Name != tableName {
			continue
		}

		nftRules, err := conn.GetRules(targetTable, chain)
		if err != nil {
			continue
		}

		for _, rule := range nftRules {
			if len(rule.UserData) == 0 {
				continue
			}
			dir, adapter, ok := capture.ParseQueueRuleTag(string(rule.UserData))
			if !ok {
				continue
			}

			for _, e := range rule.Exprs {
				if counter, ok := e.(*expr.Counter); ok {
					key := QueueKey{Adapter: adapter, Direction: dir}
					c := results[key]
					c.Packets += counter.Packets
					c.Bytes += counter.Bytes
					results[key] = c
					break
				}
			}
		}
	}

	return results, nil
}
