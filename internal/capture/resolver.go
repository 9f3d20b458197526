// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"sync"

	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/rules"
)

// Resolver fills Header.Process with the name of the process owning the
// local socket, leaving it empty when unknown.
type Resolver interface {
	Resolve(h *engine.Header)
}

type portKey struct {
	proto rules.Protocol
	port  uint16
}

// portTable is an immutable local-port to process-name mapping.
type portTable map[portKey]string

func (t portTable) lookup(h *engine.Header) string {
	if h.Protocol != rules.ProtoTCP && h.Protocol != rules.ProtoUDP {
		return ""
	}
	return t[portKey{h.Protocol, h.LocalPort()}]
}

// StaticResolver resolves from a fixed table. Used by the simulator.
type StaticResolver struct {
	mu    sync.RWMutex
	table portTable
}

// NewStaticResolver returns an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{table: portTable{}}
}

// Set binds a local port to a process name.
func (s *StaticResolver) Set(proto rules.Protocol, port uint16, process string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[portKey{proto, port}] = process
}

func (s *StaticResolver) Resolve(h *engine.Header) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name := s.table.lookup(h); name != "" {
		h.Process = name
	}
}
