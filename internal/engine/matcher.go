// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"
	"strings"

	"grimm.is/netshape/internal/rules"
)

// Header represents the metadata needed for rule matching
type Header struct {
	Direction rules.Direction
	Protocol  rules.Protocol
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Length    int
	// Process is the owning process name when the resolver could determine it.
	Process string
	Adapter string
}

// LocalAddr is the host-side address: source for outbound, destination for inbound.
func (h Header) LocalAddr() netip.Addr {
	if h.Direction == rules.Inbound {
		return h.DstIP
	}
	return h.SrcIP
}

// RemoteAddr is the peer address.
func (h Header) RemoteAddr() netip.Addr {
	if h.Direction == rules.Inbound {
		return h.SrcIP
	}
	return h.DstIP
}

func (h Header) LocalPort() uint16 {
	if h.Direction == rules.Inbound {
		return h.DstPort
	}
	return h.SrcPort
}

func (h Header) RemotePort() uint16 {
	if h.Direction == rules.Inbound {
		return h.SrcPort
	}
	return h.DstPort
}

// Match checks if a header matches a rule
func Match(rule *rules.Rule, h Header) bool {
	if !rule.Matchable() {
		return false
	}

	// 1. Direction
	if rule.Spec.Direction != rules.AnyDirection && rule.Spec.Direction != h.Direction {
		return false
	}

	// 2. Adapter
	if rule.Spec.Adapter != "" && h.Adapter != "" && rule.Spec.Adapter != h.Adapter {
		return false
	}

	m := &rule.Spec.Match

	// 3. Protocol
	if !MatchProtocol(m.Protocol, h.Protocol) {
		return false
	}

	// 4. Ports
	if !MatchPort(m.LocalPorts, h.LocalPort()) || !MatchPort(m.RemotePorts, h.RemotePort()) {
		return false
	}

	// 5. Remote address
	if !MatchPrefix(m.RemotePrefix, h.RemoteAddr()) {
		return false
	}

	// 6. Owning process
	return MatchProcess(m.Process, h.Process)
}

// MatchProtocol checks if protocols match. ProtoAny matches everything.
func MatchProtocol(ruleProto, pktProto rules.Protocol) bool {
	if ruleProto == rules.ProtoAny {
		return true
	}
	return ruleProto == pktProto
}

// MatchPort checks if a packet port falls in the rule's range.
func MatchPort(r rules.PortRange, port uint16) bool {
	return r.Contains(port)
}

// MatchPrefix checks if an address belongs to the prefix. An invalid (zero)
// prefix matches any address; IPv4-mapped IPv6 addresses match IPv4 prefixes.
func MatchPrefix(p netip.Prefix, addr netip.Addr) bool {
	if !p.IsValid() {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	return p.Contains(addr.Unmap())
}

// MatchProcess checks the owning process name (case insensitive). A rule
// naming a process never matches traffic whose owner is unknown.
func MatchProcess(ruleProc, pktProc string) bool {
	if ruleProc == "" {
		return true
	}
	return strings.EqualFold(ruleProc, pktProc)
}
