// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules defines shaping rules: what traffic they match and how that
// traffic is delayed, dropped, duplicated and rate limited.
package rules

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/netshape/internal/errors"
)

// ID identifies a rule for its whole lifetime. IDs are never reused.
type ID uint32

// Direction of traffic relative to the local host.
type Direction int

const (
	AnyDirection Direction = iota
	Inbound
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "any"
	}
}

// ParseDirection parses "inbound", "outbound" or "any" (empty means any).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "both":
		return AnyDirection, nil
	case "inbound", "in", "ingress":
		return Inbound, nil
	case "outbound", "out", "egress":
		return Outbound, nil
	}
	return AnyDirection, errors.Attr(errors.Errorf(errors.KindConfig, "unknown direction %q", s), "field", "direction")
}

// Protocol is the transport protocol a rule matches.
type Protocol int

const (
	ProtoAny Protocol = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "any"
	}
}

// ParseProtocol parses a protocol name. Empty means any.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all":
		return ProtoAny, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp", "icmpv6":
		return ProtoICMP, nil
	}
	return ProtoAny, errors.Attr(errors.Errorf(errors.KindConfig, "unknown protocol %q", s), "field", "protocol")
}

// PortRange is an inclusive port range. The zero value matches any port.
type PortRange struct {
	Lo, Hi uint16
}

// Any reports whether the range is unrestricted.
func (r PortRange) Any() bool { return r.Lo == 0 && r.Hi == 0 }

// Contains reports whether p falls in the range.
func (r PortRange) Contains(p uint16) bool {
	if r.Any() {
		return true
	}
	return p >= r.Lo && p <= r.Hi
}

func (r PortRange) String() string {
	switch {
	case r.Any():
		return ""
	case r.Lo == r.Hi:
		return fmt.Sprintf("%d", r.Lo)
	default:
		return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
	}
}

// Match is a conjunction of header predicates. Every zero-valued field matches anything.
type Match struct {
	Protocol    Protocol
	LocalPorts  PortRange
	RemotePorts PortRange
	// RemotePrefix restricts the remote address. The zero Prefix matches any address.
	RemotePrefix netip.Prefix
	// Process is the owning process name, compared case-insensitively.
	Process string
}

// DrainPolicy decides what happens to pending packets when their rule is removed.
type DrainPolicy int

const (
	// DrainDeliver re-injects pending packets immediately, undelayed.
	DrainDeliver DrainPolicy = iota
	DrainDrop
)

func (p DrainPolicy) String() string {
	if p == DrainDrop {
		return "drop"
	}
	return "deliver"
}

// ParseDrainPolicy parses "deliver" or "drop". Empty means deliver.
func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deliver":
		return DrainDeliver, nil
	case "drop":
		return DrainDrop, nil
	}
	return DrainDeliver, errors.Attr(errors.Errorf(errors.KindConfig, "unknown drain policy %q", s), "field", "drain")
}

// OverflowPolicy decides which packet is discarded when a rule's queue is full.
type OverflowPolicy int

const (
	OverflowDropOldest OverflowPolicy = iota
	OverflowDropNewest
)

func (p OverflowPolicy) String() string {
	if p == OverflowDropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

// ParseOverflowPolicy parses "drop-oldest" or "drop-newest". Empty means drop-oldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "oldest":
		return OverflowDropOldest, nil
	case "drop-newest", "newest":
		return OverflowDropNewest, nil
	}
	return OverflowDropOldest, errors.Attr(errors.Errorf(errors.KindConfig, "unknown overflow policy %q", s), "field", "overflow")
}

// Shaping is the set of impairments applied to matched packets.
type Shaping struct {
	Latency      time.Duration
	Jitter       time.Duration
	Distribution Distribution
	// Loss and Duplicate are probabilities in [0, 1].
	Loss      float64
	Duplicate float64
	// BandwidthBytesPerSec of zero means uncapped.
	BandwidthBytesPerSec int64
	// BurstBytes is the token bucket depth. Zero selects DefaultBurstBytes.
	// A packet larger than the bucket deepens it to the packet's size.
	BurstBytes    int64
	MaxQueueDepth int
	// MaxQueueDelay bounds the extra bandwidth wait. Zero means unbounded.
	MaxQueueDelay time.Duration
	// Reorder allows jitter to reorder packets within the rule.
	Reorder  bool
	Drain    DrainPolicy
	Overflow OverflowPolicy
}

// DefaultBurstBytes is the token bucket depth used when BurstBytes is unset:
// one Ethernet MTU, so a capped rule releases at most one packet ahead of
// its rate.
const DefaultBurstBytes = 1500

// Burst returns the effective token bucket depth.
func (s Shaping) Burst() int64 {
	if s.BurstBytes > 0 {
		return s.BurstBytes
	}
	return DefaultBurstBytes
}

// Spec is a rule as requested through the control surface.
type Spec struct {
	Name string
	// Adapter restricts the rule to one capture adapter. Empty matches every adapter.
	Adapter   string
	Direction Direction
	Match     Match
	Shaping   Shaping
}

// Validate checks s and fills in defaults. Failures are KindConfig and
// carry a "field" attribute.
func (s *Spec) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return errors.Attr(errors.Errorf(errors.KindConfig, format, args...), "field", field)
	}

	sh := &s.Shaping
	if sh.Latency < 0 {
		return invalid("latency", "latency must not be negative")
	}
	if sh.Jitter < 0 {
		return invalid("jitter", "jitter must not be negative")
	}
	if sh.Loss < 0 || sh.Loss > 1 || sh.Loss != sh.Loss {
		return invalid("loss", "loss probability %v out of range [0,1]", sh.Loss)
	}
	if sh.Duplicate < 0 || sh.Duplicate > 1 || sh.Duplicate != sh.Duplicate {
		return invalid("duplicate", "duplicate probability %v out of range [0,1]", sh.Duplicate)
	}
	if sh.BandwidthBytesPerSec < 0 {
		return invalid("bandwidth", "bandwidth must not be negative")
	}
	if sh.BurstBytes < 0 {
		return invalid("burst_bytes", "burst must not be negative")
	}
	if sh.MaxQueueDepth < 0 {
		return invalid("max_queue_depth", "queue depth must not be negative")
	}
	if sh.MaxQueueDelay < 0 {
		return invalid("max_queue_delay", "queue delay must not be negative")
	}
	if sh.Drain != DrainDeliver && sh.Drain != DrainDrop {
		return invalid("drain", "unknown drain policy %d", sh.Drain)
	}
	if sh.Overflow != OverflowDropOldest && sh.Overflow != OverflowDropNewest {
		return invalid("overflow", "unknown overflow policy %d", sh.Overflow)
	}
	if sh.Distribution == nil {
		sh.Distribution = Uniform{}
	}

	m := &s.Match
	if m.Protocol < ProtoAny || m.Protocol > ProtoICMP {
		return invalid("protocol", "unknown protocol %d", m.Protocol)
	}
	if m.LocalPorts.Lo > m.LocalPorts.Hi {
		return invalid("local_ports", "port range %d-%d is inverted", m.LocalPorts.Lo, m.LocalPorts.Hi)
	}
	if m.RemotePorts.Lo > m.RemotePorts.Hi {
		return invalid("remote_ports", "port range %d-%d is inverted", m.RemotePorts.Lo, m.RemotePorts.Hi)
	}
	if m.Protocol == ProtoICMP && (!m.LocalPorts.Any() || !m.RemotePorts.Any()) {
		return invalid("protocol", "port ranges cannot be combined with icmp")
	}
	if m.RemotePrefix.IsValid() {
		m.RemotePrefix = m.RemotePrefix.Masked()
	}
	if s.Direction < AnyDirection || s.Direction > Outbound {
		return invalid("direction", "unknown direction %d", s.Direction)
	}
	return nil
}

// State is a rule's lifecycle position.
type State int

const (
	StateActive State = iota
	StateDraining
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateRemoved:
		return "removed"
	default:
		return "active"
	}
}

// Status text shown for rules whose QoS flow could not be established.
const (
	StatusFlowRejected      = "shaping disabled (OS rejected flow)"
	ReasonRenegotiateFailed = "re-negotiation failed"
)

// Rule is an admitted spec. Values published in a registry snapshot are
// never mutated; state changes produce a new Rule.
type Rule struct {
	ID             ID
	Spec           Spec
	State          State
	Degraded       bool
	DegradedReason string
	Created        time.Time
}

// Clone returns a shallow copy suitable for copy-on-write updates.
func (r *Rule) Clone() *Rule {
	c := *r
	return &c
}

// Matchable reports whether the classifier may select this rule.
func (r *Rule) Matchable() bool {
	return r.State == StateActive
}

// Shaped reports whether matched packets go through the scheduler.
func (r *Rule) Shaped() bool {
	return r.State == StateActive && !r.Degraded
}

// Status is the human-readable state shown to the control surface.
func (r *Rule) Status() string {
	if r.Degraded && r.State == StateActive {
		return StatusFlowRejected
	}
	return r.State.String()
}
