// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture is the boundary to the packet source: it receives packets
// from an adapter, decodes their headers and hands them back for injection.
package capture

import (
	"context"
	"strings"
	"time"

	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/rules"
)

// Packet is one captured datagram.
type Packet struct {
	Header engine.Header
	// Data is the raw IP datagram. Its backing storage is owned by whoever
	// allocated it; adapters copy on Inject if they retain it.
	Data      []byte
	Timestamp time.Time
	// Mark is the firewall mark applied on injection. Zero leaves the packet unmarked.
	Mark uint32
	// token identifies the packet to the adapter that produced it (a queue
	// verdict id). Copies made for duplication carry no token.
	token any
}

// Copy returns a token-less copy sharing Data. Adapters inject such packets
// as new datagrams instead of releasing the original.
func (p *Packet) Copy(data []byte) *Packet {
	c := *p
	c.Data = data
	c.token = nil
	return &c
}

// Original reports whether p is the packet the adapter captured (as opposed to a copy).
func (p *Packet) Original() bool {
	return p.token != nil
}

// Adapter is a packet source and sink. Every method may fail; callers
// degrade rather than retry.
type Adapter interface {
	Name() string
	// Receive blocks until a packet arrives, ctx is done or the adapter fails.
	Receive(ctx context.Context) (*Packet, error)
	// Inject re-emits p. Originals are released to the stack; copies are sent as new datagrams.
	Inject(p *Packet) error
	// Drop discards p.
	Drop(p *Packet) error
	Close() error
}

const queueTagPrefix = "netshape:"

// QueueRuleTag is the user data attached to the firewall rule that diverts
// one adapter direction into the packet queue.
func QueueRuleTag(dir rules.Direction, adapter string) string {
	return queueTagPrefix + dir.String() + ":" + adapter
}

// ParseQueueRuleTag reverses QueueRuleTag.
func ParseQueueRuleTag(tag string) (rules.Direction, string, bool) {
	rest, ok := strings.CutPrefix(tag, queueTagPrefix)
	if !ok {
		return rules.AnyDirection, "", false
	}
	dirName, adapter, ok := strings.Cut(rest, ":")
	if !ok || adapter == "" {
		return rules.AnyDirection, "", false
	}
	dir, err := rules.ParseDirection(dirName)
	if err != nil || dir == rules.AnyDirection {
		return rules.AnyDirection, "", false
	}
	return dir, adapter, true
}
