// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import "grimm.is/netshape/internal/rules"

// MarkBase tags packets belonging to shaping flows.
const MarkBase uint32 = 0x4E530000

// firstMinor is the lowest HTB class minor handed to a flow; 1:1 is reserved.
const firstMinor = 0x10

// CalculateFWMark returns the firewall mark carried by packets of a rule's flow.
// Format: 0x4E53<rule low 16 bits>.
func CalculateFWMark(id rules.ID) uint32 {
	return MarkBase | uint32(id&0xFFFF)
}

// ClassMinor returns the HTB class minor for a rule. Rule IDs wrap within the
// 16-bit minor space above firstMinor.
func ClassMinor(id rules.ID) uint16 {
	return uint16(firstMinor + (uint32(id)-1)%(0xFFFF-firstMinor))
}
