// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package qos

import (
	"testing"

	"grimm.is/netshape/internal/rules"
)

func TestCalculateFWMark(t *testing.T) {
	tests := []struct {
		id       rules.ID
		expected uint32
	}{
		{1, 0x4E530001},
		{0x20, 0x4E530020},
		{0xFFFF, 0x4E53FFFF},
		{0x10001, 0x4E530001},
	}

	for _, tt := range tests {
		got := CalculateFWMark(tt.id)
		if got != tt.expected {
			t.Errorf("CalculateFWMark(%d) = 0x%x; want 0x%x", tt.id, got, tt.expected)
		}
	}
}

func TestClassMinor(t *testing.T) {
	tests := []struct {
		id       rules.ID
		expected uint16
	}{
		{1, 0x10},
		{2, 0x11},
		{0xFFEF, 0xFFFE},
		{0xFFF0, 0x10},
	}

	for _, tt := range tests {
		got := ClassMinor(tt.id)
		if got != tt.expected {
			t.Errorf("ClassMinor(%d) = 0x%x; want 0x%x", tt.id, got, tt.expected)
		}
	}
}
