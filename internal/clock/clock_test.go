// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClockAdvanceFiresTimers(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := NewMockClock(start)

	short := clk.NewTimer(10 * time.Millisecond)
	long := clk.NewTimer(50 * time.Millisecond)
	assert.Equal(t, 2, clk.Pending())

	clk.Advance(20 * time.Millisecond)
	select {
	case got := <-short.C():
		assert.Equal(t, start.Add(20*time.Millisecond), got)
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long.C():
		t.Fatal("long timer fired early")
	default:
	}

	clk.Advance(30 * time.Millisecond)
	select {
	case <-long.C():
	default:
		t.Fatal("long timer did not fire")
	}
	assert.Equal(t, 0, clk.Pending())
}

func TestMockTimerStopAndReset(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))
	tm := clk.NewTimer(time.Second)

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	clk.Advance(2 * time.Second)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}

	tm.Reset(0)
	select {
	case <-tm.C():
	default:
		t.Fatal("zero reset did not fire immediately")
	}
}

func TestRealClock(t *testing.T) {
	var clk Clock = Real{}
	tm := clk.NewTimer(time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	assert.False(t, clk.Now().IsZero())
}
