// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package qos

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/testutil"
)

func TestNetlinkControllerUnknownLink(t *testing.T) {
	c := NewNetlinkController(nil)
	_, err := c.Open(FlowKey{Adapter: "does-not-exist0", Rule: 1}, rules.Shaping{})
	require.Error(t, err)
	assert.Equal(t, errors.KindOSAPI, errors.GetKind(err))
}

func TestNetlinkControllerHTBClass(t *testing.T) {
	testutil.RequireVM(t)

	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "nsdummy0"}}
	require.NoError(t, netlink.LinkAdd(dummy))
	defer netlink.LinkDel(dummy)
	require.NoError(t, netlink.LinkSetUp(dummy))

	c := NewNetlinkController(nil)
	key := FlowKey{Adapter: "nsdummy0", Direction: rules.Outbound, Rule: 7}
	h, err := c.Open(key, rules.Shaping{BandwidthBytesPerSec: 125_000})
	require.NoError(t, err)

	out, err := exec.Command("tc", "class", "show", "dev", "nsdummy0").CombinedOutput()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "1:16"), "class missing: %s", out)

	out, err = exec.Command("tc", "filter", "show", "dev", "nsdummy0").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "0x4e530007")

	require.NoError(t, c.Modify(h, rules.Shaping{BandwidthBytesPerSec: 250_000}))
	require.NoError(t, c.Close(h))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(c.Close(h)))
}
