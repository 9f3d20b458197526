// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package qos

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/vishvananda/netlink"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// NetlinkController backs outbound flows with HTB classes under a root qdisc
// installed on first use, and inbound flows with the adapter's ingress qdisc.
type NetlinkController struct {
	logger *logging.Logger

	mu    sync.Mutex
	links map[string]*linkState
	open  map[FlowKey]struct{}
}

type linkState struct {
	index   int
	htb     bool
	ingress bool
	flows   int
}

// NewNetlinkController creates a controller.
func NewNetlinkController(logger *logging.Logger) *NetlinkController {
	if logger == nil {
		logger = logging.WithComponent("qos")
	}
	return &NetlinkController{
		logger: logger,
		links:  make(map[string]*linkState),
		open:   make(map[FlowKey]struct{}),
	}
}

func (c *NetlinkController) Open(key FlowKey, s rules.Shaping) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[key]; ok {
		return Handle{}, errors.Errorf(errors.KindConflict, "flow %s already open", key)
	}
	ls, err := c.linkLocked(key.Adapter)
	if err != nil {
		return Handle{}, err
	}

	h := Handle{Key: key, Mark: CalculateFWMark(key.Rule)}
	if key.Direction == rules.Inbound {
		if err := c.ensureIngressLocked(ls); err != nil {
			return Handle{}, err
		}
	} else {
		if err := c.ensureRootLocked(ls); err != nil {
			return Handle{}, err
		}
		h.Minor = ClassMinor(key.Rule)
		if err := netlink.ClassAdd(htbClass(ls.index, h.Minor, s)); err != nil {
			return Handle{}, errors.Wrapf(err, errors.KindOSAPI, "add htb class 1:%x on %s", h.Minor, key.Adapter)
		}
		if err := addMarkFilter(key.Adapter, h); err != nil {
			netlink.ClassDel(htbClass(ls.index, h.Minor, s))
			return Handle{}, err
		}
	}

	ls.flows++
	c.open[key] = struct{}{}
	c.logger.Debug("flow opened", "flow", key.String(), "mark", fmt.Sprintf("0x%x", h.Mark))
	return h, nil
}

func (c *NetlinkController) Modify(h Handle, s rules.Shaping) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[h.Key]; !ok {
		return errors.Errorf(errors.KindNotFound, "flow %s not open", h.Key)
	}
	if h.Minor == 0 {
		return nil
	}
	ls := c.links[h.Key.Adapter]
	if err := netlink.ClassChange(htbClass(ls.index, h.Minor, s)); err != nil {
		return errors.Wrapf(err, errors.KindOSAPI, "change htb class 1:%x on %s", h.Minor, h.Key.Adapter)
	}
	return nil
}

func (c *NetlinkController) Close(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[h.Key]; !ok {
		return errors.Errorf(errors.KindNotFound, "flow %s not open", h.Key)
	}
	delete(c.open, h.Key)
	ls := c.links[h.Key.Adapter]
	ls.flows--

	var errs []error
	if h.Minor != 0 {
		if err := delMarkFilter(h.Key.Adapter, h); err != nil {
			errs = append(errs, err)
		}
		if err := netlink.ClassDel(htbClass(ls.index, h.Minor, rules.Shaping{})); err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindOSAPI, "delete htb class 1:%x", h.Minor))
		}
	}
	if ls.flows == 0 {
		c.teardownLocked(h.Key.Adapter, ls)
	}
	return errors.Join(errs...)
}

func (c *NetlinkController) linkLocked(name string) (*linkState, error) {
	if ls, ok := c.links[name]; ok {
		return ls, nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindOSAPI, "interface %s not found", name)
	}
	ls := &linkState{index: link.Attrs().Index}
	c.links[name] = ls
	return ls, nil
}

func (c *NetlinkController) ensureRootLocked(ls *linkState) error {
	if ls.htb {
		return nil
	}
	root := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: ls.index,
		Parent:    netlink.HANDLE_ROOT,
		Handle:    netlink.MakeHandle(1, 0),
	})
	if err := netlink.QdiscReplace(root); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "install root htb qdisc")
	}
	ls.htb = true
	return nil
}

func (c *NetlinkController) ensureIngressLocked(ls *linkState) error {
	if ls.ingress {
		return nil
	}
	ingress := &netlink.Ingress{QdiscAttrs: netlink.QdiscAttrs{
		LinkIndex: ls.index,
		Parent:    netlink.HANDLE_INGRESS,
		Handle:    netlink.MakeHandle(0xffff, 0),
	}}
	if err := netlink.QdiscReplace(ingress); err != nil {
		return errors.Wrap(err, errors.KindOSAPI, "install ingress qdisc")
	}
	ls.ingress = true
	return nil
}

func (c *NetlinkController) teardownLocked(name string, ls *linkState) {
	if ls.htb {
		root := netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: ls.index,
			Parent:    netlink.HANDLE_ROOT,
			Handle:    netlink.MakeHandle(1, 0),
		})
		if err := netlink.QdiscDel(root); err != nil {
			c.logger.Warn("failed to remove root qdisc", "adapter", name, "error", err)
		}
	}
	if ls.ingress {
		ingress := &netlink.Ingress{QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ls.index,
			Parent:    netlink.HANDLE_INGRESS,
			Handle:    netlink.MakeHandle(0xffff, 0),
		}}
		if err := netlink.QdiscDel(ingress); err != nil {
			c.logger.Warn("failed to remove ingress qdisc", "adapter", name, "error", err)
		}
	}
	delete(c.links, name)
}

func htbClass(index int, minor uint16, s rules.Shaping) *netlink.HtbClass {
	rate := uint64(s.BandwidthBytesPerSec)
	if rate == 0 {
		rate = LineRateBytesPerSec
	}
	// HTB rates are expressed in bits per second.
	return netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: index,
		Parent:    netlink.MakeHandle(1, 0),
		Handle:    netlink.MakeHandle(1, minor),
	}, netlink.HtbClassAttrs{
		Rate: rate * 8,
		Ceil: rate * 8,
	})
}

// The fw classifier is driven through tc: netlink's FilterAdd drops the
// handle and classid attributes for fw filters.
func addMarkFilter(dev string, h Handle) error {
	cmd := exec.Command("tc", "filter", "add", "dev", dev,
		"parent", "1:0",
		"protocol", "ip",
		"prio", fmt.Sprintf("%d", h.Minor),
		"handle", fmt.Sprintf("0x%x", h.Mark),
		"fw",
		"classid", fmt.Sprintf("1:%x", h.Minor),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindOSAPI, "add fwmark filter 0x%x", h.Mark), "output", string(out))
	}
	return nil
}

func delMarkFilter(dev string, h Handle) error {
	cmd := exec.Command("tc", "filter", "del", "dev", dev,
		"parent", "1:0",
		"prio", fmt.Sprintf("%d", h.Minor),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindOSAPI, "delete fwmark filter 0x%x", h.Mark), "output", string(out))
	}
	return nil
}
