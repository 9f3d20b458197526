// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package qos

import (
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// NetlinkController is unavailable off Linux; every flow is rejected, so rules degrade to passthrough.
type NetlinkController struct{}

// NewNetlinkController creates a controller (Stub).
func NewNetlinkController(logger *logging.Logger) *NetlinkController {
	return &NetlinkController{}
}

func (c *NetlinkController) Open(key FlowKey, s rules.Shaping) (Handle, error) {
	return Handle{}, errors.New(errors.KindOSAPI, "qos not supported")
}

func (c *NetlinkController) Modify(h Handle, s rules.Shaping) error {
	return errors.New(errors.KindOSAPI, "qos not supported")
}

func (c *NetlinkController) Close(h Handle) error {
	return errors.New(errors.KindOSAPI, "qos not supported")
}
