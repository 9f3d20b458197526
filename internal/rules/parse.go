// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"net/netip"
	"strconv"
	"strings"

	"grimm.is/netshape/internal/errors"
)

var bandwidthUnits = []struct {
	suffix string
	// bytes per second for one unit
	factor float64
}{
	{"gbit", 125_000_000},
	{"mbit", 125_000},
	{"kbit", 125},
	{"bit", 0.125},
	{"gbps", 125_000_000},
	{"mbps", 125_000},
	{"kbps", 125},
	{"gb", 1_000_000_000},
	{"mb", 1_000_000},
	{"kb", 1_000},
	{"b", 1},
}

// ParseBandwidth parses a rate such as "1mbit", "500kbit" or a bare byte count
// per second ("125000"). Empty and "0" mean uncapped.
func ParseBandwidth(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "/s")
	if v == "" {
		return 0, nil
	}
	factor := 1.0
	for _, u := range bandwidthUnits {
		if strings.HasSuffix(v, u.suffix) {
			factor = u.factor
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, errors.Attr(errors.Errorf(errors.KindConfig, "invalid bandwidth %q", s), "field", "bandwidth")
	}
	bps := int64(n * factor)
	if n > 0 && bps == 0 {
		bps = 1
	}
	return bps, nil
}

// ParsePortRange parses "80" or "1000-2000". Empty means any port.
func ParsePortRange(s string) (PortRange, error) {
	v := strings.TrimSpace(s)
	if v == "" || v == "*" || v == "any" {
		return PortRange{}, nil
	}
	lo, hi, isRange := strings.Cut(v, "-")
	l, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil || l == 0 {
		return PortRange{}, errors.Errorf(errors.KindConfig, "invalid port range %q", s)
	}
	h := l
	if isRange {
		h, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil || h == 0 {
			return PortRange{}, errors.Errorf(errors.KindConfig, "invalid port range %q", s)
		}
	}
	if l > h {
		return PortRange{}, errors.Errorf(errors.KindConfig, "port range %q is inverted", s)
	}
	return PortRange{Lo: uint16(l), Hi: uint16(h)}, nil
}

// ParsePrefix parses a CIDR or single address. Empty means any address.
func ParsePrefix(s string) (netip.Prefix, error) {
	v := strings.TrimSpace(s)
	if v == "" || v == "any" {
		return netip.Prefix{}, nil
	}
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, errors.Attr(errors.Wrapf(err, errors.KindConfig, "invalid remote cidr %q", s), "field", "remote_cidr")
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, errors.Attr(errors.Wrapf(err, errors.KindConfig, "invalid remote address %q", s), "field", "remote_cidr")
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
