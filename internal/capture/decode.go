// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net/netip"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/netshape/internal/engine"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
)

type decoder struct {
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6

	v4, v6  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.v4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.udp, &d.icmp4)
	d.v6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip6, &d.tcp, &d.udp, &d.icmp6)
	d.v4.IgnoreUnsupported = true
	d.v6.IgnoreUnsupported = true
	return d
}

var decoders = sync.Pool{New: func() any { return newDecoder() }}

// DecodeHeader extracts the classification header from a raw IP datagram.
// Direction is supplied by the caller since it depends on the capture point.
func DecodeHeader(data []byte, dir rules.Direction) (engine.Header, error) {
	h := engine.Header{Direction: dir, Length: len(data)}
	if len(data) == 0 {
		return h, errors.New(errors.KindMalformed, "empty packet")
	}

	d := decoders.Get().(*decoder)
	defer decoders.Put(d)

	var parser *gopacket.DecodingLayerParser
	switch data[0] >> 4 {
	case 4:
		parser = d.v4
	case 6:
		parser = d.v6
	default:
		return h, errors.Errorf(errors.KindMalformed, "unknown ip version %d", data[0]>>4)
	}

	if err := parser.DecodeLayers(data, &d.decoded); err != nil {
		return h, errors.Wrap(err, errors.KindMalformed, "decode headers")
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			h.SrcIP, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
			h.DstIP, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
		case layers.LayerTypeIPv6:
			h.SrcIP, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			h.DstIP, _ = netip.AddrFromSlice(d.ip6.DstIP)
		case layers.LayerTypeTCP:
			h.Protocol = rules.ProtoTCP
			h.SrcPort = uint16(d.tcp.SrcPort)
			h.DstPort = uint16(d.tcp.DstPort)
		case layers.LayerTypeUDP:
			h.Protocol = rules.ProtoUDP
			h.SrcPort = uint16(d.udp.SrcPort)
			h.DstPort = uint16(d.udp.DstPort)
		case layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
			h.Protocol = rules.ProtoICMP
		}
	}
	if !h.SrcIP.IsValid() {
		return h, errors.New(errors.KindMalformed, "no network layer")
	}
	return h, nil
}
