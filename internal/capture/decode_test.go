// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/testutil"
)

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		dir   rules.Direction
		proto rules.Protocol
		src   string
		sport uint16
		dport uint16
	}{
		{
			name:  "ipv4 udp",
			data:  testutil.IPv4UDP(t, "192.168.1.10", "203.0.113.5", 50000, 27015, []byte("hello")),
			dir:   rules.Outbound,
			proto: rules.ProtoUDP,
			src:   "192.168.1.10",
			sport: 50000,
			dport: 27015,
		},
		{
			name:  "ipv4 tcp",
			data:  testutil.IPv4TCP(t, "203.0.113.5", "192.168.1.10", 443, 51000, nil),
			dir:   rules.Inbound,
			proto: rules.ProtoTCP,
			src:   "203.0.113.5",
			sport: 443,
			dport: 51000,
		},
		{
			name:  "ipv6 udp",
			data:  testutil.IPv6UDP(t, "2001:db8::1", "2001:db8::2", 5353, 53, []byte{1, 2, 3}),
			dir:   rules.Outbound,
			proto: rules.ProtoUDP,
			src:   "2001:db8::1",
			sport: 5353,
			dport: 53,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := DecodeHeader(tt.data, tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.dir, h.Direction)
			assert.Equal(t, tt.proto, h.Protocol)
			assert.Equal(t, netip.MustParseAddr(tt.src), h.SrcIP)
			assert.Equal(t, tt.sport, h.SrcPort)
			assert.Equal(t, tt.dport, h.DstPort)
			assert.Equal(t, len(tt.data), h.Length)
		})
	}
}

func TestDecodeHeaderMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {0x00, 0x01}, {0x45, 0x00}} {
		_, err := DecodeHeader(data, rules.Outbound)
		require.Error(t, err)
		assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	}
}
