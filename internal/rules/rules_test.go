// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr string
	}{
		{"defaults", func(*Spec) {}, ""},
		{"negative latency", func(s *Spec) { s.Shaping.Latency = -time.Millisecond }, "latency"},
		{"loss above one", func(s *Spec) { s.Shaping.Loss = 1.5 }, "loss"},
		{"loss exactly one", func(s *Spec) { s.Shaping.Loss = 1.0 }, ""},
		{"negative duplicate", func(s *Spec) { s.Shaping.Duplicate = -0.1 }, "duplicate"},
		{"negative bandwidth", func(s *Spec) { s.Shaping.BandwidthBytesPerSec = -1 }, "bandwidth"},
		{"inverted ports", func(s *Spec) { s.Match.RemotePorts = PortRange{Lo: 90, Hi: 80} }, "remote_ports"},
		{"icmp with ports", func(s *Spec) {
			s.Match.Protocol = ProtoICMP
			s.Match.LocalPorts = PortRange{Lo: 1, Hi: 1}
		}, "protocol"},
		{"bad overflow", func(s *Spec) { s.Shaping.Overflow = 9 }, "overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Spec{Name: "r"}
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, s.Shaping.Distribution)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.KindConfig, errors.GetKind(err))
			assert.Equal(t, tt.wantErr, errors.GetAttributes(err)["field"])
		})
	}
}

func TestValidateMasksPrefix(t *testing.T) {
	s := Spec{Match: Match{RemotePrefix: netip.MustParsePrefix("10.1.2.3/8")}}
	require.NoError(t, s.Validate())
	assert.Equal(t, "10.0.0.0/8", s.Match.RemotePrefix.String())
}

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"", 0, false},
		{"1mbit", 125_000, false},
		{"500kbit", 62_500, false},
		{"125000", 125_000, false},
		{"1.5mbit", 187_500, false},
		{"10 Mbps", 1_250_000, false},
		{"2kb/s", 2_000, false},
		{"fast", 0, true},
		{"-1mbit", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBandwidth(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseBandwidth(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBandwidth(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBandwidth(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParsePortRange(t *testing.T) {
	r, err := ParsePortRange("80")
	require.NoError(t, err)
	assert.Equal(t, PortRange{80, 80}, r)
	assert.True(t, r.Contains(80))
	assert.False(t, r.Contains(81))

	r, err = ParsePortRange("27000-27100")
	require.NoError(t, err)
	assert.True(t, r.Contains(27050))
	assert.Equal(t, "27000-27100", r.String())

	r, err = ParsePortRange("")
	require.NoError(t, err)
	assert.True(t, r.Any())
	assert.True(t, r.Contains(1))

	for _, bad := range []string{"0", "70000", "200-100", "a-b"} {
		_, err := ParsePortRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePrefix(t *testing.T) {
	p, err := ParsePrefix("192.168.1.7")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7/32", p.String())

	p, err = ParsePrefix("")
	require.NoError(t, err)
	assert.False(t, p.IsValid())

	_, err = ParsePrefix("300.1.1.1/8")
	assert.Error(t, err)
}

func TestDistributions(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	mean := 50 * time.Millisecond
	jitter := 5 * time.Millisecond

	for _, name := range DistributionNames() {
		d, err := DistributionByName(name)
		require.NoError(t, err)

		var sum time.Duration
		const n = 20000
		for i := 0; i < n; i++ {
			s := d.Sample(r, mean, jitter)
			if s < 0 {
				t.Fatalf("%s produced negative delay %v", name, s)
			}
			if name == "uniform" && (s < mean-jitter || s > mean+jitter) {
				t.Fatalf("uniform sample %v outside window", s)
			}
			sum += s
		}
		avg := sum / n
		switch name {
		case "pareto":
			assert.InDelta(t, float64(mean+jitter), float64(avg), float64(jitter), name)
		default:
			assert.InDelta(t, float64(mean), float64(avg), float64(time.Millisecond), name)
		}
		assert.Equal(t, mean, d.Sample(r, mean, 0), "zero jitter must be exact")
	}

	_, err := DistributionByName("gamma")
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
}

func TestRuleStatus(t *testing.T) {
	r := &Rule{ID: 1}
	assert.Equal(t, "active", r.Status())
	assert.True(t, r.Shaped())

	r.Degraded = true
	assert.Equal(t, StatusFlowRejected, r.Status())
	assert.True(t, r.Matchable())
	assert.False(t, r.Shaped())

	c := r.Clone()
	c.State = StateDraining
	assert.Equal(t, StateActive, r.State)
	assert.False(t, c.Matchable())
}
