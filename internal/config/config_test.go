// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/rules"
)

const sampleHCL = `
adapter "eth0" {
  queue_num = 7
  dup_mark  = 20000
}

adapter "replay" {
  type      = "pcap"
  input     = "in.pcap"
  output    = "out.pcap"
  local_net = "10.0.0.0/8"
}

arena {
  block_size = 1048576
  ceiling    = 4194304
}

scheduler {
  seed                    = 7
  default_max_queue_depth = 512
}

recorder {
  path          = "/tmp/events.nslog"
  codec         = "zstd"
  chunk_entries = 256
}

api {
  listen = "127.0.0.1:7070"
}

rule "game-lag" {
  adapter             = "eth0"
  direction           = "outbound"
  protocol            = "udp"
  remote_ports        = "27000-27100"
  remote_cidr         = "0.0.0.0/0"
  process             = "game.exe"
  latency             = "50ms"
  jitter              = "5ms"
  jitter_distribution = "normal"
  loss                = 0.01
  bandwidth           = "1mbit"
  overflow            = "drop-newest"
}

rule "slow-dns" {
  protocol     = "udp"
  remote_ports = "53"
  latency      = "200ms"
  drain        = "drop"
}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHCLFile(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "netshape.hcl", sampleHCL))
	require.NoError(t, err)

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, AdapterNFQueue, cfg.Adapters[0].Type)
	nfq := cfg.Adapters[0].NFQueueConfig()
	assert.Equal(t, uint16(7), nfq.QueueNum)
	assert.Equal(t, uint32(20000), nfq.DupMark)
	assert.Equal(t, "netshape", nfq.Table)

	pc, err := cfg.Adapters[1].PcapConfig()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", pc.LocalNet.String())

	assert.Equal(t, 1048576, cfg.ArenaConfig().BlockSize)
	assert.Equal(t, uint64(7), cfg.SchedulerConfig().Seed)
	assert.Equal(t, time.Second, cfg.RetireInterval())

	rc, err := cfg.RecorderConfig()
	require.NoError(t, err)
	assert.Equal(t, recorder.CodecZstd, rc.Codec)
	assert.Equal(t, 256, rc.ChunkEntries)
	assert.Equal(t, 4, cfg.Recorder.MaxBackups, "default applied")

	specs, err := cfg.RuleSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	game := specs[0]
	assert.Equal(t, rules.Outbound, game.Direction)
	assert.Equal(t, rules.ProtoUDP, game.Match.Protocol)
	assert.Equal(t, rules.PortRange{Lo: 27000, Hi: 27100}, game.Match.RemotePorts)
	assert.Equal(t, "game.exe", game.Match.Process)
	assert.Equal(t, 50*time.Millisecond, game.Shaping.Latency)
	assert.Equal(t, "normal", game.Shaping.Distribution.Name())
	assert.Equal(t, int64(125000), game.Shaping.BandwidthBytesPerSec)
	assert.Equal(t, rules.OverflowDropNewest, game.Shaping.Overflow)

	dns := specs[1]
	assert.Equal(t, rules.AnyDirection, dns.Direction)
	assert.Equal(t, rules.DrainDrop, dns.Shaping.Drain)
	assert.Equal(t, "uniform", dns.Shaping.Distribution.Name())
}

func TestLoadJSONAndYAML(t *testing.T) {
	jsonCfg := `{
  "adapter": [{"name": "eth0"}],
  "rule": [{"name": "lag", "protocol": "tcp", "latency": "20ms", "loss": 0.5}]
}`
	yamlCfg := `
adapter:
  - name: eth0
rule:
  - name: lag
    protocol: tcp
    latency: 20ms
    loss: 0.5
`
	for name, content := range map[string]string{"c.json": jsonCfg, "c.yaml": yamlCfg, "c.conf": jsonCfg} {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadFile(writeFile(t, name, content))
			require.NoError(t, err)
			specs, err := cfg.RuleSpecs()
			require.NoError(t, err)
			require.Len(t, specs, 1)
			assert.Equal(t, rules.ProtoTCP, specs[0].Match.Protocol)
			assert.Equal(t, 20*time.Millisecond, specs[0].Shaping.Latency)
			assert.Equal(t, 0.5, specs[0].Shaping.Loss)
			assert.Equal(t, AdapterNFQueue, cfg.Adapters[0].Type)
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFile(writeFile(t, "c.json", `{"rules": []}`))
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))

	_, err = LoadFile(writeFile(t, "c.hcl", `bogus { }`))
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
}

func TestValidateReportsField(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"loss out of range", `rule "x" { loss = 1.5 }`, "rule.x.loss"},
		{"bad latency", `rule "x" { latency = "soon" }`, "rule.x.latency"},
		{"bad ports", `rule "x" { remote_ports = "9-1" }`, "rule.x.remote_ports"},
		{"bad distribution", `rule "x" { jitter_distribution = "zipf" }`, "rule.x.jitter_distribution"},
		{"bad bandwidth", `rule "x" { bandwidth = "fast" }`, "rule.x.bandwidth"},
		{"duplicate rule", "rule \"x\" {}\nrule \"x\" {}", "rule.x"},
		{"arena ceiling", "arena {\n  block_size = 1024\n  ceiling = 1500\n}", "arena.ceiling"},
		{"codec", `recorder { codec = "brotli" }`, "recorder.codec"},
		{"snap len", `recorder { snap_len = 70000 }`, "recorder.snap_len"},
		{"adapter type", `adapter "a" { type = "tap" }`, "adapter.a.type"},
		{"pcap input", `adapter "a" { type = "pcap" }`, "adapter.a.input"},
		{"log level", `logging { level = "loud" }`, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadHCL([]byte(tt.body), "test.hcl")
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindConfig, errors.GetKind(err))
			assert.Equal(t, tt.field, errors.GetAttributes(err)["field"])
		})
	}
}

func TestGenerateHCLRoundTrip(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "sample.hcl")
	require.NoError(t, err)

	out := GenerateHCL(cfg)
	again, err := LoadHCL(out, "generated.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "s2", cfg.Recorder.Codec)
	assert.Empty(t, cfg.Rules)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestRuleBlockFromSpec(t *testing.T) {
	cfg, err := LoadHCL([]byte(sampleHCL), "sample.hcl")
	require.NoError(t, err)
	specs, err := cfg.RuleSpecs()
	require.NoError(t, err)

	for _, spec := range specs {
		rb := RuleBlockFromSpec(spec)
		again, err := rb.Spec()
		require.NoError(t, err)
		assert.Equal(t, spec.Match, again.Match)
		assert.Equal(t, spec.Direction, again.Direction)
		assert.Equal(t, spec.Shaping.Latency, again.Shaping.Latency)
		assert.Equal(t, spec.Shaping.BandwidthBytesPerSec, again.Shaping.BandwidthBytesPerSec)
		assert.Equal(t, spec.Shaping.Distribution.Name(), again.Shaping.Distribution.Name())
		assert.Equal(t, spec.Shaping.Overflow, again.Shaping.Overflow)
	}
}
