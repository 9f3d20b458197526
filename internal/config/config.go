// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the netshape configuration from HCL, JSON or YAML
// and converts it into component settings.
package config

import "grimm.is/netshape/internal/arena"

// Config is the top-level structure of a netshape configuration file.
type Config struct {
	Adapters  []AdapterBlock  `hcl:"adapter,block" json:"adapter,omitempty" yaml:"adapter,omitempty"`
	Arena     *ArenaBlock     `hcl:"arena,block" json:"arena,omitempty" yaml:"arena,omitempty"`
	Scheduler *SchedulerBlock `hcl:"scheduler,block" json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Recorder  *RecorderBlock  `hcl:"recorder,block" json:"recorder,omitempty" yaml:"recorder,omitempty"`
	API       *APIBlock       `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
	State     *StateBlock     `hcl:"state,block" json:"state,omitempty" yaml:"state,omitempty"`
	Logging   *LoggingBlock   `hcl:"logging,block" json:"logging,omitempty" yaml:"logging,omitempty"`
	Rules     []RuleBlock     `hcl:"rule,block" json:"rule,omitempty" yaml:"rule,omitempty"`
}

// AdapterBlock configures one capture adapter.
type AdapterBlock struct {
	// Name is the network interface, or a free label for pcap replay.
	Name string `hcl:"name,label" json:"name" yaml:"name"`
	// Type selects the adapter implementation.
	// @enum: nfqueue, pcap
	// @default: "nfqueue"
	Type string `hcl:"type,optional" json:"type,omitempty" yaml:"type,omitempty"`

	// nfqueue
	QueueNum    int    `hcl:"queue_num,optional" json:"queue_num,omitempty" yaml:"queue_num,omitempty"`
	DupMark     int    `hcl:"dup_mark,optional" json:"dup_mark,omitempty" yaml:"dup_mark,omitempty"`
	MaxQueueLen int    `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty" yaml:"max_queue_len,omitempty"`
	Table       string `hcl:"table,optional" json:"table,omitempty" yaml:"table,omitempty"`

	// pcap
	Input    string  `hcl:"input,optional" json:"input,omitempty" yaml:"input,omitempty"`
	Output   string  `hcl:"output,optional" json:"output,omitempty" yaml:"output,omitempty"`
	Speed    float64 `hcl:"speed,optional" json:"speed,omitempty" yaml:"speed,omitempty"`
	LocalNet string  `hcl:"local_net,optional" json:"local_net,omitempty" yaml:"local_net,omitempty"`
}

// ArenaBlock sizes the payload arena.
type ArenaBlock struct {
	// @default: 4194304
	BlockSize int `hcl:"block_size,optional" json:"block_size,omitempty" yaml:"block_size,omitempty"`
	// Hard cap on arena memory, at least two blocks.
	// @default: 16777216
	Ceiling int `hcl:"ceiling,optional" json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
}

// SchedulerBlock tunes the delivery scheduler.
type SchedulerBlock struct {
	// Seed for loss, duplication and jitter. Zero picks a random seed.
	Seed                 int64 `hcl:"seed,optional" json:"seed,omitempty" yaml:"seed,omitempty"`
	DefaultMaxQueueDepth int   `hcl:"default_max_queue_depth,optional" json:"default_max_queue_depth,omitempty" yaml:"default_max_queue_depth,omitempty"`
	// How often a partly used arena generation is sealed for reclaim.
	// @default: "1s"
	RetireInterval string `hcl:"retire_interval,optional" json:"retire_interval,omitempty" yaml:"retire_interval,omitempty"`
}

// RecorderBlock configures the event log.
type RecorderBlock struct {
	// Empty disables the event log.
	Path       string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `hcl:"max_backups,optional" json:"max_backups,omitempty" yaml:"max_backups,omitempty"`

	QueueSize     int    `hcl:"queue_size,optional" json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	ChunkEntries  int    `hcl:"chunk_entries,optional" json:"chunk_entries,omitempty" yaml:"chunk_entries,omitempty"`
	FlushInterval string `hcl:"flush_interval,optional" json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	// @enum: none, s2, lz4, zstd
	// @default: "s2"
	Codec          string `hcl:"codec,optional" json:"codec,omitempty" yaml:"codec,omitempty"`
	CapturePayload bool   `hcl:"capture_payload,optional" json:"capture_payload,omitempty" yaml:"capture_payload,omitempty"`
	SnapLen        int    `hcl:"snap_len,optional" json:"snap_len,omitempty" yaml:"snap_len,omitempty"`
	LogPassthrough bool   `hcl:"log_passthrough,optional" json:"log_passthrough,omitempty" yaml:"log_passthrough,omitempty"`
}

// APIBlock configures the HTTP control surface.
type APIBlock struct {
	// Empty disables the API.
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
}

// StateBlock configures the rule history database.
type StateBlock struct {
	// Empty disables rule history.
	Path string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingBlock configures the process logger.
type LoggingBlock struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
}

// RuleBlock is a shaping rule as written in the file.
type RuleBlock struct {
	Name      string `hcl:"name,label" json:"name" yaml:"name"`
	Adapter   string `hcl:"adapter,optional" json:"adapter,omitempty" yaml:"adapter,omitempty"`
	Direction string `hcl:"direction,optional" json:"direction,omitempty" yaml:"direction,omitempty"`

	Protocol    string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	LocalPorts  string `hcl:"local_ports,optional" json:"local_ports,omitempty" yaml:"local_ports,omitempty"`
	RemotePorts string `hcl:"remote_ports,optional" json:"remote_ports,omitempty" yaml:"remote_ports,omitempty"`
	RemoteCIDR  string `hcl:"remote_cidr,optional" json:"remote_cidr,omitempty" yaml:"remote_cidr,omitempty"`
	Process     string `hcl:"process,optional" json:"process,omitempty" yaml:"process,omitempty"`

	Latency            string  `hcl:"latency,optional" json:"latency,omitempty" yaml:"latency,omitempty"`
	Jitter             string  `hcl:"jitter,optional" json:"jitter,omitempty" yaml:"jitter,omitempty"`
	JitterDistribution string  `hcl:"jitter_distribution,optional" json:"jitter_distribution,omitempty" yaml:"jitter_distribution,omitempty"`
	Loss               float64 `hcl:"loss,optional" json:"loss,omitempty" yaml:"loss,omitempty"`
	Duplicate          float64 `hcl:"duplicate,optional" json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
	Bandwidth          string  `hcl:"bandwidth,optional" json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	BurstBytes         int64   `hcl:"burst_bytes,optional" json:"burst_bytes,omitempty" yaml:"burst_bytes,omitempty"`
	MaxQueueDepth      int     `hcl:"max_queue_depth,optional" json:"max_queue_depth,omitempty" yaml:"max_queue_depth,omitempty"`
	MaxQueueDelay      string  `hcl:"max_queue_delay,optional" json:"max_queue_delay,omitempty" yaml:"max_queue_delay,omitempty"`
	Reorder            bool    `hcl:"reorder,optional" json:"reorder,omitempty" yaml:"reorder,omitempty"`
	// @enum: deliver, drop
	Drain string `hcl:"drain,optional" json:"drain,omitempty" yaml:"drain,omitempty"`
	// @enum: drop-oldest, drop-newest
	Overflow string `hcl:"overflow,optional" json:"overflow,omitempty" yaml:"overflow,omitempty"`
}

// Adapter types.
const (
	AdapterNFQueue = "nfqueue"
	AdapterPcap    = "pcap"
)

// Default returns a configuration with every block present and set to
// its defaults, and no adapters or rules.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults creates missing blocks and fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Arena == nil {
		c.Arena = &ArenaBlock{}
	}
	if c.Arena.BlockSize == 0 {
		c.Arena.BlockSize = arena.DefaultBlockSize
	}
	if c.Arena.Ceiling == 0 {
		c.Arena.Ceiling = max(arena.DefaultCeiling, 2*c.Arena.BlockSize)
	}
	if c.Scheduler == nil {
		c.Scheduler = &SchedulerBlock{}
	}
	if c.Scheduler.RetireInterval == "" {
		c.Scheduler.RetireInterval = "1s"
	}
	if c.Recorder == nil {
		c.Recorder = &RecorderBlock{}
	}
	if c.Recorder.MaxSizeMB == 0 {
		c.Recorder.MaxSizeMB = 64
	}
	if c.Recorder.MaxBackups == 0 {
		c.Recorder.MaxBackups = 4
	}
	if c.Recorder.Codec == "" {
		c.Recorder.Codec = "s2"
	}
	if c.API == nil {
		c.API = &APIBlock{}
	}
	if c.State == nil {
		c.State = &StateBlock{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingBlock{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Adapters {
		if c.Adapters[i].Type == "" {
			c.Adapters[i].Type = AdapterNFQueue
		}
	}
}
