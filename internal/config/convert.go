// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net/netip"
	"strconv"
	"time"

	"grimm.is/netshape/internal/arena"
	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/scheduler"
)

func fieldErr(err error, field string) error {
	if _, ok := errors.GetAttributes(err)["field"]; ok {
		return err
	}
	return errors.Attr(errors.Wrap(err, errors.KindConfig, "invalid "+field), "field", field)
}

func durationField(s, field string) (time.Duration, error) {
	d, err := parseDuration(s)
	if err != nil {
		return 0, fieldErr(err, field)
	}
	return d, nil
}

// Spec converts the block into a validated rule spec.
func (r RuleBlock) Spec() (rules.Spec, error) {
	var err error
	spec := rules.Spec{Name: r.Name, Adapter: r.Adapter}

	if spec.Direction, err = rules.ParseDirection(r.Direction); err != nil {
		return spec, fieldErr(err, "direction")
	}

	m := &spec.Match
	if m.Protocol, err = rules.ParseProtocol(r.Protocol); err != nil {
		return spec, fieldErr(err, "protocol")
	}
	if m.LocalPorts, err = rules.ParsePortRange(r.LocalPorts); err != nil {
		return spec, fieldErr(err, "local_ports")
	}
	if m.RemotePorts, err = rules.ParsePortRange(r.RemotePorts); err != nil {
		return spec, fieldErr(err, "remote_ports")
	}
	if m.RemotePrefix, err = rules.ParsePrefix(r.RemoteCIDR); err != nil {
		return spec, fieldErr(err, "remote_cidr")
	}
	m.Process = r.Process

	sh := &spec.Shaping
	if sh.Latency, err = durationField(r.Latency, "latency"); err != nil {
		return spec, err
	}
	if sh.Jitter, err = durationField(r.Jitter, "jitter"); err != nil {
		return spec, err
	}
	if sh.Distribution, err = rules.DistributionByName(r.JitterDistribution); err != nil {
		return spec, fieldErr(err, "jitter_distribution")
	}
	sh.Loss = r.Loss
	sh.Duplicate = r.Duplicate
	if sh.BandwidthBytesPerSec, err = rules.ParseBandwidth(r.Bandwidth); err != nil {
		return spec, fieldErr(err, "bandwidth")
	}
	sh.BurstBytes = r.BurstBytes
	sh.MaxQueueDepth = r.MaxQueueDepth
	if sh.MaxQueueDelay, err = durationField(r.MaxQueueDelay, "max_queue_delay"); err != nil {
		return spec, err
	}
	sh.Reorder = r.Reorder
	if sh.Drain, err = rules.ParseDrainPolicy(r.Drain); err != nil {
		return spec, fieldErr(err, "drain")
	}
	if sh.Overflow, err = rules.ParseOverflowPolicy(r.Overflow); err != nil {
		return spec, fieldErr(err, "overflow")
	}

	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

// RuleBlockFromSpec renders spec in the form Spec accepts.
func RuleBlockFromSpec(spec rules.Spec) RuleBlock {
	m, sh := spec.Match, spec.Shaping
	rb := RuleBlock{
		Name:          spec.Name,
		Adapter:       spec.Adapter,
		Direction:     spec.Direction.String(),
		Protocol:      m.Protocol.String(),
		LocalPorts:    m.LocalPorts.String(),
		RemotePorts:   m.RemotePorts.String(),
		Process:       m.Process,
		Loss:          sh.Loss,
		Duplicate:     sh.Duplicate,
		BurstBytes:    sh.BurstBytes,
		MaxQueueDepth: sh.MaxQueueDepth,
		Reorder:       sh.Reorder,
		Drain:         sh.Drain.String(),
		Overflow:      sh.Overflow.String(),
	}
	if m.RemotePrefix.IsValid() {
		rb.RemoteCIDR = m.RemotePrefix.String()
	}
	if sh.Latency > 0 {
		rb.Latency = sh.Latency.String()
	}
	if sh.Jitter > 0 {
		rb.Jitter = sh.Jitter.String()
	}
	if sh.Distribution != nil {
		rb.JitterDistribution = sh.Distribution.Name()
	}
	if sh.BandwidthBytesPerSec > 0 {
		rb.Bandwidth = strconv.FormatInt(sh.BandwidthBytesPerSec, 10)
	}
	if sh.MaxQueueDelay > 0 {
		rb.MaxQueueDelay = sh.MaxQueueDelay.String()
	}
	return rb
}

// RuleSpecs converts every rule block, in file order.
func (c *Config) RuleSpecs() ([]rules.Spec, error) {
	specs := make([]rules.Spec, 0, len(c.Rules))
	for _, rb := range c.Rules {
		spec, err := rb.Spec()
		if err != nil {
			return nil, errors.Attr(err, "rule", rb.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ArenaConfig converts the arena block.
func (c *Config) ArenaConfig() arena.Config {
	return arena.Config{BlockSize: c.Arena.BlockSize, Ceiling: c.Arena.Ceiling}
}

// SchedulerConfig converts the scheduler block.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Seed:                 uint64(c.Scheduler.Seed),
		DefaultMaxQueueDepth: c.Scheduler.DefaultMaxQueueDepth,
	}
}

// RetireInterval returns the arena maintenance interval.
func (c *Config) RetireInterval() time.Duration {
	d, _ := parseDuration(c.Scheduler.RetireInterval)
	return d
}

// RecorderConfig converts the recorder block.
func (c *Config) RecorderConfig() (recorder.Config, error) {
	r := c.Recorder
	codec, err := recorder.ParseCodec(r.Codec)
	if err != nil {
		return recorder.Config{}, err
	}
	flush, err := durationField(r.FlushInterval, "flush_interval")
	if err != nil {
		return recorder.Config{}, err
	}
	return recorder.Config{
		QueueSize:      r.QueueSize,
		ChunkEntries:   r.ChunkEntries,
		FlushInterval:  flush,
		Codec:          codec,
		CapturePayload: r.CapturePayload,
		SnapLen:        r.SnapLen,
	}, nil
}

// NFQueueConfig converts an nfqueue adapter block, keeping defaults for unset values.
func (a AdapterBlock) NFQueueConfig() capture.NFQueueConfig {
	cfg := capture.DefaultNFQueueConfig(a.Name)
	if a.QueueNum != 0 {
		cfg.QueueNum = uint16(a.QueueNum)
	}
	if a.DupMark != 0 {
		cfg.DupMark = uint32(a.DupMark)
	}
	if a.MaxQueueLen != 0 {
		cfg.MaxQueueLen = uint32(a.MaxQueueLen)
	}
	if a.Table != "" {
		cfg.Table = a.Table
	}
	return cfg
}

// PcapConfig converts a pcap adapter block.
func (a AdapterBlock) PcapConfig() (capture.PcapConfig, error) {
	local, err := a.localNet()
	if err != nil {
		return capture.PcapConfig{}, err
	}
	return capture.PcapConfig{
		Name:      a.Name,
		Speed:     a.Speed,
		LocalNet:  local,
		Direction: rules.Outbound,
	}, nil
}

func (a AdapterBlock) localNet() (netip.Prefix, error) {
	if a.LocalNet == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(a.LocalNet)
	if err != nil {
		return netip.Prefix{}, fieldErr(err, "local_net")
	}
	return p.Masked(), nil
}
