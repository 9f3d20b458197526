// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/rules"
)

// Source reports pipeline state sampled at scrape time.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Snapshot is a point-in-time view of the counters owned by other components.
type Snapshot struct {
	Pending               int
	DegradedRules         int
	ArenaHeapFallbacks    uint64
	ArenaReclaims         uint64
	RecorderDropped       uint64
	RecorderWriteFailures uint64
	Rules                 []RuleSample
}

// RuleSample carries cumulative per-rule counters used for rate gauges.
type RuleSample struct {
	Rule           rules.ID
	Delivered      uint64
	DeliveredBytes uint64
}

// Metrics holds the pipeline's Prometheus metrics. Packet and fault
// counters are incremented live; everything else is read from the Source
// on each scrape.
type Metrics struct {
	Packets       *prometheus.CounterVec
	AdapterFaults *prometheus.CounterVec

	source     Source
	queueTable string
	logger     *logging.Logger
	now        func() time.Time

	pending       *prometheus.Desc
	degraded      *prometheus.Desc
	heapFallbacks *prometheus.Desc
	reclaims      *prometheus.Desc
	recDropped    *prometheus.Desc
	recFailures   *prometheus.Desc
	packetRate    *prometheus.Desc
	byteRate      *prometheus.Desc
	queued        *prometheus.Desc
	queuedBytes   *prometheus.Desc

	mu    sync.Mutex
	rates map[rules.ID]rateSample
}

// New creates the metrics for src. src may be nil, in which case only the
// live counters are exported.
func New(src Source, logger *logging.Logger) *Metrics {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netshape_packets_total",
			Help: "Packets handled per rule, by outcome",
		}, []string{"rule", "outcome"}),
		AdapterFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netshape_adapter_faults_total",
			Help: "Capture failures that stopped an adapter",
		}, []string{"adapter"}),

		source: src,
		logger: logger,
		now:    time.Now,
		rates:  make(map[rules.ID]rateSample),

		pending: prometheus.NewDesc("netshape_pending_packets",
			"Packets held by the scheduler", nil, nil),
		degraded: prometheus.NewDesc("netshape_degraded_rules",
			"Active rules running without a QoS flow", nil, nil),
		heapFallbacks: prometheus.NewDesc("netshape_arena_heap_fallbacks_total",
			"Payload allocations served from the heap", nil, nil),
		reclaims: prometheus.NewDesc("netshape_arena_reclaims_total",
			"Arena generations reclaimed", nil, nil),
		recDropped: prometheus.NewDesc("netshape_recorder_dropped_total",
			"Event log entries discarded", nil, nil),
		recFailures: prometheus.NewDesc("netshape_recorder_write_failures_total",
			"Event log chunk writes that failed", nil, nil),
		packetRate: prometheus.NewDesc("netshape_rule_delivered_packets_per_second",
			"Delivery rate per rule since the previous scrape", []string{"rule"}, nil),
		byteRate: prometheus.NewDesc("netshape_rule_delivered_bytes_per_second",
			"Delivered bytes per second per rule since the previous scrape", []string{"rule"}, nil),
		queued: prometheus.NewDesc("netshape_queued_packets_total",
			"Packets diverted into the capture queue by the firewall", []string{"adapter", "direction"}, nil),
		queuedBytes: prometheus.NewDesc("netshape_queued_bytes_total",
			"Bytes diverted into the capture queue by the firewall", []string{"adapter", "direction"}, nil),
	}
}

// WithQueueTable enables export of the firewall queue counters kept in the
// named nftables table.
func (m *Metrics) WithQueueTable(table string) *Metrics {
	m.queueTable = table
	return m
}

func ruleLabel(id rules.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Packet counts one packet outcome for a rule.
func (m *Metrics) Packet(rule rules.ID, outcome string) {
	m.Packets.WithLabelValues(ruleLabel(rule), outcome).Inc()
}

// AdapterFault counts a capture failure.
func (m *Metrics) AdapterFault(adapter string) {
	m.AdapterFaults.WithLabelValues(adapter).Inc()
}

// ForgetRule drops every series labelled with a removed rule.
func (m *Metrics) ForgetRule(rule rules.ID) {
	m.Packets.DeletePartialMatch(prometheus.Labels{"rule": ruleLabel(rule)})
	m.mu.Lock()
	delete(m.rates, rule)
	m.mu.Unlock()
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Packets.Describe(ch)
	m.AdapterFaults.Describe(ch)
	ch <- m.pending
	ch <- m.degraded
	ch <- m.heapFallbacks
	ch <- m.reclaims
	ch <- m.recDropped
	ch <- m.recFailures
	ch <- m.packetRate
	ch <- m.byteRate
	ch <- m.queued
	ch <- m.queuedBytes
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Packets.Collect(ch)
	m.AdapterFaults.Collect(ch)

	if m.source != nil {
		snap := m.source.MetricsSnapshot()
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
		}
		gauge(m.pending, float64(snap.Pending))
		gauge(m.degraded, float64(snap.DegradedRules))
		counter(m.heapFallbacks, snap.ArenaHeapFallbacks)
		counter(m.reclaims, snap.ArenaReclaims)
		counter(m.recDropped, snap.RecorderDropped)
		counter(m.recFailures, snap.RecorderWriteFailures)

		for _, r := range m.updateRates(snap.Rules) {
			gauge(m.packetRate, r.packets, ruleLabel(r.rule))
			gauge(m.byteRate, r.bytes, ruleLabel(r.rule))
		}
	}

	if m.queueTable != "" {
		counters, err := collectQueueCounters(m.queueTable)
		if err != nil {
			m.logger.WithError(err).Debug("queue counters unavailable", "table", m.queueTable)
			return
		}
		for key, c := range counters {
			ch <- prometheus.MustNewConstMetric(m.queued, prometheus.CounterValue, float64(c.Packets), key.Adapter, key.Direction.String())
			ch <- prometheus.MustNewConstMetric(m.queuedBytes, prometheus.CounterValue, float64(c.Bytes), key.Adapter, key.Direction.String())
		}
	}
}

// Register registers m with reg, or the default registry when reg is nil.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(m)
}
