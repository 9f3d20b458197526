// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shaper wires capture, classification, scheduling and recording
// into one engine and exposes its control surface.
package shaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/netshape/internal/arena"
	"grimm.is/netshape/internal/capture"
	"grimm.is/netshape/internal/clock"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/logging"
	"grimm.is/netshape/internal/metrics"
	"grimm.is/netshape/internal/qos"
	"grimm.is/netshape/internal/recorder"
	"grimm.is/netshape/internal/registry"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/scheduler"
	"grimm.is/netshape/internal/state"
)

// Config tunes the engine.
type Config struct {
	Arena     arena.Config
	Scheduler scheduler.Config
	// LogPassthrough records unmatched packets as observed.
	LogPassthrough bool
	// RetireInterval is how often a partly used arena generation is sealed
	// so its block can be reclaimed. Zero selects one second.
	RetireInterval time.Duration
	// QueueTable names the nftables table whose queue counters are exported.
	QueueTable string
}

// Deps are the engine's collaborators. Every field is optional.
type Deps struct {
	Clock      clock.Clock
	Controller qos.Controller
	Resolver   capture.Resolver
	Recorder   *recorder.Recorder
	History    *state.HistoryStore
	Logger     *logging.Logger
}

// Fault is an adapter failure that stopped its capture loop.
type Fault struct {
	Adapter string
	Err     error
	At      time.Time
}

// ruleCounters are engine-side per-rule counters the scheduler does not keep.
type ruleCounters struct {
	passthrough    atomic.Uint64
	deliveredBytes atomic.Uint64
}

// Engine is the concurrency coordinator. Its control methods are safe for
// concurrent use and never block on the packet path.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	logger *logging.Logger

	arena    *arena.Arena
	registry *registry.Registry
	sched    *scheduler.Scheduler
	recorder *recorder.Recorder
	history  *state.HistoryStore
	resolver capture.Resolver
	metrics  *metrics.Metrics
	session  string

	// ctl serializes rule mutations so removal runs as one sequence.
	ctl sync.Mutex

	mu       sync.RWMutex
	adapters map[string]capture.Adapter
	order    []string
	faults   []Fault
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	captured chan struct{}

	cmu      sync.RWMutex
	counters map[rules.ID]*ruleCounters
	final    map[rules.ID]scheduler.RuleStats

	wg sync.WaitGroup
}

// New builds an engine. Adapters are attached before Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("shaper")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.RetireInterval <= 0 {
		cfg.RetireInterval = time.Second
	}

	a, err := arena.New(cfg.Arena, logger.WithComponent("arena"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		arena:    a,
		registry: registry.New(deps.Controller, logger.WithComponent("registry")),
		recorder: deps.Recorder,
		history:  deps.History,
		resolver: deps.Resolver,
		adapters: make(map[string]capture.Adapter),
		counters: make(map[rules.ID]*ruleCounters),
		final:    make(map[rules.ID]scheduler.RuleStats),
		captured: make(chan struct{}),
	}

	schedCfg := cfg.Scheduler
	if schedCfg.Allocator == nil {
		schedCfg.Allocator = a
	}
	e.sched = scheduler.New(schedCfg, clk, deliverer{e}, logger.WithComponent("scheduler"))
	e.metrics = metrics.New(e, logger.WithComponent("metrics"))
	if cfg.QueueTable != "" {
		e.metrics.WithQueueTable(cfg.QueueTable)
	}

	if e.history != nil {
		id, err := e.history.BeginSession(clk.Now())
		if err != nil {
			logger.WithError(err).Warn("rule history unavailable")
			e.history = nil
		} else {
			e.session = id
		}
	}
	return e, nil
}

// Metrics returns the engine's Prometheus collector.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Session returns the history session id, empty when history is disabled.
func (e *Engine) Session() string { return e.session }

// AttachAdapter adds a packet source. The first adapter attached is the
// default target for packets that name no adapter.
func (e *Engine) AttachAdapter(a capture.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := a.Name()
	if _, ok := e.adapters[name]; !ok {
		e.order = append(e.order, name)
	}
	e.adapters[name] = a
	e.logger.Info("adapter attached", "adapter", name)
}

func (e *Engine) adapter(name string) capture.Adapter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if a, ok := e.adapters[name]; ok {
		return a
	}
	if len(e.order) > 0 {
		return e.adapters[e.order[0]]
	}
	return nil
}

type runner interface {
	Run(ctx context.Context)
}

// Start launches one capture loop per adapter, the scheduler, the recorder
// writer and background maintenance. They stop when ctx is done or Stop is
// called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New(errors.KindConflict, "engine already started")
	}
	if len(e.adapters) == 0 {
		e.mu.Unlock()
		return errors.New(errors.KindConfig, "no capture adapter attached")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	adapters := make([]capture.Adapter, 0, len(e.order))
	for _, name := range e.order {
		adapters = append(adapters, e.adapters[name])
	}
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.Start(context.WithoutCancel(ctx))
	}

	// The scheduler outlives the capture loops so it can flush what they queued.
	schedCtx, schedCancel := context.WithCancel(context.WithoutCancel(ctx))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := e.sched.Run(schedCtx); err != nil {
			e.logger.WithError(err).Error("scheduler stopped")
		}
	}()

	var captures sync.WaitGroup
	for _, a := range adapters {
		captures.Add(1)
		go func(a capture.Adapter) {
			defer captures.Done()
			e.captureLoop(runCtx, a)
		}(a)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.retireLoop(runCtx)
	}()
	if r, ok := e.resolver.(runner); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(runCtx)
		}()
	}

	go func() {
		captures.Wait()
		close(e.captured)
		<-runCtx.Done()
		schedCancel()
		<-schedDone
		close(e.done)
	}()

	e.logger.Info("engine started", "adapters", len(adapters), "session", e.session)
	return nil
}

// CaptureDone is closed once every capture loop has exited, either because
// its source ended or failed or because the engine is stopping.
func (e *Engine) CaptureDone() <-chan struct{} { return e.captured }

// Pending returns the number of packets held by the scheduler.
func (e *Engine) Pending() int { return e.sched.Len() }

// Stop stops capture, delivers every pending packet, then closes the
// adapters and the recorder. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done := e.cancel, e.done
	adapters := make([]capture.Adapter, 0, len(e.order))
	for _, name := range e.order {
		adapters = append(adapters, e.adapters[name])
	}
	e.mu.Unlock()

	cancel()
	<-done
	e.wg.Wait()

	var firstErr error
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			e.logger.WithError(err).Warn("adapter close failed", "adapter", a.Name())
			if firstErr == nil {
				firstErr = errors.Wrap(err, errors.KindOSAPI, "close adapter")
			}
		}
	}
	if e.recorder != nil {
		if err := e.recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.logger.Info("engine stopped")
	return firstErr
}

// retireLoop seals the current arena generation whenever it has served
// allocations since the last tick, so a quiet pipeline still hands its
// block back for reclaim.
func (e *Engine) retireLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RetireInterval)
	defer ticker.Stop()

	var lastAllocs uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := e.arena.Stats()
			if st.Allocations == lastAllocs {
				continue
			}
			lastAllocs = st.Allocations
			e.rotateArena()
		}
	}
}

func (e *Engine) rotateArena() {
	old := e.arena.Current()
	if _, err := e.arena.BeginGeneration(); err != nil {
		// Previous generation still has live buffers.
		return
	}
	e.arena.RetireGeneration(old)
}

func (e *Engine) fault(adapter string, err error) {
	f := Fault{Adapter: adapter, Err: err, At: e.clk.Now()}
	e.mu.Lock()
	e.faults = append(e.faults, f)
	e.mu.Unlock()
	e.metrics.AdapterFault(adapter)
	e.logger.WithError(err).Error("capture failed, adapter stopped", "adapter", adapter)
}

// Faults returns adapter failures in the order they happened.
func (e *Engine) Faults() []Fault {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Fault(nil), e.faults...)
}

func (e *Engine) ruleCounters(id rules.ID) *ruleCounters {
	e.cmu.RLock()
	c, ok := e.counters[id]
	e.cmu.RUnlock()
	if ok {
		return c
	}
	e.cmu.Lock()
	defer e.cmu.Unlock()
	if c, ok = e.counters[id]; !ok {
		c = &ruleCounters{}
		e.counters[id] = c
	}
	return c
}
