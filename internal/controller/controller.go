// Package controller turns a stream of visibility batches into pause/resume
// commands for the wallpaper render process.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

// DefaultDispatchTimeout bounds a render-process command when Settings leaves it unset.
const DefaultDispatchTimeout = 5 * time.Second

// Settings are the fully resolved parameters of the control loop.
type Settings struct {
	Watch      visibility.WatchSet
	Threshold  float64
	UpdateRate time.Duration
	PerMonitor bool
	// Primary is the monitor whose state drives the render process in
	// per-monitor mode. Zero means none.
	Primary         int
	Reduce          Reduction
	DispatchTimeout time.Duration
}

// Validate checks the settings' ranges.
func (s Settings) Validate() error {
	if s.Watch.Empty() {
		return errors.New("watch set is empty")
	}
	// NaN fails both comparisons
	if !(s.Threshold >= 0 && s.Threshold <= 100) {
		return fmt.Errorf("threshold %v out of range [0,100]", s.Threshold)
	}
	if s.UpdateRate <= 0 {
		return fmt.Errorf("update rate must be positive, got %s", s.UpdateRate)
	}
	if s.Primary < 0 {
		return fmt.Errorf("primary monitor must not be negative, got %d", s.Primary)
	}
	if _, err := ParseReduction(string(s.Reduce)); err != nil {
		return err
	}
	return nil
}

// Status is a point-in-time copy of the controller's state.
type Status struct {
	Running        bool                         `json:"running"`
	Watch          string                       `json:"watch"`
	Threshold      float64                      `json:"threshold"`
	PerMonitor     bool                         `json:"per_monitor"`
	UpdateRate     time.Duration                `json:"update_rate"`
	Regions        []RegionState                `json:"regions"`
	Monitors       []visibility.MonitorSnapshot `json:"monitors"`
	LastAction     Action                       `json:"last_action"`
	LastActionAt   time.Time                    `json:"last_action_at"`
	LastEvaluation time.Time                    `json:"last_evaluation"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithReporter adds a reporter that receives every controller event in
// addition to the log.
func WithReporter(r Reporter) Option {
	return func(c *Controller) {
		c.reporter = append(c.reporter, r)
	}
}

// WithClock replaces the time source used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller owns the control loop: Source -> Aggregator -> Gate -> Engine -> Dispatcher.
type Controller struct {
	settings   Settings
	source     visibility.Source
	agg        visibility.Aggregator
	gate       *Gate
	engine     *Engine
	dispatcher *Dispatcher
	reporter   MultiReporter
	now        func() time.Time

	// mu serializes the engine, the dispatcher and retry bookkeeping between
	// batch handling and throttle firings.
	mu         sync.Mutex
	retryArmed bool
	// offered holds the last percentage handed to the gate per region.
	offered map[visibility.RegionKey]float64

	statusMu sync.RWMutex
	status   Status

	running atomic.Bool
}

// New creates a controller. settings must already be valid.
func New(settings Settings, source visibility.Source, cmd Commander, opts ...Option) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller settings: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: no source configured", visibility.ErrSourceUnavailable)
	}
	if cmd == nil {
		return nil, errors.New("no render commander configured")
	}

	reduce, _ := ParseReduction(string(settings.Reduce))
	timeout := settings.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}

	var primary visibility.RegionKey
	if settings.PerMonitor && settings.Primary > 0 {
		primary = visibility.MonitorRegion(settings.Primary)
	}

	c := &Controller{
		settings:   settings,
		source:     source,
		agg:        visibility.Aggregator{Watch: settings.Watch, PerMonitor: settings.PerMonitor},
		gate:       NewGate(settings.UpdateRate),
		engine:     NewEngine(settings.Threshold, settings.PerMonitor, primary, reduce, initialRegions(settings)...),
		dispatcher: NewDispatcher(cmd, timeout),
		reporter:   MultiReporter{NewLogReporter()},
		now:        time.Now,
		retryArmed: true,
		offered:    make(map[visibility.RegionKey]float64),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.status = Status{
		Watch:      settings.Watch.String(),
		Threshold:  settings.Threshold,
		PerMonitor: settings.PerMonitor,
		UpdateRate: settings.UpdateRate,
		Regions:    c.engine.Regions(),
		LastAction: c.dispatcher.Last(),
	}
	return c, nil
}

func initialRegions(s Settings) []visibility.RegionKey {
	if !s.PerMonitor {
		return []visibility.RegionKey{visibility.GlobalRegion}
	}
	if s.Watch.All {
		return nil
	}
	keys := make([]visibility.RegionKey, len(s.Watch.IDs))
	for i, id := range s.Watch.IDs {
		keys[i] = visibility.MonitorRegion(id)
	}
	return keys
}

// Run subscribes to the source, evaluates the current snapshot immediately and
// then processes batches until ctx is cancelled or the source stream ends.
// Once startup succeeded, Run always resumes the render process before it
// returns. A failure to reach the source is returned wrapped in
// visibility.ErrSourceUnavailable.
func (c *Controller) Run(ctx context.Context) (err error) {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller is already running")
	}
	defer c.running.Store(false)

	log := logger.WithComponent("controller")

	batches, err := c.source.Subscribe(ctx)
	if err != nil {
		return sourceError("subscribe", err)
	}

	initial, err := c.source.Snapshot(ctx)
	if err != nil {
		return sourceError("initial snapshot", err)
	}

	defer func() {
		if serr := c.shutdown(ctx); serr != nil {
			err = errors.Join(err, serr)
		}
	}()

	c.setRunning(true)
	log.Info().
		Str("watch", c.settings.Watch.String()).
		Float64("threshold", c.settings.Threshold).
		Dur("update_rate", c.settings.UpdateRate).
		Bool("per_monitor", c.settings.PerMonitor).
		Msg("Controller started")

	c.mu.Lock()
	c.recordBatch(initial)
	values := c.agg.Aggregate(initial)
	for _, v := range values {
		c.offered[v.Region] = v.Percent
	}
	c.evaluate(ctx, values)
	c.mu.Unlock()

	c.report(Event{Kind: EventStartupComplete, Action: c.dispatcher.Last().String()})

	for {
		select {
		case <-ctx.Done():
			return nil

		case batch, ok := <-batches:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: event stream closed", visibility.ErrSourceUnavailable)
			}
			c.offer(batch)

		case <-c.gate.Ready():
			c.mu.Lock()
			if due := c.gate.Drain(); len(due) > 0 {
				c.evaluate(ctx, due)
			}
			c.mu.Unlock()
		}
	}
}

func sourceError(op string, err error) error {
	if errors.Is(err, visibility.ErrSourceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", visibility.ErrSourceUnavailable, op, err)
}

// offer aggregates a fresh batch and hands the regions whose value changed
// to the gate.
func (c *Controller) offer(batch visibility.Batch) {
	c.mu.Lock()
	c.recordBatch(batch)
	var changed []visibility.AggregatedVisibility
	for _, v := range visibility.Complete(c.agg.Aggregate(batch), c.engine.Keys()) {
		if last, ok := c.offered[v.Region]; ok && last == v.Percent {
			continue
		}
		c.offered[v.Region] = v.Percent
		changed = append(changed, v)
	}
	c.retryArmed = true
	c.mu.Unlock()

	for _, v := range changed {
		c.gate.Offer(v)
	}
}

// evaluate must be called with c.mu held.
func (c *Controller) evaluate(ctx context.Context, values []visibility.AggregatedVisibility) {
	log := logger.WithComponent("controller")
	now := c.now()

	for _, v := range values {
		t := c.engine.Evaluate(v, now)
		log.Debug().
			Str("region", string(v.Region)).
			Float64("percent", v.Percent).
			Stringer("state", t.To).
			Msg("Evaluated region")
		if t.Changed() {
			c.report(Event{
				Kind:    EventTransition,
				Region:  t.Region,
				Percent: t.Percent,
				From:    t.From.String(),
				State:   t.To.String(),
			})
		}
	}

	action := c.engine.Decide()
	sent, err := c.dispatcher.Dispatch(ctx, action)
	switch {
	case err != nil:
		c.report(Event{Kind: EventDispatchFailed, Action: action.String(), Error: err.Error()})
		if c.retryArmed && ctx.Err() == nil {
			// Give the dispatcher one more attempt a window later even if
			// visibility stays the same
			c.retryArmed = false
			for _, v := range c.engine.Latest() {
				c.gate.Offer(v)
			}
		}
	case sent:
		c.report(Event{Kind: EventDispatched, Action: action.String()})
	}

	c.statusMu.Lock()
	c.status.Regions = c.engine.Regions()
	c.status.LastAction = c.dispatcher.Last()
	c.status.LastActionAt = c.dispatcher.LastAt()
	c.status.LastEvaluation = now
	c.statusMu.Unlock()
}

// shutdown cancels pending windows, forces every region back to RENDERING and
// resumes the render process unconditionally.
func (c *Controller) shutdown(ctx context.Context) error {
	c.gate.Stop()

	// Any dispatch running under ctx has returned once the lock is free
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, t := range c.engine.ForceRendering(now) {
		c.report(Event{
			Kind:    EventTransition,
			Region:  t.Region,
			Percent: t.Percent,
			From:    t.From.String(),
			State:   t.To.String(),
		})
	}

	err := c.dispatcher.Force(context.WithoutCancel(ctx), Resume)

	ev := Event{Kind: EventShutdown, Action: Resume.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	c.report(ev)

	c.statusMu.Lock()
	c.status.Running = false
	c.status.Regions = c.engine.Regions()
	c.status.LastAction = c.dispatcher.Last()
	c.status.LastActionAt = c.dispatcher.LastAt()
	c.statusMu.Unlock()

	if err != nil {
		return fmt.Errorf("final resume: %w", err)
	}
	return nil
}

// recordBatch must be called with c.mu held.
func (c *Controller) recordBatch(b visibility.Batch) {
	monitors := make([]visibility.MonitorSnapshot, len(b.Monitors))
	copy(monitors, b.Monitors)

	c.statusMu.Lock()
	c.status.Monitors = monitors
	c.statusMu.Unlock()
}

func (c *Controller) setRunning(running bool) {
	c.statusMu.Lock()
	c.status.Running = running
	c.statusMu.Unlock()
}

func (c *Controller) report(e Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.reporter.Report(e)
}

// Status returns a copy of the current state. It never blocks on a dispatch.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	s := c.status
	s.Regions = append([]RegionState(nil), c.status.Regions...)
	s.Monitors = append([]visibility.MonitorSnapshot(nil), c.status.Monitors...)
	return s
}
