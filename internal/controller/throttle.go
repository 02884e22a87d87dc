package controller

import (
	"sync"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

// Gate coalesces bursts of per-region visibility values into at most one
// evaluation per region per interval.
//
// The first Offer for a region opens a window without firing. Offers inside
// the window replace the pending value. When the window elapses the region
// becomes due with its latest value and Ready is signalled; the control loop
// collects due values with Drain. A region with no offers never fires.
type Gate struct {
	interval time.Duration

	mu      sync.Mutex
	windows map[visibility.RegionKey]*throttleWindow
	due     map[visibility.RegionKey]visibility.AggregatedVisibility
	ready   chan struct{}
	stopped bool
}

type throttleWindow struct {
	timer  *time.Timer
	latest visibility.AggregatedVisibility
}

// NewGate creates a gate with the given window length.
func NewGate(interval time.Duration) *Gate {
	return &Gate{
		interval: interval,
		windows:  make(map[visibility.RegionKey]*throttleWindow),
		due:      make(map[visibility.RegionKey]visibility.AggregatedVisibility),
		ready:    make(chan struct{}, 1),
	}
}

// Offer records v as the region's latest value, opening a window if none is open.
func (g *Gate) Offer(v visibility.AggregatedVisibility) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}

	// Already due but not yet drained: the pending firing takes the newer value
	if _, ok := g.due[v.Region]; ok {
		g.due[v.Region] = v
		return
	}

	if w, ok := g.windows[v.Region]; ok {
		w.latest = v
		return
	}

	w := &throttleWindow{latest: v}
	g.windows[v.Region] = w
	key := v.Region
	w.timer = time.AfterFunc(g.interval, func() { g.elapse(key, w) })
}

// elapse runs on the timer goroutine.
func (g *Gate) elapse(key visibility.RegionKey, w *throttleWindow) {
	g.mu.Lock()
	if g.stopped || g.windows[key] != w {
		g.mu.Unlock()
		return
	}
	delete(g.windows, key)
	g.due[key] = w.latest
	g.mu.Unlock()

	select {
	case g.ready <- struct{}{}:
	default:
		// A signal is already pending; Drain will pick this region up too
	}
}

// Ready is signalled whenever at least one region became due.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// Drain returns and clears every due value, ordered by region.
func (g *Gate) Drain() []visibility.AggregatedVisibility {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.due) == 0 {
		return nil
	}

	keys := make([]visibility.RegionKey, 0, len(g.due))
	for k := range g.due {
		keys = append(keys, k)
	}
	sortRegionKeys(keys)

	out := make([]visibility.AggregatedVisibility, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.due[k])
		delete(g.due, k)
	}
	return out
}

// Pending returns the number of open windows plus undrained due regions.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows) + len(g.due)
}

// Stop cancels every open window and drops pending values. Offers after Stop
// are ignored.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	for k, w := range g.windows {
		w.timer.Stop()
		delete(g.windows, k)
	}
	clear(g.due)
}
