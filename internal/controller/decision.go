package controller

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

// State is a region's rendering state.
type State int

const (
	Rendering State = iota
	Paused
)

func (s State) String() string {
	switch s {
	case Rendering:
		return "RENDERING"
	case Paused:
		return "PAUSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "RENDERING":
		*s = Rendering
	case "PAUSED":
		*s = Paused
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// Reduction folds several region states into the single action the render
// process supports today.
type Reduction string

const (
	// ReduceAny pauses when any region is paused.
	ReduceAny Reduction = "any"
	// ReduceAll pauses only when every region is paused.
	ReduceAll Reduction = "all"
)

// ParseReduction validates a reduction policy name; empty means ReduceAny.
func ParseReduction(s string) (Reduction, error) {
	switch Reduction(s) {
	case "", ReduceAny:
		return ReduceAny, nil
	case ReduceAll:
		return ReduceAll, nil
	}
	return "", fmt.Errorf("unknown reduction policy %q (use any or all)", s)
}

// RegionState is the decision state of one watched region.
type RegionState struct {
	Region       visibility.RegionKey `json:"region"`
	State        State                `json:"state"`
	Percent      float64              `json:"percent"`
	Evaluated    bool                 `json:"evaluated"`
	LastActionAt time.Time            `json:"last_action_at"`
}

// Transition is the outcome of one evaluation.
type Transition struct {
	Region  visibility.RegionKey
	From    State
	To      State
	Percent float64
	At      time.Time
}

// Changed reports whether the evaluation moved the region to another state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Engine is the per-region RENDERING/PAUSED state machine. A region pauses
// when its percent drops strictly below the threshold and renders again once
// the percent is at or above it. It is not safe for concurrent use; the
// controller serializes access.
type Engine struct {
	threshold  float64
	perMonitor bool
	primary    visibility.RegionKey
	reduce     Reduction
	regions    map[visibility.RegionKey]*RegionState
}

// NewEngine creates an engine with the given regions in RENDERING.
// primary may be empty.
func NewEngine(threshold float64, perMonitor bool, primary visibility.RegionKey, reduce Reduction, initial ...visibility.RegionKey) *Engine {
	e := &Engine{
		threshold:  threshold,
		perMonitor: perMonitor,
		primary:    primary,
		reduce:     reduce,
		regions:    make(map[visibility.RegionKey]*RegionState),
	}
	for _, k := range initial {
		e.regions[k] = &RegionState{Region: k, State: Rendering, Percent: 100}
	}
	return e
}

// Evaluate applies one aggregated value to its region, creating the region in
// RENDERING when it is seen for the first time.
func (e *Engine) Evaluate(v visibility.AggregatedVisibility, now time.Time) Transition {
	r, ok := e.regions[v.Region]
	if !ok {
		r = &RegionState{Region: v.Region, State: Rendering}
		e.regions[v.Region] = r
	}

	from := r.State
	to := from
	switch {
	case from == Rendering && v.Percent < e.threshold:
		to = Paused
	case from == Paused && v.Percent >= e.threshold:
		to = Rendering
	}

	r.Percent = v.Percent
	r.Evaluated = true
	if to != from {
		r.State = to
		r.LastActionAt = now
	}

	return Transition{Region: v.Region, From: from, To: to, Percent: v.Percent, At: now}
}

// Decide reduces all region states to the single action for the render process.
func (e *Engine) Decide() Action {
	if len(e.regions) == 0 {
		return Resume
	}

	if !e.perMonitor {
		if r, ok := e.regions[visibility.GlobalRegion]; ok {
			return actionFor(r.State)
		}
	}

	if e.primary != "" {
		if r, ok := e.regions[e.primary]; ok {
			return actionFor(r.State)
		}
	}

	paused := 0
	for _, r := range e.regions {
		if r.State == Paused {
			paused++
		}
	}

	switch e.reduce {
	case ReduceAll:
		if paused == len(e.regions) {
			return Pause
		}
	default:
		if paused > 0 {
			return Pause
		}
	}
	return Resume
}

// ForceRendering moves every region to RENDERING and returns the transitions
// that actually changed a state.
func (e *Engine) ForceRendering(now time.Time) []Transition {
	var out []Transition
	for _, k := range e.Keys() {
		r := e.regions[k]
		if r.State == Rendering {
			continue
		}
		out = append(out, Transition{Region: k, From: r.State, To: Rendering, Percent: r.Percent, At: now})
		r.State = Rendering
		r.LastActionAt = now
	}
	return out
}

// Keys returns the known regions in display order.
func (e *Engine) Keys() []visibility.RegionKey {
	keys := make([]visibility.RegionKey, 0, len(e.regions))
	for k := range e.regions {
		keys = append(keys, k)
	}
	sortRegionKeys(keys)
	return keys
}

// Regions returns a copy of every region state in display order.
func (e *Engine) Regions() []RegionState {
	out := make([]RegionState, 0, len(e.regions))
	for _, k := range e.Keys() {
		out = append(out, *e.regions[k])
	}
	return out
}

// Latest returns the last evaluated value of every region.
func (e *Engine) Latest() []visibility.AggregatedVisibility {
	out := make([]visibility.AggregatedVisibility, 0, len(e.regions))
	for _, k := range e.Keys() {
		r := e.regions[k]
		if r.Evaluated {
			out = append(out, visibility.AggregatedVisibility{Region: k, Percent: r.Percent})
		}
	}
	return out
}

func actionFor(s State) Action {
	if s == Paused {
		return Pause
	}
	return Resume
}

// sortRegionKeys orders "global" first, then monitor IDs numerically.
func sortRegionKeys(keys []visibility.RegionKey) {
	slices.SortFunc(keys, func(a, b visibility.RegionKey) int {
		ai, aerr := strconv.Atoi(string(a))
		bi, berr := strconv.Atoi(string(b))
		switch {
		case aerr != nil && berr != nil:
			return strings.Compare(string(a), string(b))
		case aerr != nil:
			return -1
		case berr != nil:
			return 1
		}
		return ai - bi
	})
}
