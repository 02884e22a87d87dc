// Package visibility measures how much of each monitor's desktop is uncovered
// and reduces those measurements into per-region percentages.
package visibility

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrSourceUnavailable is returned when the visibility source cannot be reached
// or subscribed to. The controller cannot run without it.
var ErrSourceUnavailable = errors.New("visibility source unavailable")

// MonitorSnapshot is the visible/total desktop area of one monitor at one instant.
type MonitorSnapshot struct {
	ID          int   `json:"id"`
	TotalArea   int64 `json:"total_area"`
	VisibleArea int64 `json:"visible_area"`
}

// Percent returns the monitor's own visibility percentage.
func (m MonitorSnapshot) Percent() float64 {
	return Percent(m.VisibleArea, m.TotalArea)
}

// Batch is the full set of monitor snapshots delivered on a change.
type Batch struct {
	Monitors []MonitorSnapshot `json:"monitors"`
	At       time.Time         `json:"at"`
}

// Equal reports whether two batches describe the same monitor areas (timestamps ignored).
func (b Batch) Equal(o Batch) bool {
	return slices.Equal(b.Monitors, o.Monitors)
}

// Source delivers visibility snapshots.
type Source interface {
	// Snapshot returns the current snapshot of every monitor.
	Snapshot(ctx context.Context) (Batch, error)

	// Subscribe starts pushing a new Batch whenever visibility changes.
	// The returned channel is closed when ctx is done or the source is closed.
	// A source can only be subscribed once.
	Subscribe(ctx context.Context) (<-chan Batch, error)

	// Close releases the source's resources.
	Close() error
}

// WatchSet is the set of monitor IDs the controller tracks.
type WatchSet struct {
	All bool
	IDs []int
}

// AllMonitors watches every monitor present.
func AllMonitors() WatchSet {
	return WatchSet{All: true}
}

// Monitors watches an explicit list of monitor IDs (deduplicated, order kept).
func Monitors(ids ...int) WatchSet {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return WatchSet{IDs: out}
}

// Empty reports whether the set can match no monitor at all.
func (w WatchSet) Empty() bool {
	return !w.All && len(w.IDs) == 0
}

// Contains reports whether monitor id is watched.
func (w WatchSet) Contains(id int) bool {
	return w.All || slices.Contains(w.IDs, id)
}

func (w WatchSet) String() string {
	if w.All {
		return "all"
	}
	parts := make([]string, len(w.IDs))
	for i, id := range w.IDs {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// RegionKey identifies a watched region: GlobalRegion, or a monitor ID.
type RegionKey string

// GlobalRegion is the single region used when per-monitor mode is off.
const GlobalRegion RegionKey = "global"

// MonitorRegion returns the region key of a single monitor.
func MonitorRegion(id int) RegionKey {
	return RegionKey(strconv.Itoa(id))
}

// AggregatedVisibility is a region's visibility percentage in [0,100].
type AggregatedVisibility struct {
	Region  RegionKey `json:"region"`
	Percent float64   `json:"percent"`
}

// Percent computes visible/total*100 clamped to [0,100].
// An empty area counts as fully visible: nothing is there to hide.
func Percent(visible, total int64) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(visible) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
