package visibility

import "slices"

// Aggregator reduces a Batch into one AggregatedVisibility per watched region.
// It keeps no state between batches.
type Aggregator struct {
	Watch      WatchSet
	PerMonitor bool
}

// Aggregate computes the regions for batch.
//
// Global mode yields exactly one GlobalRegion value. Per-monitor mode yields one
// value per watched monitor: an explicit watch set always yields every listed ID
// (absent monitors read 100%), "all" yields the monitors present in the batch.
// Monitors outside the watch set never contribute.
func (a Aggregator) Aggregate(batch Batch) []AggregatedVisibility {
	if !a.PerMonitor {
		var visible, total int64
		for _, m := range batch.Monitors {
			if !a.Watch.Contains(m.ID) {
				continue
			}
			visible += m.VisibleArea
			total += m.TotalArea
		}
		return []AggregatedVisibility{{Region: GlobalRegion, Percent: Percent(visible, total)}}
	}

	byID := make(map[int]MonitorSnapshot, len(batch.Monitors))
	ids := make([]int, 0, len(batch.Monitors))
	for _, m := range batch.Monitors {
		if !a.Watch.Contains(m.ID) {
			continue
		}
		if _, seen := byID[m.ID]; !seen {
			ids = append(ids, m.ID)
		}
		byID[m.ID] = m
	}
	if !a.Watch.All {
		ids = a.Watch.IDs
	}

	out := make([]AggregatedVisibility, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		p := 100.0
		if ok {
			p = m.Percent()
		}
		out = append(out, AggregatedVisibility{Region: MonitorRegion(id), Percent: p})
	}
	return out
}

// Complete appends a fully visible value for every known region missing from
// values, so a region whose monitors disconnected stops holding its last state.
func Complete(values []AggregatedVisibility, known []RegionKey) []AggregatedVisibility {
	for _, key := range known {
		present := slices.ContainsFunc(values, func(v AggregatedVisibility) bool {
			return v.Region == key
		})
		if !present {
			values = append(values, AggregatedVisibility{Region: key, Percent: 100})
		}
	}
	return values
}
