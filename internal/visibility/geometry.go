package visibility

import (
	"slices"
)

// Rect is an axis-aligned rectangle in root-window coordinates.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Area returns the rectangle's area, zero for degenerate rectangles.
func (r Rect) Area() int64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return int64(r.Width) * int64(r.Height)
}

// Intersect returns the overlap of r and o (zero-sized when disjoint).
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.Width, o.X+o.Width), min(r.Y+r.Height, o.Y+o.Height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// CoveredArea returns the area of bounds covered by the union of windows.
func CoveredArea(bounds Rect, windows []Rect) int64 {
	clipped := make([]Rect, 0, len(windows))
	for _, w := range windows {
		if c := bounds.Intersect(w); c.Area() > 0 {
			clipped = append(clipped, c)
		}
	}
	return unionArea(clipped)
}

// unionArea sums the union of rects by compressing x coordinates into
// columns and merging the y intervals that span each column.
func unionArea(rects []Rect) int64 {
	if len(rects) == 0 {
		return 0
	}

	xs := make([]int, 0, len(rects)*2)
	for _, r := range rects {
		xs = append(xs, r.X, r.X+r.Width)
	}
	slices.Sort(xs)
	xs = slices.Compact(xs)

	type span struct{ lo, hi int }
	var total int64
	spans := make([]span, 0, len(rects))
	for i := 0; i+1 < len(xs); i++ {
		x0, x1 := xs[i], xs[i+1]
		spans = spans[:0]
		for _, r := range rects {
			if r.X <= x0 && r.X+r.Width >= x1 {
				spans = append(spans, span{r.Y, r.Y + r.Height})
			}
		}
		if len(spans) == 0 {
			continue
		}
		slices.SortFunc(spans, func(a, b span) int { return a.lo - b.lo })

		var covered int64
		cur := spans[0]
		for _, s := range spans[1:] {
			if s.lo > cur.hi {
				covered += int64(cur.hi - cur.lo)
				cur = s
				continue
			}
			cur.hi = max(cur.hi, s.hi)
		}
		covered += int64(cur.hi - cur.lo)
		total += covered * int64(x1-x0)
	}
	return total
}

// Measure builds a snapshot for a monitor covered by windows.
func Measure(id int, bounds Rect, windows []Rect) MonitorSnapshot {
	total := bounds.Area()
	visible := total - CoveredArea(bounds, windows)
	if visible < 0 {
		visible = 0
	}
	return MonitorSnapshot{ID: id, TotalArea: total, VisibleArea: visible}
}
