package geo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// ErrEmptyValidSet indicates that no pixel matched the validity rule.
var ErrEmptyValidSet = errors.New("no valid data in raster")

// HullOptions selects the validity rule and the hull flavour.
//
// Exactly one of ValidValues, InvalidValues or UseNoData must be set.
// Alpha zero produces the convex hull; a positive Alpha produces a concave
// outline traced along the valid-data boundary and simplified with Alpha
// (in CRS units) as tolerance.
type HullOptions struct {
	ValidValues   []uint8
	InvalidValues []uint8
	UseNoData     bool
	Alpha         float64
}

func (o HullOptions) validate() error {
	set := 0
	if len(o.ValidValues) > 0 {
		set++
	}
	if len(o.InvalidValues) > 0 {
		set++
	}
	if o.UseNoData {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one validity rule required, got %d", set)
	}
	return nil
}

// ValidDataHull computes the footprint polygon of the valid pixels of the
// first band of a raster, in the raster's native CRS.
func ValidDataHull(ctx context.Context, drv raster.Driver, path string, opts HullOptions) (orb.Polygon, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ds, err := drv.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(ds.Bands) == 0 {
		return nil, fmt.Errorf("%s: no bands", path)
	}

	valid := validMask(ds, opts)
	any := false
	for _, v := range valid {
		if v {
			any = true
			break
		}
	}
	if !any {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyValidSet)
	}

	if opts.Alpha > 0 {
		ring := traceBoundary(valid, ds.Meta)
		ring = simplifyRing(ring, opts.Alpha)
		if len(ring) >= 4 {
			return orb.Polygon{ring}, nil
		}
		// Degenerate outline: fall through to the convex hull.
	}

	// Corner points of every valid pixel; the hull of corners covers whole
	// pixels, not just centres.
	var points []orb.Point
	w := ds.Meta.Width
	for row := 0; row < ds.Meta.Height; row++ {
		for col := 0; col < w; col++ {
			if !valid[row*w+col] {
				continue
			}
			for _, d := range [4][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
				x, y := ds.Meta.PixelToGeo(float64(col)+d[0], float64(row)+d[1])
				points = append(points, orb.Point{x, y})
			}
		}
	}
	hull := convexHull(points)
	if hull == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyValidSet)
	}
	return orb.Polygon{hull}, nil
}

// validMask evaluates the validity rule over the first band: a logical OR
// over ValidValues, the complement of InvalidValues, or non-nodata pixels.
func validMask(ds *raster.Dataset, opts HullOptions) []bool {
	band := ds.Bands[0]
	mask := make([]bool, len(band.Pixels))
	switch {
	case len(opts.ValidValues) > 0:
		lookup := [256]bool{}
		for _, v := range opts.ValidValues {
			lookup[v] = true
		}
		for i, px := range band.Pixels {
			mask[i] = lookup[px]
		}
	case len(opts.InvalidValues) > 0:
		lookup := [256]bool{}
		for _, v := range opts.InvalidValues {
			lookup[v] = true
		}
		for i, px := range band.Pixels {
			mask[i] = !lookup[px]
		}
	default:
		nodata := uint8(255)
		if ds.NoData != nil {
			nodata = uint8(*ds.NoData)
		}
		for i, px := range band.Pixels {
			mask[i] = px != nodata
		}
	}
	return mask
}

// traceBoundary walks the outline of the first valid region found in scan
// order (Moore neighbourhood) and returns the closed ring of pixel-corner
// coordinates in the native CRS.
func traceBoundary(valid []bool, meta raster.Meta) orb.Ring {
	w, h := meta.Width, meta.Height
	at := func(col, row int) bool {
		if col < 0 || row < 0 || col >= w || row >= h {
			return false
		}
		return valid[row*w+col]
	}

	startCol, startRow, found := -1, -1, false
	for row := 0; row < h && !found; row++ {
		for col := 0; col < w && !found; col++ {
			if at(col, row) {
				startCol, startRow, found = col, row, true
			}
		}
	}
	if !found {
		return nil
	}

	// Moore-neighbour tracing, clockwise from the west neighbour.
	dirs := [8][2]int{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}}
	var cells [][2]int
	col, row := startCol, startRow
	entry := 0
	for {
		cells = append(cells, [2]int{col, row})
		advanced := false
		for i := 0; i < 8; i++ {
			d := (entry + i) % 8
			nc, nr := col+dirs[d][0], row+dirs[d][1]
			if at(nc, nr) {
				col, row = nc, nr
				// Re-enter the scan from behind the direction we moved.
				entry = (d + 6) % 8
				advanced = true
				break
			}
		}
		if !advanced {
			break // isolated pixel
		}
		if col == startCol && row == startRow && len(cells) > 2 {
			break
		}
	}

	ring := make(orb.Ring, 0, len(cells)+1)
	for _, c := range cells {
		x, y := meta.PixelToGeo(float64(c[0])+0.5, float64(c[1])+0.5)
		ring = append(ring, orb.Point{x, y})
	}
	if len(ring) > 0 {
		ring = append(ring, ring[0])
	}
	return ring
}

// simplifyRing is Douglas-Peucker with the given tolerance, keeping the ring
// closed.
func simplifyRing(ring orb.Ring, tolerance float64) orb.Ring {
	if len(ring) < 5 {
		return ring
	}
	open := ring[:len(ring)-1]
	keep := make([]bool, len(open))
	keep[0], keep[len(open)-1] = true, true
	douglasPeucker(open, 0, len(open)-1, tolerance, keep)

	var out orb.Ring
	for i, k := range keep {
		if k {
			out = append(out, open[i])
		}
	}
	if len(out) > 0 {
		out = append(out, out[0])
	}
	return out
}

func douglasPeucker(pts []orb.Point, first, last int, tol float64, keep []bool) {
	if last <= first+1 {
		return
	}
	maxDist, maxIdx := 0.0, -1
	for i := first + 1; i < last; i++ {
		d := pointSegmentDistance(pts[i], pts[first], pts[last])
		if d > maxDist {
			maxDist, maxIdx = d, i
		}
	}
	if maxDist > tol {
		keep[maxIdx] = true
		douglasPeucker(pts, first, maxIdx, tol, keep)
		douglasPeucker(pts, maxIdx, last, tol, keep)
	}
}

func pointSegmentDistance(p, a, b orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
