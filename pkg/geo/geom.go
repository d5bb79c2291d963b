package geo

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// polygonsIntersect reports whether two polygons in the same CRS share any
// area or boundary. orb ships containment but not a boolean intersection
// predicate, so edges are tested pairwise on top of it.
func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	// Cheap reject on bounding boxes first.
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	// One fully inside the other.
	if len(a[0]) > 0 && planar.PolygonContains(b, a[0][0]) {
		return true
	}
	if len(b[0]) > 0 && planar.PolygonContains(a, b[0][0]) {
		return true
	}
	// Any crossing edge pair.
	for _, ringA := range a {
		for i := 0; i+1 < len(ringA); i++ {
			for _, ringB := range b {
				for j := 0; j+1 < len(ringB); j++ {
					if segmentsIntersect(ringA[i], ringA[i+1], ringB[j], ringB[j+1]) {
						return true
					}
				}
			}
		}
	}
	return false
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func onSegment(p, q, r orb.Point) bool {
	return q[0] >= min(p[0], r[0]) && q[0] <= max(p[0], r[0]) &&
		q[1] >= min(p[1], r[1]) && q[1] <= max(p[1], r[1])
}

// segmentsIntersect reports whether segments p1p2 and q1q2 intersect,
// including collinear overlap and endpoint touches.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(q1, p1, q2) {
		return true
	}
	if d2 == 0 && onSegment(q1, p2, q2) {
		return true
	}
	if d3 == 0 && onSegment(p1, q1, p2) {
		return true
	}
	if d4 == 0 && onSegment(p1, q2, p2) {
		return true
	}
	return false
}

// convexHull computes the closed convex hull ring of a point set by
// monotone chain. Fewer than three distinct points yield a nil ring.
func convexHull(points []orb.Point) orb.Ring {
	if len(points) < 3 {
		return nil
	}
	pts := make([]orb.Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	// Drop duplicates.
	uniq := pts[:1]
	for _, p := range pts[1:] {
		last := uniq[len(uniq)-1]
		if p != last {
			uniq = append(uniq, p)
		}
	}
	if len(uniq) < 3 {
		return nil
	}

	var lower, upper []orb.Point
	for _, p := range uniq {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(uniq) - 1; i >= 0; i-- {
		p := uniq[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	if len(hull) < 3 {
		return nil
	}
	hull = append(hull, hull[0])
	return orb.Ring(hull)
}

// clipRingToBound clips a ring against an axis-aligned rectangle with
// Sutherland-Hodgman. Tile perimeters are axis-aligned in their native CRS,
// which makes the rectangle clip exact for the chain's use.
func clipRingToBound(ring orb.Ring, bound orb.Bound) orb.Ring {
	if len(ring) == 0 {
		return nil
	}
	pts := []orb.Point(ring)
	// Open the ring for clipping, close it again at the end.
	if pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}

	type edge struct {
		inside    func(p orb.Point) bool
		intersect func(a, b orb.Point) orb.Point
	}
	edges := []edge{
		{
			inside: func(p orb.Point) bool { return p[0] >= bound.Min[0] },
			intersect: func(a, b orb.Point) orb.Point {
				t := (bound.Min[0] - a[0]) / (b[0] - a[0])
				return orb.Point{bound.Min[0], a[1] + t*(b[1]-a[1])}
			},
		},
		{
			inside: func(p orb.Point) bool { return p[0] <= bound.Max[0] },
			intersect: func(a, b orb.Point) orb.Point {
				t := (bound.Max[0] - a[0]) / (b[0] - a[0])
				return orb.Point{bound.Max[0], a[1] + t*(b[1]-a[1])}
			},
		},
		{
			inside: func(p orb.Point) bool { return p[1] >= bound.Min[1] },
			intersect: func(a, b orb.Point) orb.Point {
				t := (bound.Min[1] - a[1]) / (b[1] - a[1])
				return orb.Point{a[0] + t*(b[0]-a[0]), bound.Min[1]}
			},
		},
		{
			inside: func(p orb.Point) bool { return p[1] <= bound.Max[1] },
			intersect: func(a, b orb.Point) orb.Point {
				t := (bound.Max[1] - a[1]) / (b[1] - a[1])
				return orb.Point{a[0] + t*(b[0]-a[0]), bound.Max[1]}
			},
		},
	}

	for _, e := range edges {
		if len(pts) == 0 {
			return nil
		}
		var out []orb.Point
		for i := range pts {
			cur := pts[i]
			prev := pts[(i+len(pts)-1)%len(pts)]
			curIn := e.inside(cur)
			prevIn := e.inside(prev)
			switch {
			case curIn && prevIn:
				out = append(out, cur)
			case curIn && !prevIn:
				out = append(out, e.intersect(prev, cur), cur)
			case !curIn && prevIn:
				out = append(out, e.intersect(prev, cur))
			}
		}
		pts = out
	}
	if len(pts) < 3 {
		return nil
	}
	pts = append(pts, pts[0])
	return orb.Ring(pts)
}
