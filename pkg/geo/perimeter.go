package geo

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// DefaultEdgeSubdivisions is the per-edge densification applied before
// reprojecting a perimeter, preserving shape curvature across datums.
const DefaultEdgeSubdivisions = 100

// RasterPerimeter is the footprint of a raster grid in its native CRS.
type RasterPerimeter struct {
	Meta raster.Meta
}

// PerimeterFromMeta captures a raster's size, transform and CRS.
func PerimeterFromMeta(meta raster.Meta) RasterPerimeter {
	return RasterPerimeter{Meta: meta}
}

// Ring returns the closed four-corner ring in the native CRS.
func (p RasterPerimeter) Ring() orb.Ring {
	w, h := float64(p.Meta.Width), float64(p.Meta.Height)
	corners := [][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}, {0, 0}}
	ring := make(orb.Ring, 0, 5)
	for _, c := range corners {
		x, y := p.Meta.PixelToGeo(c[0], c[1])
		ring = append(ring, orb.Point{x, y})
	}
	return ring
}

// Bound returns the native-CRS bounding box.
func (p RasterPerimeter) Bound() orb.Bound {
	minx, miny, maxx, maxy := p.Meta.Bounds()
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}
}

// ProjectedPerimeter projects the perimeter into the target CRS, subdividing
// each edge into edgeSubdivisions segments first.
func (p RasterPerimeter) ProjectedPerimeter(dstEPSG, edgeSubdivisions int) (orb.Polygon, error) {
	return ProjectPolygon(orb.Polygon{p.Ring()}, p.Meta.EPSG, dstEPSG, edgeSubdivisions)
}

// Intersects reprojects other into this perimeter's CRS and tests polygon
// intersection. The predicate is symmetric.
func (p RasterPerimeter) Intersects(other RasterPerimeter) (bool, error) {
	projected, err := other.ProjectedPerimeter(p.Meta.EPSG, DefaultEdgeSubdivisions)
	if err != nil {
		return false, err
	}
	return polygonsIntersect(orb.Polygon{p.Ring()}, projected), nil
}

// ProjectPolygon projects a polygon between CRSs, densifying each segment
// with edgeSubdivisions intermediate points first.
func ProjectPolygon(poly orb.Polygon, srcEPSG, dstEPSG, edgeSubdivisions int) (orb.Polygon, error) {
	tf, err := Transform(srcEPSG, dstEPSG)
	if err != nil {
		return nil, err
	}
	if edgeSubdivisions < 1 {
		edgeSubdivisions = 1
	}
	out := make(orb.Polygon, 0, len(poly))
	for _, ring := range poly {
		out = append(out, projectRing(ring, tf, edgeSubdivisions))
	}
	return out, nil
}

// ProjectMultiPolygon is ProjectPolygon over every member polygon.
func ProjectMultiPolygon(mp orb.MultiPolygon, srcEPSG, dstEPSG, edgeSubdivisions int) (orb.MultiPolygon, error) {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		projected, err := ProjectPolygon(poly, srcEPSG, dstEPSG, edgeSubdivisions)
		if err != nil {
			return nil, err
		}
		out = append(out, projected)
	}
	return out, nil
}

// ProjectGeometry projects Polygon and MultiPolygon geometries; other types
// are rejected.
func ProjectGeometry(g orb.Geometry, srcEPSG, dstEPSG, edgeSubdivisions int) (orb.Geometry, error) {
	switch geom := g.(type) {
	case orb.Polygon:
		return ProjectPolygon(geom, srcEPSG, dstEPSG, edgeSubdivisions)
	case orb.MultiPolygon:
		return ProjectMultiPolygon(geom, srcEPSG, dstEPSG, edgeSubdivisions)
	}
	return nil, fmt.Errorf("geometry type %s not projectable", g.GeoJSONType())
}

func projectRing(ring orb.Ring, tf TransformFunc, subdiv int) orb.Ring {
	var out orb.Ring
	for i := 0; i+1 < len(ring); i++ {
		a, b := ring[i], ring[i+1]
		for s := 0; s < subdiv; s++ {
			t := float64(s) / float64(subdiv)
			x, y := tf(a[0]+t*(b[0]-a[0]), a[1]+t*(b[1]-a[1]))
			out = append(out, orb.Point{x, y})
		}
	}
	if len(out) > 0 {
		out = append(out, out[0])
	}
	return out
}

// ClipMultiPolygon clips the polygons of a GeoJSON file to this perimeter
// and writes the result as GeoJSON. With outside=true the output is the
// perimeter area not covered by the input (the input polygons become holes).
// Returns false when no geometry remains.
func (p RasterPerimeter) ClipMultiPolygon(vectorPath, outPath string, outside bool) (bool, error) {
	data, err := os.ReadFile(vectorPath)
	if err != nil {
		return false, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", vectorPath, err)
	}

	bound := p.Bound()
	var clipped []orb.Polygon
	for _, f := range fc.Features {
		for _, poly := range polygonsOf(f.Geometry) {
			var rings orb.Polygon
			for _, ring := range poly {
				if c := clipRingToBound(ring, bound); c != nil {
					rings = append(rings, c)
				}
			}
			if len(rings) > 0 {
				clipped = append(clipped, rings)
			}
		}
	}

	var result orb.MultiPolygon
	if outside {
		// Perimeter rectangle with the clipped input as holes.
		outer := orb.Polygon{bound.ToRing()}
		for _, poly := range clipped {
			if len(poly) > 0 {
				outer = append(outer, poly[0])
			}
		}
		result = orb.MultiPolygon{outer}
	} else {
		if len(clipped) == 0 {
			return false, nil
		}
		result = orb.MultiPolygon(clipped)
	}

	out := geojson.NewFeatureCollection()
	out.Append(geojson.NewFeature(result))
	encoded, err := out.MarshalJSON()
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(outPath, encoded, 0644); err != nil {
		return false, err
	}
	return true, nil
}

func polygonsOf(g orb.Geometry) []orb.Polygon {
	switch geom := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{geom}
	case orb.MultiPolygon:
		return geom
	}
	return nil
}
