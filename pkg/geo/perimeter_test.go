package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestPerimeterIntersectsSymmetry(t *testing.T) {
	// Tiles straddling a UTM zone boundary. Each pair must answer the
	// same in both directions regardless of whose CRS the test runs in.
	a := Tile{ID: "32TQR", EPSG: 32632, ULX: 699960, ULY: 5100000}
	b := Tile{ID: "33TUL", EPSG: 32633, ULX: 300000, ULY: 5100060}
	c := Tile{ID: "35VLJ", EPSG: 32635, ULX: 300000, ULY: 6700020}

	pairs := []struct {
		name string
		x, y RasterPerimeter
		want bool
	}{
		{"adjacent zones overlap", a.Perimeter(), b.Perimeter(), true},
		{"distant tiles", a.Perimeter(), c.Perimeter(), false},
		{"self", a.Perimeter(), a.Perimeter(), true},
	}
	for _, tc := range pairs {
		t.Run(tc.name, func(t *testing.T) {
			xy, err := tc.x.Intersects(tc.y)
			if err != nil {
				t.Fatalf("Intersects: %v", err)
			}
			yx, err := tc.y.Intersects(tc.x)
			if err != nil {
				t.Fatalf("Intersects reversed: %v", err)
			}
			if xy != yx {
				t.Fatalf("asymmetric answer: %v vs %v", xy, yx)
			}
			if xy != tc.want {
				t.Fatalf("Intersects = %v, want %v", xy, tc.want)
			}
		})
	}
}

func TestProjectPolygonRoundTrip(t *testing.T) {
	tile := Tile{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000}
	ring := tile.Perimeter().Ring()

	geo, err := ProjectPolygon(orb.Polygon{ring}, 32632, 4326, 10)
	if err != nil {
		t.Fatalf("project to geographic: %v", err)
	}
	if len(geo) != 1 || len(geo[0]) < 5 {
		t.Fatalf("unexpected projected shape: %d rings", len(geo))
	}
	// Densification adds vertices along each edge.
	if len(geo[0]) <= len(ring) {
		t.Fatalf("expected densified ring, got %d points from %d", len(geo[0]), len(ring))
	}

	back, err := ProjectPolygon(geo, 4326, 32632, 1)
	if err != nil {
		t.Fatalf("project back: %v", err)
	}
	bound := back[0].Bound()
	if bound.Min[0] < 299990 || bound.Max[0] > 409810 {
		t.Fatalf("round trip left the tile extent: %+v", bound)
	}
}

func writeGeoJSON(t *testing.T, fc *geojson.FeatureCollection) string {
	t.Helper()
	data, err := fc.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "mask.geojson")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestClipMultiPolygon(t *testing.T) {
	tile := Tile{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000}
	perim := tile.Perimeter()

	// A rectangle reaching past the eastern tile edge.
	rect := orb.Polygon{orb.Ring{
		{350000, 5000000}, {500000, 5000000}, {500000, 5050000}, {350000, 5050000}, {350000, 5000000},
	}}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(rect))
	src := writeGeoJSON(t, fc)

	out := filepath.Join(t.TempDir(), "clipped.geojson")
	kept, err := perim.ClipMultiPolygon(src, out, false)
	if err != nil {
		t.Fatalf("ClipMultiPolygon: %v", err)
	}
	if !kept {
		t.Fatal("expected overlapping geometry to survive the clip")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	clipped, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	bound := clipped.Features[0].Geometry.Bound()
	tileMaxX := 300000 + float64(TileSizeMetres)
	if bound.Max[0] > tileMaxX+1 {
		t.Fatalf("clip leaked past the tile edge: max x %f", bound.Max[0])
	}
	if bound.Min[0] != 350000 {
		t.Fatalf("western edge moved: %f", bound.Min[0])
	}
}

func TestClipMultiPolygonOutside(t *testing.T) {
	tile := Tile{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000}
	perim := tile.Perimeter()

	rect := orb.Polygon{orb.Ring{
		{320000, 5010000}, {340000, 5010000}, {340000, 5030000}, {320000, 5030000}, {320000, 5010000},
	}}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(rect))
	src := writeGeoJSON(t, fc)

	out := filepath.Join(t.TempDir(), "outside.geojson")
	kept, err := perim.ClipMultiPolygon(src, out, true)
	if err != nil {
		t.Fatalf("ClipMultiPolygon: %v", err)
	}
	if !kept {
		t.Fatal("expected the complement to be non-empty")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	clipped, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	mp, ok := clipped.Features[0].Geometry.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("unexpected geometry type %T", clipped.Features[0].Geometry)
	}
	if len(mp) != 1 || len(mp[0]) != 2 {
		t.Fatalf("expected one polygon with one hole, got %d/%d", len(mp), len(mp[0]))
	}
}

func TestClipMultiPolygonNoOverlap(t *testing.T) {
	tile := Tile{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000}
	perim := tile.Perimeter()

	rect := orb.Polygon{orb.Ring{
		{600000, 6000000}, {610000, 6000000}, {610000, 6010000}, {600000, 6010000}, {600000, 6000000},
	}}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(rect))
	src := writeGeoJSON(t, fc)

	out := filepath.Join(t.TempDir(), "empty.geojson")
	kept, err := perim.ClipMultiPolygon(src, out, false)
	if err != nil {
		t.Fatalf("ClipMultiPolygon: %v", err)
	}
	if kept {
		t.Fatal("expected no geometry to survive")
	}
}
