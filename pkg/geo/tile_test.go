package geo

import (
	"os"
	"path/filepath"
	"testing"
)

func testTiles() []Tile {
	return []Tile{
		{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000},
		{ID: "32TLQ", EPSG: 32632, ULX: 300000, ULY: 4990200},
		{ID: "33WXS", EPSG: 32633, ULX: 600000, ULY: 7500000},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(testTiles())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tile, ok := r.Get("32TLR")
	if !ok {
		t.Fatal("expected tile 32TLR")
	}
	if tile.EPSG != 32632 {
		t.Fatalf("EPSG = %d, want 32632", tile.EPSG)
	}

	// The leading T is optional on lookup.
	if _, ok := r.Get("T32TLR"); !ok {
		t.Fatal("expected lookup with T prefix to succeed")
	}
	if _, ok := r.Get("99ZZZ"); ok {
		t.Fatal("expected unknown tile to miss")
	}

	ids := r.IDs()
	if len(ids) != 3 {
		t.Fatalf("IDs() returned %d entries, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("IDs() not sorted: %v", ids)
		}
	}
}

func TestNewRegistryAutoEPSG(t *testing.T) {
	r, err := NewRegistry([]Tile{{ID: "38SLJ", ULX: 300000, ULY: 4100000}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tile, _ := r.Get("38SLJ")
	if tile.EPSG != 32638 {
		t.Fatalf("derived EPSG = %d, want 32638", tile.EPSG)
	}
}

func TestNewRegistryRejects(t *testing.T) {
	if _, err := NewRegistry([]Tile{{ID: "3TLR", EPSG: 32632}}); err == nil {
		t.Fatal("expected error for malformed tile id")
	}
	dup := []Tile{
		{ID: "32TLR", EPSG: 32632},
		{ID: "32TLR", EPSG: 32632},
	}
	if _, err := NewRegistry(dup); err == nil {
		t.Fatal("expected error for duplicate tile id")
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.yaml")
	doc := `tiles:
  - id: 32TLR
    epsg: 32632
    ulx: 300000
    uly: 5100000
  - id: 33WXS
    ulx: 600000
    uly: 7500000
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	tile, ok := r.Get("33WXS")
	if !ok {
		t.Fatal("expected tile 33WXS")
	}
	if tile.EPSG != 32633 {
		t.Fatalf("derived EPSG = %d, want 32633", tile.EPSG)
	}

	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTileMeta(t *testing.T) {
	tile := Tile{ID: "32TLR", EPSG: 32632, ULX: 300000, ULY: 5100000}
	meta := tile.Meta()
	if meta.Width != TileGridPixels || meta.Height != TileGridPixels {
		t.Fatalf("unexpected grid size %dx%d", meta.Width, meta.Height)
	}
	minx, miny, maxx, maxy := meta.Bounds()
	if minx != 300000 || maxy != 5100000 {
		t.Fatalf("upper-left corner moved: (%f, %f)", minx, maxy)
	}
	if maxx-minx != TileSizeMetres || maxy-miny != TileSizeMetres {
		t.Fatalf("tile extent %f x %f, want %d", maxx-minx, maxy-miny, TileSizeMetres)
	}
}

func TestRegistryIntersecting(t *testing.T) {
	r, err := NewRegistry(testTiles())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	// A footprint covering the upper half of 32TLR. It must match 32TLR
	// but not the tile directly south of it or the Scandinavian one.
	tile, _ := r.Get("32TLR")
	meta := tile.Meta()
	meta.Height = meta.Height / 2
	hits, err := r.Intersecting(PerimeterFromMeta(meta))
	if err != nil {
		t.Fatalf("Intersecting: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "32TLR" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}
