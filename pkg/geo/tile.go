package geo

import (
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// Sentinel-2 tiling grid constants: tiles are 109.8 km squares described on
// a 20 m grid for every product layer the chain emits.
const (
	TileSizeMetres = 109800
	TileGridRes    = 20
	TileGridPixels = TileSizeMetres / TileGridRes
)

// Tile is one static entry of the Sentinel-2 tiling grid.
type Tile struct {
	// ID is the 5-character MGRS code without the leading T.
	ID string `yaml:"id"`

	// EPSG is the native UTM CRS of the tile.
	EPSG int `yaml:"epsg"`

	// ULX and ULY are the upper-left corner coordinates in the native CRS.
	ULX float64 `yaml:"ulx"`
	ULY float64 `yaml:"uly"`
}

// Meta returns the 20 m grid description of the tile.
func (t Tile) Meta() raster.Meta {
	return raster.Meta{
		Width:     TileGridPixels,
		Height:    TileGridPixels,
		Transform: [6]float64{t.ULX, TileGridRes, 0, t.ULY, 0, -TileGridRes},
		EPSG:      t.EPSG,
	}
}

// Perimeter returns the tile footprint in its native CRS.
func (t Tile) Perimeter() RasterPerimeter {
	return PerimeterFromMeta(t.Meta())
}

// WGS84Bound returns the tile bounding box in EPSG:4326. The box is derived
// from the native perimeter, never stored.
func (t Tile) WGS84Bound() (orb.Bound, error) {
	poly, err := t.Perimeter().ProjectedPerimeter(4326, DefaultEdgeSubdivisions)
	if err != nil {
		return orb.Bound{}, err
	}
	return poly.Bound(), nil
}

// Registry is the static tile table, keyed by MGRS code.
type Registry struct {
	tiles map[string]Tile
}

// NewRegistry builds a registry from tiles, validating each entry.
func NewRegistry(tiles []Tile) (*Registry, error) {
	r := &Registry{tiles: make(map[string]Tile, len(tiles))}
	for _, t := range tiles {
		if !isValidMGRS(t.ID) {
			return nil, fmt.Errorf("tile %q: invalid MGRS code", t.ID)
		}
		if t.EPSG == 0 {
			epsg, err := UTMEPSG(t.ID)
			if err != nil {
				return nil, err
			}
			t.EPSG = epsg
		}
		if _, dup := r.tiles[t.ID]; dup {
			return nil, fmt.Errorf("tile %q: duplicate entry", t.ID)
		}
		r.tiles[t.ID] = t
	}
	return r, nil
}

// LoadRegistry reads the tile table from a YAML file of the form:
//
//	tiles:
//	  - id: 32TLR
//	    epsg: 32632
//	    ulx: 300000
//	    uly: 5100000
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tile table: %w", err)
	}
	var doc struct {
		Tiles []Tile `yaml:"tiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tile table %s: %w", path, err)
	}
	if len(doc.Tiles) == 0 {
		return nil, fmt.Errorf("tile table %s: no tiles", path)
	}
	return NewRegistry(doc.Tiles)
}

// Get returns the tile for an MGRS code (with or without the leading T).
func (r *Registry) Get(id string) (Tile, bool) {
	if len(id) == 6 && id[0] == 'T' {
		id = id[1:]
	}
	t, ok := r.tiles[id]
	return t, ok
}

// IDs returns all known MGRS codes, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tiles))
	for id := range r.tiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Intersecting returns the tiles whose perimeter intersects the given
// perimeter, sorted by MGRS code.
func (r *Registry) Intersecting(p RasterPerimeter) ([]Tile, error) {
	var out []Tile
	for _, id := range r.IDs() {
		t := r.tiles[id]
		ok, err := t.Perimeter().Intersects(p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func isValidMGRS(s string) bool {
	if len(s) != 5 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if i >= 2 {
				return false
			}
		case r >= 'A' && r <= 'Z':
			if i < 2 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
