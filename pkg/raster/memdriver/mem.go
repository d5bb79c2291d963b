// Package memdriver provides an in-memory raster.Driver used by unit tests.
//
// Datasets are keyed by path. Operations that would shell out to GDAL in
// production (COG translation, warping) are modelled just faithfully enough
// for the orchestration core's tests: pixel contents are preserved and the
// encoding options applied are recorded for assertions.
package memdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster/tiffio"
)

// Driver is an in-memory raster.Driver.
type Driver struct {
	mu sync.Mutex

	datasets map[string]*raster.Dataset

	// COGOps records the options of every TranslateCOG call by dst path.
	COGOps map[string]raster.COGOptions

	// Persist, when set, additionally writes every dataset to disk as a
	// baseline TIFF so tests that check directory layouts and sizes see
	// real files. Paths must then live under a writable directory.
	Persist bool
}

// New returns an empty in-memory driver.
func New() *Driver {
	return &Driver{
		datasets: map[string]*raster.Dataset{},
		COGOps:   map[string]raster.COGOptions{},
	}
}

func (d *Driver) get(path string) (*raster.Dataset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.datasets[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, raster.ErrNotFound)
	}
	return ds, nil
}

// Info implements raster.Driver.
func (d *Driver) Info(_ context.Context, path string) (raster.Meta, error) {
	ds, err := d.get(path)
	if err != nil {
		return raster.Meta{}, err
	}
	return ds.Meta, nil
}

// Read implements raster.Driver.
func (d *Driver) Read(_ context.Context, path string) (*raster.Dataset, error) {
	ds, err := d.get(path)
	if err != nil {
		return nil, err
	}
	return cloneDataset(ds), nil
}

// Write implements raster.Driver.
func (d *Driver) Write(_ context.Context, path string, ds *raster.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.datasets[path] = cloneDataset(ds)
	persist := d.Persist
	d.mu.Unlock()

	if !persist {
		return nil
	}
	img := &tiffio.Image{Width: ds.Meta.Width, Height: ds.Meta.Height}
	for _, b := range ds.Bands {
		img.Bands = append(img.Bands, append([]uint8(nil), b.Pixels...))
	}
	return tiffio.Encode(path, img)
}

// TranslateCOG implements raster.Driver. Pixels are copied verbatim; the
// options are recorded so tests can assert the encoding invariants.
func (d *Driver) TranslateCOG(ctx context.Context, src, dst string, opts raster.COGOptions) error {
	ds, err := d.Read(ctx, src)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.COGOps[dst] = opts
	d.mu.Unlock()
	return d.Write(ctx, dst, ds)
}

// Warp implements raster.Driver. The in-memory driver does not reproject;
// it retags the CRS and copies pixels, which is sufficient for the state
// machine tests that only check artifact flow.
func (d *Driver) Warp(ctx context.Context, src, dst string, opts raster.WarpOptions) error {
	ds, err := d.Read(ctx, src)
	if err != nil {
		return err
	}
	if opts.DstEPSG != 0 {
		ds.Meta.EPSG = opts.DstEPSG
	}
	if opts.NoData != nil {
		ds.NoData = opts.NoData
	}
	return d.Write(ctx, dst, ds)
}

// Rasterize implements raster.Driver over GeoJSON Polygon/MultiPolygon
// sources, burning pixels whose centre falls inside any ring.
func (d *Driver) Rasterize(ctx context.Context, vectorPath, dst string, opts raster.RasterizeOptions) error {
	rings, err := loadGeoJSONRings(vectorPath)
	if err != nil {
		return err
	}
	b := raster.NewBand(opts.Like.Width, opts.Like.Height, 0)
	for row := 0; row < opts.Like.Height; row++ {
		for col := 0; col < opts.Like.Width; col++ {
			x, y := opts.Like.PixelToGeo(float64(col)+0.5, float64(row)+0.5)
			if anyRingContains(rings, x, y) {
				b.Set(col, row, opts.BurnValue)
			}
		}
	}
	return d.Write(ctx, dst, &raster.Dataset{Meta: opts.Like, Bands: []*raster.Band{b}})
}

// Quicklook implements raster.Driver with a nearest-neighbour downsample
// through the palette.
func (d *Driver) Quicklook(ctx context.Context, src, dst string, size int, palette raster.Palette) error {
	ds, err := d.Read(ctx, src)
	if err != nil {
		return err
	}
	if len(ds.Bands) == 0 {
		return fmt.Errorf("%s: no bands", src)
	}
	band := ds.Bands[0]
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sc := x * band.Width / size
			sr := y * band.Height / size
			e := palette.Lookup(band.At(sc, sr))
			img.Set(x, y, color.NRGBA{R: e.R, G: e.G, B: e.B, A: e.Alpha})
		}
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func cloneDataset(ds *raster.Dataset) *raster.Dataset {
	out := &raster.Dataset{Meta: ds.Meta}
	if ds.NoData != nil {
		nd := *ds.NoData
		out.NoData = &nd
	}
	for _, b := range ds.Bands {
		px := make([]uint8, len(b.Pixels))
		copy(px, b.Pixels)
		out.Bands = append(out.Bands, &raster.Band{Width: b.Width, Height: b.Height, Pixels: px})
	}
	return out
}

// geoJSON is the subset of GeoJSON the driver understands.
type geoJSON struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
	Geometry *geoJSONGeometry `json:"geometry"`
	Coords   json.RawMessage  `json:"coordinates"`
}

type geoJSONFeature struct {
	Geometry geoJSONGeometry `json:"geometry"`
}

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

func loadGeoJSONRings(path string) ([][][2]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc geoJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse geojson %s: %w", path, err)
	}

	var geoms []geoJSONGeometry
	switch doc.Type {
	case "FeatureCollection":
		for _, f := range doc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Polygon", "MultiPolygon":
		geoms = append(geoms, geoJSONGeometry{Type: doc.Type, Coordinates: doc.Coords})
	default:
		if doc.Geometry != nil {
			geoms = append(geoms, *doc.Geometry)
		}
	}

	var rings [][][2]float64
	for _, g := range geoms {
		switch g.Type {
		case "Polygon":
			var poly [][][2]float64
			if err := json.Unmarshal(g.Coordinates, &poly); err != nil {
				return nil, err
			}
			rings = append(rings, poly...)
		case "MultiPolygon":
			var mp [][][][2]float64
			if err := json.Unmarshal(g.Coordinates, &mp); err != nil {
				return nil, err
			}
			for _, poly := range mp {
				rings = append(rings, poly...)
			}
		}
	}
	return rings, nil
}

func anyRingContains(rings [][][2]float64, x, y float64) bool {
	for _, ring := range rings {
		if ringContains(ring, x, y) {
			return true
		}
	}
	return false
}

// ringContains is an even-odd point-in-ring test.
func ringContains(ring [][2]float64, x, y float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
