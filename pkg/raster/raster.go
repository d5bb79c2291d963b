// Package raster defines the raster access contract used by the orchestration
// core.
//
// The core does not implement GeoTIFF internals. Production deployments use
// the gdalcli driver, which shells out to the GDAL command line utilities with
// the same process supervision as the scientific executables. Unit tests use
// the memdriver, which keeps datasets in memory.
//
// Only 8-bit bands are supported: every product layer emitted by the chain
// (class rasters, QC layers, bit flags, fractional covers 0-100) is uint8.
package raster

import (
	"errors"
	"fmt"
)

// Sentinel errors for raster operations.
var (
	// ErrNotFound indicates the dataset does not exist.
	ErrNotFound = errors.New("dataset not found")

	// ErrBandOutOfRange indicates a band index beyond the dataset.
	ErrBandOutOfRange = errors.New("band index out of range")

	// ErrDimensionMismatch indicates band dimensions that disagree with the
	// dataset metadata.
	ErrDimensionMismatch = errors.New("band dimensions mismatch")
)

// Meta describes the georeferencing of a raster dataset.
type Meta struct {
	// Width and Height are the raster dimensions in pixels.
	Width  int
	Height int

	// Transform is the affine geotransform in GDAL order:
	// x = t[0] + col*t[1] + row*t[2]
	// y = t[3] + col*t[4] + row*t[5]
	Transform [6]float64

	// EPSG is the coordinate reference system code.
	EPSG int
}

// PixelToGeo converts a (col, row) pixel coordinate to CRS coordinates.
func (m Meta) PixelToGeo(col, row float64) (x, y float64) {
	t := m.Transform
	return t[0] + col*t[1] + row*t[2], t[3] + col*t[4] + row*t[5]
}

// Bounds returns the dataset extent (minx, miny, maxx, maxy) in its CRS.
func (m Meta) Bounds() (minx, miny, maxx, maxy float64) {
	x0, y0 := m.PixelToGeo(0, 0)
	x1, y1 := m.PixelToGeo(float64(m.Width), float64(m.Height))
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return x0, y0, x1, y1
}

// Resolution returns the absolute pixel size on each axis.
func (m Meta) Resolution() (xres, yres float64) {
	xres = m.Transform[1]
	if xres < 0 {
		xres = -xres
	}
	yres = m.Transform[5]
	if yres < 0 {
		yres = -yres
	}
	return xres, yres
}

// Band holds one uint8 raster band in row-major order.
type Band struct {
	Width  int
	Height int
	Pixels []uint8
}

// NewBand allocates a band filled with the given value.
func NewBand(width, height int, fill uint8) *Band {
	px := make([]uint8, width*height)
	if fill != 0 {
		for i := range px {
			px[i] = fill
		}
	}
	return &Band{Width: width, Height: height, Pixels: px}
}

// At returns the pixel at (col, row).
func (b *Band) At(col, row int) uint8 {
	return b.Pixels[row*b.Width+col]
}

// Set writes the pixel at (col, row).
func (b *Band) Set(col, row int, v uint8) {
	b.Pixels[row*b.Width+col] = v
}

// Dataset is a fully loaded raster: metadata plus bands.
type Dataset struct {
	Meta   Meta
	Bands  []*Band
	NoData *float64
}

// Validate checks that band dimensions agree with the metadata.
func (d *Dataset) Validate() error {
	if d.Meta.Width <= 0 || d.Meta.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", d.Meta.Width, d.Meta.Height)
	}
	for i, b := range d.Bands {
		if b.Width != d.Meta.Width || b.Height != d.Meta.Height {
			return fmt.Errorf("band %d: %w", i, ErrDimensionMismatch)
		}
		if len(b.Pixels) != b.Width*b.Height {
			return fmt.Errorf("band %d: pixel buffer length %d", i, len(b.Pixels))
		}
	}
	return nil
}

// PaletteEntry is one colour table entry.
type PaletteEntry struct {
	Value   uint8
	R, G, B uint8
	// Alpha is 0 for fully transparent entries (nodata), 255 otherwise.
	Alpha uint8
}

// Palette is a class-value colour table.
type Palette []PaletteEntry

// Lookup returns the entry for a value, or a transparent black fallback.
func (p Palette) Lookup(v uint8) PaletteEntry {
	for _, e := range p {
		if e.Value == v {
			return e
		}
	}
	return PaletteEntry{Value: v}
}

// Resampling identifies a resampling method.
type Resampling string

const (
	// ResampleNearest is mandatory for discrete class rasters.
	ResampleNearest Resampling = "nearest"

	// ResampleCubic is used for continuous elevation data.
	// Bilinear is never used for class rasters.
	ResampleCubic Resampling = "cubic"
)
