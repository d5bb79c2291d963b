package raster

import "context"

// COGOptions configures cloud-optimised GeoTIFF re-encoding.
type COGOptions struct {
	// BlockSize is the internal tile size, 256 or 1024.
	BlockSize int

	// OverviewFactors lists the internal overview levels to build.
	OverviewFactors []int

	// Resampling is the overview resampling method.
	Resampling Resampling

	// Palette, when non-empty, is written as the band colour table.
	Palette Palette
}

// DefaultCOGOptions returns the product-chain encoding invariants:
// 256x256 tiles, DEFLATE level 4 predictor 1, nearest-neighbour overviews
// at factors 2..32.
func DefaultCOGOptions() COGOptions {
	return COGOptions{
		BlockSize:       256,
		OverviewFactors: []int{2, 4, 8, 16, 32},
		Resampling:      ResampleNearest,
	}
}

// WarpOptions configures reprojection and masking.
type WarpOptions struct {
	DstEPSG    int
	Resampling Resampling
	// CutlinePath restricts the output to the polygons of a GeoJSON file.
	CutlinePath string
	NoData     *float64
}

// RasterizeOptions configures vector-to-raster burning.
type RasterizeOptions struct {
	// Like is the grid the output must align with.
	Like Meta
	// BurnValue is written where geometry covers a pixel.
	BurnValue uint8
}

// Driver is the raster access contract.
//
// Implementations must be safe for sequential use within one worker; the
// orchestration core never shares a dataset path between workers.
type Driver interface {
	// Info returns georeferencing metadata without reading pixels.
	Info(ctx context.Context, path string) (Meta, error)

	// Read loads a full dataset. Returns ErrNotFound for missing paths.
	Read(ctx context.Context, path string) (*Dataset, error)

	// Write stores a dataset as a plain tiled GeoTIFF.
	Write(ctx context.Context, path string, ds *Dataset) error

	// TranslateCOG re-encodes src into a cloud-optimised GeoTIFF at dst.
	TranslateCOG(ctx context.Context, src, dst string, opts COGOptions) error

	// Warp reprojects src into dst.
	Warp(ctx context.Context, src, dst string, opts WarpOptions) error

	// Rasterize burns a vector source (GeoJSON path) onto a new raster.
	Rasterize(ctx context.Context, vectorPath, dst string, opts RasterizeOptions) error

	// Quicklook writes a size x size palette-indexed PNG preview of the
	// first band of src.
	Quicklook(ctx context.Context, src, dst string, size int, palette Palette) error
}

// Initialize creates a dataset at path with nbands bands and an immediate
// constant fill. When weights is non-nil, pixels are filled by weighted
// random choice over its keys instead; the seed keeps test output stable.
func Initialize(ctx context.Context, drv Driver, meta Meta, path string, nbands int, nodata *float64, fill uint8, weights map[uint8]float64, seed int64) error {
	ds := &Dataset{Meta: meta, NoData: nodata}
	for i := 0; i < nbands; i++ {
		b := NewBand(meta.Width, meta.Height, fill)
		if weights != nil {
			fillWeighted(b, weights, seed+int64(i))
		}
		ds.Bands = append(ds.Bands, b)
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	return drv.Write(ctx, path, ds)
}

// fillWeighted fills a band by weighted random choice over the given values.
func fillWeighted(b *Band, weights map[uint8]float64, seed int64) {
	values := make([]uint8, 0, len(weights))
	for v := range weights {
		values = append(values, v)
	}
	// Deterministic order for a deterministic stream.
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j-1] > values[j]; j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
	var total float64
	for _, v := range values {
		total += weights[v]
	}
	state := uint64(seed)*6364136223846793005 + 1442695040888963407
	for i := range b.Pixels {
		state = state*6364136223846793005 + 1442695040888963407
		r := float64(state>>11) / float64(1<<53) * total
		acc := 0.0
		choice := values[len(values)-1]
		for _, v := range values {
			acc += weights[v]
			if r < acc {
				choice = v
				break
			}
		}
		b.Pixels[i] = choice
	}
}
