// Package packager assembles finished product directories: COG raster
// layers with per-kind palettes, INSPIRE metadata, the catalogue
// submission document and a quick-look preview. Every file in a product
// directory is prefixed by the product id.
package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/geo"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
)

// QuicklookSize is the edge length of the preview PNG.
const QuicklookSize = 1000

// Request describes one packaging run.
type Request struct {
	Kind ident.Kind

	// SourceRasters maps layer suffixes to the raw rasters the
	// processing step produced.
	SourceRasters map[string]string

	// OutDir receives the product directory `{OutDir}/{ProductID}`.
	OutDir string

	// InspireTemplate overrides the built-in metadata template.
	InspireTemplate string

	// TilePerimeter, when set, is used as the footprint instead of the
	// valid-data hull. S1-derived products span several tiles and get
	// the perimeter of each packaged tile.
	TilePerimeter *geo.RasterPerimeter

	// HullAlpha is the concave hull tolerance; zero means convex.
	HullAlpha float64

	Info ProductInfo
}

// Config configures a Packager.
type Config struct {
	Driver raster.Driver
	Logger *zap.Logger
}

// Packager turns raw processing output into a publishable product
// directory.
type Packager struct {
	drv raster.Driver
	log *zap.Logger
}

// New validates cfg and builds a Packager.
func New(cfg Config) (*Packager, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("packager requires a raster driver")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Packager{drv: cfg.Driver, log: cfg.Logger}, nil
}

// Package assembles the product directory and returns its path. The
// directory satisfies Verify on success.
func (p *Packager) Package(ctx context.Context, req Request) (string, error) {
	layers, err := Layers(req.Kind)
	if err != nil {
		return "", err
	}
	if req.Info.ProductID == "" {
		return "", fmt.Errorf("packaging requires a product id")
	}

	dir := filepath.Join(req.OutDir, req.Info.ProductID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create product directory: %w", err)
	}

	// Re-encode every raster layer to COG with its palette.
	for _, suffix := range layers.Rasters {
		src, ok := req.SourceRasters[suffix]
		if !ok {
			return "", fmt.Errorf("missing source raster for layer %s", suffix)
		}
		dst := filepath.Join(dir, req.Info.ProductID+"_"+suffix+".tif")
		opts := raster.DefaultCOGOptions()
		opts.Palette = layers.Palettes[suffix]
		if err := p.drv.TranslateCOG(ctx, src, dst, opts); err != nil {
			return "", fmt.Errorf("encode layer %s: %w", suffix, err)
		}
	}

	mainPath := filepath.Join(dir, req.Info.ProductID+"_"+layers.Main+".tif")

	// Footprint: tile perimeter for S1-derived products, valid-data hull
	// otherwise.
	if req.Info.Geometry == nil {
		g, err := p.footprint(ctx, mainPath, req)
		if err != nil {
			return "", err
		}
		req.Info.Geometry = g
	}

	// Quick-look from the main layer.
	thumb := filepath.Join(dir, req.Info.ProductID+"_thumbnail.png")
	if err := p.drv.Quicklook(ctx, mainPath, thumb, QuicklookSize, layers.Palettes[layers.Main]); err != nil {
		return "", fmt.Errorf("render quicklook: %w", err)
	}

	if _, err := WriteInspire(dir, req.InspireTemplate, req.Info); err != nil {
		return "", err
	}

	// Last: the submission document measures the finished directory.
	if _, err := WriteCatalogSubmission(dir, req.Info); err != nil {
		return "", err
	}

	if err := Verify(req.Kind, req.Info.ProductID, dir); err != nil {
		return "", err
	}
	p.log.Info("product packaged",
		zap.String("product", req.Info.ProductID),
		zap.String("dir", dir))
	return dir, nil
}

// footprint derives the WGS84 product footprint.
func (p *Packager) footprint(ctx context.Context, mainPath string, req Request) (orb.Geometry, error) {
	if req.TilePerimeter != nil {
		poly, err := req.TilePerimeter.ProjectedPerimeter(4326, 100)
		if err != nil {
			return nil, fmt.Errorf("project tile perimeter: %w", err)
		}
		return poly, nil
	}

	meta, err := p.drv.Info(ctx, mainPath)
	if err != nil {
		return nil, err
	}
	hull, err := geo.ValidDataHull(ctx, p.drv, mainPath, geo.HullOptions{
		InvalidValues: []uint8{QCCloud, QCNoData},
		Alpha:         req.HullAlpha,
	})
	if err != nil {
		return nil, fmt.Errorf("valid data hull: %w", err)
	}
	projected, err := geo.ProjectPolygon(hull, meta.EPSG, 4326, 20)
	if err != nil {
		return nil, fmt.Errorf("project hull: %w", err)
	}
	return projected, nil
}

// Verify checks that a product directory holds every mandatory file for
// its kind, all prefixed by the product id.
func Verify(kind ident.Kind, productID, dir string) error {
	layers, err := Layers(kind)
	if err != nil {
		return err
	}
	patterns := []string{
		productID + "_MTD.xml",
		productID + "_thumbnail.png",
		"dias_catalog_submit.json",
	}
	for _, suffix := range layers.Rasters {
		patterns = append(patterns, productID+"_"+suffix+".tif")
	}

	fsys := os.DirFS(dir)
	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return fmt.Errorf("layout check %s: %w", pat, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("product %s incomplete: missing %s", productID, pat)
		}
	}

	// Nothing in the directory may carry a foreign product id prefix.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == "dias_catalog_submit.json" {
			continue
		}
		ok, err := doublestar.Match(productID+"_*", name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("unexpected file %s in product %s", name, productID)
		}
	}
	return nil
}
