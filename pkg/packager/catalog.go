package packager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

// ProductInfo is everything the metadata documents need about one
// finished product.
type ProductInfo struct {
	ProductID   string
	ProductType string

	// Geometry is the product footprint in WGS84: the valid-data hull,
	// or the tile perimeter for S1-derived products.
	Geometry orb.Geometry

	SensingStart   time.Time
	SensingStop    time.Time
	ProductionDate time.Time

	// CloudCoverPct is 0..100.
	CloudCoverPct int

	// ResolutionM is the pixel size in metres.
	ResolutionM int

	// Baseline is the processing baseline tag, e.g. V100.
	Baseline string
}

// WGS84Bounds returns west, south, east, north of the footprint.
func (i ProductInfo) WGS84Bounds() (west, south, east, north float64) {
	b := i.Geometry.Bound()
	return b.Min[0], b.Min[1], b.Max[0], b.Max[1]
}

// catalogSubmission is the dias_catalog_submit.json document consumed by
// the publication service.
type catalogSubmission struct {
	ProductIdentifier  string `json:"productIdentifier"`
	ProductType        string `json:"productType"`
	Geometry           string `json:"geometry"`
	ResourceSize       int64  `json:"resourceSize"`
	StartDate          string `json:"startDate"`
	CompletionDate     string `json:"completionDate"`
	CloudCover         int    `json:"cloudCover"`
	Resolution         int    `json:"resolution"`
	ProcessingBaseline string `json:"processingBaseline"`
}

// WriteCatalogSubmission writes dias_catalog_submit.json into dir. The
// resource size is the byte total of everything already in the product
// directory, so this is the last document written.
func WriteCatalogSubmission(dir string, info ProductInfo) (string, error) {
	if info.Geometry == nil {
		return "", fmt.Errorf("catalog submission requires a footprint geometry")
	}
	if info.CloudCoverPct < 0 || info.CloudCoverPct > 100 {
		return "", fmt.Errorf("cloud cover %d out of range", info.CloudCoverPct)
	}
	if degenerate(info.Geometry) {
		return "", fmt.Errorf("catalog submission footprint is degenerate")
	}

	size, err := treeSize(dir)
	if err != nil {
		return "", err
	}
	doc := catalogSubmission{
		ProductIdentifier:  info.ProductID,
		ProductType:        info.ProductType,
		Geometry:           wkt.MarshalString(info.Geometry),
		ResourceSize:       size,
		StartDate:          msTime(info.SensingStart),
		CompletionDate:     msTime(info.SensingStop),
		CloudCover:         info.CloudCoverPct,
		Resolution:         info.ResolutionM,
		ProcessingBaseline: info.Baseline,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "dias_catalog_submit.json")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("write catalog submission: %w", err)
	}
	return path, nil
}

func degenerate(g orb.Geometry) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.Area(geom) == 0
	case orb.MultiPolygon:
		return planar.Area(geom) == 0
	}
	return false
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure product directory: %w", err)
	}
	return total, nil
}
