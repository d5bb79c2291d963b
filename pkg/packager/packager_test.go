package packager

import (
	"context"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/geo"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster/memdriver"
)

const fscProductID = "FSC_20200614T103031_S2A_T32TLR_V100_1"

func tileMeta() raster.Meta {
	return raster.Meta{
		Width: 8, Height: 8,
		Transform: [6]float64{399960, 20, 0, 5100000, 0, -20},
		EPSG:      32632,
	}
}

func writeSource(t *testing.T, drv *memdriver.Driver, path string, fill uint8) {
	t.Helper()
	ds := &raster.Dataset{Meta: tileMeta(), Bands: []*raster.Band{raster.NewBand(8, 8, fill)}}
	if err := drv.Write(context.Background(), path, ds); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fscRequest(t *testing.T, drv *memdriver.Driver, outDir string) Request {
	t.Helper()
	srcDir := t.TempDir()
	sources := map[string]string{}
	for suffix, fill := range map[string]uint8{
		LayerFSCTOC:  60,
		LayerFSCOG:   55,
		LayerQCTOC:   QCGood,
		LayerQCOG:    QCGood,
		LayerQCFLAGS: 0,
	} {
		path := filepath.Join(srcDir, suffix+".tif")
		writeSource(t, drv, path, fill)
		sources[suffix] = path
	}
	return Request{
		Kind:          ident.KindFSC,
		SourceRasters: sources,
		OutDir:        outDir,
		Info: ProductInfo{
			ProductID:      fscProductID,
			ProductType:    "FSC",
			SensingStart:   time.Date(2020, 6, 14, 10, 30, 31, 0, time.UTC),
			SensingStop:    time.Date(2020, 6, 14, 10, 30, 31, 0, time.UTC),
			ProductionDate: time.Date(2020, 6, 14, 18, 0, 0, 0, time.UTC),
			CloudCoverPct:  12,
			ResolutionM:    20,
			Baseline:       "V100",
		},
	}
}

func TestPackageFSCDirectory(t *testing.T) {
	drv := memdriver.New()
	drv.Persist = true
	p, err := New(Config{Driver: drv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := t.TempDir()
	dir, err := p.Package(context.Background(), fscRequest(t, drv, out))
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if filepath.Base(dir) != fscProductID {
		t.Fatalf("product dir = %s", dir)
	}

	for _, name := range []string{
		fscProductID + "_FSCTOC.tif",
		fscProductID + "_FSCOG.tif",
		fscProductID + "_QCTOC.tif",
		fscProductID + "_QCOG.tif",
		fscProductID + "_QCFLAGS.tif",
		fscProductID + "_MTD.xml",
		fscProductID + "_thumbnail.png",
		"dias_catalog_submit.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestPackageEncodingInvariants(t *testing.T) {
	drv := memdriver.New()
	drv.Persist = true
	p, err := New(Config{Driver: drv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := t.TempDir()
	dir, err := p.Package(context.Background(), fscRequest(t, drv, out))
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	opts, ok := drv.COGOps[filepath.Join(dir, fscProductID+"_FSCTOC.tif")]
	if !ok {
		t.Fatal("main layer not COG encoded")
	}
	if opts.BlockSize != 256 {
		t.Fatalf("block size = %d", opts.BlockSize)
	}
	want := []int{2, 4, 8, 16, 32}
	if len(opts.OverviewFactors) != len(want) {
		t.Fatalf("overview factors = %v", opts.OverviewFactors)
	}
	for i, f := range want {
		if opts.OverviewFactors[i] != f {
			t.Fatalf("overview factors = %v", opts.OverviewFactors)
		}
	}
	if opts.Resampling != raster.ResampleNearest {
		t.Fatalf("resampling = %s", opts.Resampling)
	}
	if len(opts.Palette) == 0 {
		t.Fatal("main layer has no palette")
	}
	nodata := opts.Palette.Lookup(QCNoData)
	if nodata.Alpha != 0 {
		t.Fatal("nodata palette entry not transparent")
	}
}

func TestPackageCatalogSubmission(t *testing.T) {
	drv := memdriver.New()
	drv.Persist = true
	p, err := New(Config{Driver: drv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := t.TempDir()
	dir, err := p.Package(context.Background(), fscRequest(t, drv, out))
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "dias_catalog_submit.json"))
	if err != nil {
		t.Fatalf("read submission: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse submission: %v", err)
	}
	if doc["productIdentifier"] != fscProductID {
		t.Fatalf("productIdentifier = %v", doc["productIdentifier"])
	}
	geom, _ := doc["geometry"].(string)
	if !strings.HasPrefix(geom, "POLYGON") {
		t.Fatalf("geometry = %q", geom)
	}
	start, _ := doc["startDate"].(string)
	if start != "2020-06-14T10:30:31.000Z" {
		t.Fatalf("startDate = %q", start)
	}
	if size, _ := doc["resourceSize"].(float64); size <= 0 {
		t.Fatalf("resourceSize = %v", doc["resourceSize"])
	}
	if cc, _ := doc["cloudCover"].(float64); cc != 12 {
		t.Fatalf("cloudCover = %v", doc["cloudCover"])
	}
	if doc["processingBaseline"] != "V100" {
		t.Fatalf("processingBaseline = %v", doc["processingBaseline"])
	}
}

func TestPackageQuicklookSize(t *testing.T) {
	drv := memdriver.New()
	drv.Persist = true
	p, err := New(Config{Driver: drv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := t.TempDir()
	dir, err := p.Package(context.Background(), fscRequest(t, drv, out))
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	fh, err := os.Open(filepath.Join(dir, fscProductID+"_thumbnail.png"))
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer fh.Close()
	img, err := png.Decode(fh)
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if b := img.Bounds(); b.Dx() != QuicklookSize || b.Dy() != QuicklookSize {
		t.Fatalf("thumbnail %dx%d", b.Dx(), b.Dy())
	}
}

func TestPackageUsesTilePerimeterForS1(t *testing.T) {
	drv := memdriver.New()
	drv.Persist = true
	p, err := New(Config{Driver: drv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	productID := "RLIE_20200617T052000_S1B_T32TLR_V100_1"
	srcDir := t.TempDir()
	sources := map[string]string{}
	for _, suffix := range []string{LayerRLIE, LayerQC, LayerQCFLAGS} {
		path := filepath.Join(srcDir, suffix+".tif")
		writeSource(t, drv, path, 100)
		sources[suffix] = path
	}
	perim := geo.PerimeterFromMeta(tileMeta())

	dir, err := p.Package(context.Background(), Request{
		Kind:          ident.KindRLIE,
		SourceRasters: sources,
		OutDir:        t.TempDir(),
		TilePerimeter: &perim,
		Info: ProductInfo{
			ProductID:      productID,
			ProductType:    "RLIE",
			SensingStart:   time.Date(2020, 6, 17, 5, 20, 0, 0, time.UTC),
			SensingStop:    time.Date(2020, 6, 17, 5, 20, 25, 0, time.UTC),
			ProductionDate: time.Now().UTC(),
			CloudCoverPct:  0,
			ResolutionM:    20,
			Baseline:       "V100",
		},
	})
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "dias_catalog_submit.json"))
	if err != nil {
		t.Fatalf("read submission: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse submission: %v", err)
	}
	geom, _ := doc["geometry"].(string)
	if !strings.HasPrefix(geom, "POLYGON") {
		t.Fatalf("geometry = %q", geom)
	}
	// The footprint must be in geographic coordinates, not UTM metres.
	first := strings.TrimPrefix(geom, "POLYGON((")
	first = strings.TrimPrefix(first, "POLYGON ((")
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	lon, err := strconv.ParseFloat(first, 64)
	if err != nil || lon < -180 || lon > 180 {
		t.Fatalf("perimeter not in geographic coordinates: %q", geom)
	}
}

func TestRenderInspireRejectsLeftoverPlaceholders(t *testing.T) {
	_, err := RenderInspire("<a>[PRODUCT_ID]</a><b>[UNKNOWN_TAG]</b>", ProductInfo{
		ProductID: fscProductID,
		Geometry: orb.Polygon{orb.Ring{
			{12, 46}, {13, 46}, {13, 47}, {12, 47}, {12, 46},
		}},
	})
	if err == nil || !strings.Contains(err.Error(), "[UNKNOWN_TAG]") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRejectsIncompleteAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	// Complete layout.
	for _, name := range []string{
		fscProductID + "_FSCTOC.tif",
		fscProductID + "_FSCOG.tif",
		fscProductID + "_QCTOC.tif",
		fscProductID + "_QCOG.tif",
		fscProductID + "_QCFLAGS.tif",
		fscProductID + "_MTD.xml",
		fscProductID + "_thumbnail.png",
		"dias_catalog_submit.json",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := Verify(ident.KindFSC, fscProductID, dir); err != nil {
		t.Fatalf("Verify complete: %v", err)
	}

	// A file with a foreign prefix fails.
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(ident.KindFSC, fscProductID, dir); err == nil {
		t.Fatal("foreign file accepted")
	}
	os.Remove(filepath.Join(dir, "stray.txt"))

	// A missing mandatory layer fails.
	os.Remove(filepath.Join(dir, fscProductID+"_QCFLAGS.tif"))
	if err := Verify(ident.KindFSC, fscProductID, dir); err == nil {
		t.Fatal("incomplete layout accepted")
	}
}
