package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/geo"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore/sqlite"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster/memdriver"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
)

const testL1CID = "S2A_MSIL1C_20200614T103031_N0209_R108_T32TLR_20200614T124154"

// newTestDeps wires every pipeline collaborator against local fakes: an
// in-memory job store, local-path staging and an in-memory raster driver
// that also persists files for the on-disk layout checks.
func newTestDeps(t *testing.T, workDir string) (Deps, *sqlite.Store, *memdriver.Driver) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	drv := memdriver.New()
	drv.Persist = true
	pkgr, err := packager.New(packager.Config{Driver: drv})
	if err != nil {
		t.Fatalf("packager.New: %v", err)
	}
	exe, err := NewExecutor(ExecutorConfig{LogRoot: workDir})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	tiles, err := geo.NewRegistry([]geo.Tile{{ID: "32TLR", EPSG: 32632, ULX: 399960, ULY: 5100000}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return Deps{
		Store:    store,
		Stager:   staging.New(staging.Config{}),
		Driver:   drv,
		Packager: pkgr,
		Executor: exe,
		Tiles:    tiles,
		OutDir:   t.TempDir(),
	}, store, drv
}

// writeLayerRaster registers a small snow raster both in the driver and
// on disk at path.
func writeLayerRaster(t *testing.T, drv *memdriver.Driver, path string, fill uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ds := &raster.Dataset{
		Meta: raster.Meta{
			Width: 8, Height: 8,
			Transform: [6]float64{399960, 20, 0, 5100000, 0, -20},
			EPSG:      32632,
		},
		Bands: []*raster.Band{raster.NewBand(8, 8, fill)},
	}
	if err := drv.Write(context.Background(), path, ds); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newFSCJob(t *testing.T, store jobstore.Store, workDir, l1cPath string) *Job {
	t.Helper()
	parent := &jobstore.ParentJob{
		UniqueID:   "fsc_" + testL1CID,
		Name:       jobstore.PipelineFSCRLIE,
		TileID:     "32TLR",
		LastStatus: jobstore.StatusInitialized,
	}
	if err := store.Post(context.Background(), parent); err != nil {
		t.Fatalf("Post parent: %v", err)
	}
	detail := &jobstore.FSCRLIEJob{
		ParentID:      parent.ID,
		L1CID:         testL1CID,
		L1CPath:       l1cPath,
		L1CCloudCover: 12,
	}
	if err := store.Post(context.Background(), detail); err != nil {
		t.Fatalf("Post detail: %v", err)
	}
	sf, err := OpenStatusFile(workDir)
	if err != nil {
		t.Fatalf("OpenStatusFile: %v", err)
	}
	dict, err := OpenProductDict(workDir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	return &Job{Parent: parent, Detail: detail, WorkDir: workDir, Status: sf, Dict: dict}
}

func fakeL1C(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), testL1CID+".SAFE")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "MTD_MSIL1C.xml"), []byte("<x/>"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestFSCJobProducesPackagedProduct(t *testing.T) {
	workDir := t.TempDir()
	deps, store, drv := newTestDeps(t, workDir)

	// The snow layers exist up front; the fake LIS only has to exit zero.
	for suffix, fill := range map[string]uint8{
		"FSCTOC": 60, "FSCOG": 55, "QCTOC": 1, "QCOG": 1, "QCFLAGS": 0,
	} {
		writeLayerRaster(t, drv, filepath.Join(workDir, "lis", suffix+".tif"), fill)
	}

	maja := writeScript(t, `mkdir -p maja/L2A
echo "<L2A/>" > maja/L2A/MTD_ALL.xml
`)
	lis := writeScript(t, `exit 0`)

	pipe, err := NewFSC(FSCConfig{
		Deps: deps,
		MAJA: Tool{Path: maja},
		LIS:  Tool{Path: lis},
		Mode: ModeNominal,
	})
	if err != nil {
		t.Fatalf("NewFSC: %v", err)
	}
	m, err := New(Config{Store: store, Pipeline: pipe})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	job := newFSCJob(t, store, workDir, fakeL1C(t))
	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}

	detail := job.Detail.(*jobstore.FSCRLIEJob)
	if detail.FSCPath == "" {
		t.Fatal("FSCPath not recorded")
	}
	if detail.RLIEPath != "" {
		t.Fatalf("RLIEPath = %q with ice disabled", detail.RLIEPath)
	}
	productID := filepath.Base(detail.FSCPath)
	for _, name := range []string{
		productID + "_FSCTOC.tif",
		productID + "_QCFLAGS.tif",
		productID + "_MTD.xml",
		"dias_catalog_submit.json",
	} {
		if _, err := os.Stat(filepath.Join(detail.FSCPath, name)); err != nil {
			t.Fatalf("product file %s: %v", name, err)
		}
	}

	// The path travelled to the store too.
	f := jobstore.Eq("id", detail.ID)
	rows, err := store.Get(context.Background(), f, func() jobstore.Persistable { return &jobstore.FSCRLIEJob{} })
	if err != nil || len(rows) != 1 {
		t.Fatalf("Get detail: %v (%d rows)", err, len(rows))
	}
	if rows[0].(*jobstore.FSCRLIEJob).FSCPath != detail.FSCPath {
		t.Fatal("persisted FSCPath differs")
	}

	last, _ := job.Status.Last()
	if last != TagExitingCompleted {
		t.Fatalf("last tag = %q", last)
	}
}

func TestFSCJobCloudySceneEndsWithoutProduct(t *testing.T) {
	workDir := t.TempDir()
	deps, store, _ := newTestDeps(t, workDir)

	maja := writeScript(t, `echo "Too cloudy !"
exit 0
`)
	pipe, err := NewFSC(FSCConfig{
		Deps: deps,
		MAJA: Tool{Path: maja},
		LIS:  Tool{Path: writeScript(t, `exit 0`)},
		Mode: ModeNominal,
	})
	if err != nil {
		t.Fatalf("NewFSC: %v", err)
	}
	m, err := New(Config{Store: store, Pipeline: pipe})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	job := newFSCJob(t, store, workDir, fakeL1C(t))
	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}
	last, _ := job.Status.Last()
	if last != TagExitingCloudy {
		t.Fatalf("last tag = %q", last)
	}
	if job.Detail.(*jobstore.FSCRLIEJob).FSCPath != "" {
		t.Fatal("cloudy run recorded a product path")
	}
}

func TestFSCConfigureRejectsForeignInput(t *testing.T) {
	workDir := t.TempDir()
	deps, store, _ := newTestDeps(t, workDir)

	pipe, err := NewFSC(FSCConfig{
		Deps: deps,
		MAJA: Tool{Path: writeScript(t, `exit 0`)},
		LIS:  Tool{Path: writeScript(t, `exit 0`)},
		Mode: ModeNominal,
	})
	if err != nil {
		t.Fatalf("NewFSC: %v", err)
	}

	job := newFSCJob(t, store, workDir, fakeL1C(t))
	job.Detail.(*jobstore.FSCRLIEJob).L1CID = "S1A_IW_GRDH_1SDV_20200614T051625_20200614T051650_032958_03D123_A1B2"
	job.Log = deps.logger()
	err = pipe.Configure(context.Background(), job)
	if err == nil {
		t.Fatal("Configure accepted a GRD scene")
	}
}
