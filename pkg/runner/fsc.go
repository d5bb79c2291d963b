package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
)

// FSCConfig configures the Sentinel-2 snow and ice pipeline.
type FSCConfig struct {
	Deps

	// MAJA produces the L2A atmospheric correction, LIS the snow layers,
	// ICE the optional river and lake ice layers. An empty ICE path
	// disables the ice part.
	MAJA Tool
	LIS  Tool
	ICE  Tool

	// Mode is init, backward or nominal.
	Mode string

	// DEMDir is the staged DEM tree the tools read.
	DEMDir string

	// Baseline is the numeric processing baseline of produced ids.
	Baseline int

	// HydroSource returns an alternate river and lake mask for a tile.
	// Nil or a false return keeps the ICE tool's built-in mask.
	HydroSource func(tileID string) (string, bool)

	// SnowState returns the LIS snow state derivation mode for a job.
	// Nil keeps the tool default.
	SnowState func(job *Job) string
}

// FSC runs MAJA, LIS and optionally ICE for one S2 L1C acquisition and
// packages the FSC product plus, when ice was produced, the RLIE product.
type FSC struct {
	cfg FSCConfig
}

// NewFSC validates cfg and builds the pipeline.
func NewFSC(cfg FSCConfig) (*FSC, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if !ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	if cfg.MAJA.Path == "" || cfg.LIS.Path == "" {
		return nil, fmt.Errorf("fsc pipeline requires MAJA and LIS tools")
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 100
	}
	cfg.Deps.logger()
	return &FSC{cfg: cfg}, nil
}

func (p *FSC) Name() string { return jobstore.PipelineFSCRLIE }

// Configure validates the input manifest.
func (p *FSC) Configure(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	id, err := ident.Parse(detail.L1CID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if id.Kind != ident.KindS2L1C {
		return fmt.Errorf("%w: %s is not an L1C product", ErrBadInput, detail.L1CID)
	}
	if _, ok := p.cfg.Tiles.Get(id.Tile); !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, id.Tile)
	}
	if p.cfg.Mode != ModeInit && detail.L2APath == "" {
		job.Log.Warn("no previous L2A, continuing as init", zap.String("l1c", detail.L1CID))
	}
	return nil
}

// PreProcess stages the inputs and writes the MAJA parameter file.
func (p *FSC) PreProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	l1cLocal, err := stage(ctx, p.cfg.Deps, job, "l1c", detail.L1CPath)
	if err != nil {
		return err
	}
	l2aLocal := ""
	if p.cfg.Mode != ModeInit && detail.L2APath != "" {
		if l2aLocal, err = stage(ctx, p.cfg.Deps, job, "l2a_prev", detail.L2APath); err != nil {
			return err
		}
	}

	id, _ := ident.Parse(detail.L1CID)
	if err := p.writeAOI(job, id.Tile); err != nil {
		return err
	}

	params := map[string]any{
		"mode":    p.cfg.Mode,
		"l1c":     l1cLocal,
		"l2a":     l2aLocal,
		"dem":     p.cfg.DEMDir,
		"aoi":     filepath.Join(job.WorkDir, "aoi.geojson"),
		"out_dir": filepath.Join(job.WorkDir, "maja"),
	}
	doc, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(job.WorkDir, "maja_config.yaml")
	if err := os.WriteFile(cfgPath, doc, 0644); err != nil {
		return fmt.Errorf("write tool config: %w", err)
	}
	return job.Dict.Put("maja_config", "maja_config.yaml")
}

// Process runs the tool chain. A "Too cloudy !" from MAJA ends the run
// without a product; a missing land intersection from ICE only disables
// the ice layers.
func (p *FSC) Process(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	if _, done := job.Dict.Resolve("l2a"); !done {
		if _, err := runTool(ctx, p.cfg.Deps, job, "maja", p.cfg.MAJA,
			"--config", filepath.Join(job.WorkDir, "maja_config.yaml")); err != nil {
			return err
		}
		if err := expectArtifacts(job.WorkDir, "maja/L2A/**"); err != nil {
			return err
		}
		if err := job.Dict.Put("l2a", filepath.Join("maja", "L2A")); err != nil {
			return err
		}
	}

	if _, done := job.Dict.Resolve("fsc_toc"); !done {
		args := []string{
			"--l2a", filepath.Join(job.WorkDir, "maja", "L2A"),
			"--out", filepath.Join(job.WorkDir, "lis"),
		}
		if p.cfg.SnowState != nil {
			if mode := p.cfg.SnowState(job); mode != "" {
				args = append(args, "--snow-state", mode)
			}
		}
		if _, err := runTool(ctx, p.cfg.Deps, job, "lis", p.cfg.LIS, args...); err != nil {
			return err
		}
		if err := expectArtifacts(job.WorkDir,
			"lis/FSCTOC.tif", "lis/FSCOG.tif",
			"lis/QCTOC.tif", "lis/QCOG.tif", "lis/QCFLAGS.tif"); err != nil {
			return err
		}
		if err := job.Dict.Put("fsc_toc", filepath.Join("lis", "FSCTOC.tif")); err != nil {
			return err
		}
	}

	if p.cfg.ICE.Path != "" {
		if _, done := job.Dict.Resolve("rlie"); !done {
			args := []string{
				"--l2a", filepath.Join(job.WorkDir, "maja", "L2A"),
				"--out", filepath.Join(job.WorkDir, "ice"),
			}
			if p.cfg.HydroSource != nil {
				if id, perr := ident.Parse(detail.L1CID); perr == nil {
					if mask, ok := p.cfg.HydroSource(id.Tile); ok {
						args = append(args, "--hydro-mask", mask)
					}
				}
			}
			_, err := runTool(ctx, p.cfg.Deps, job, "ice", p.cfg.ICE, args...)
			switch {
			case errors.Is(err, ErrNoLandIntersection):
				job.Log.Info("no river or lake in tile, skipping ice layers")
			case err != nil:
				return err
			default:
				if err := expectArtifacts(job.WorkDir,
					"ice/RLIE.tif", "ice/QC.tif", "ice/QCFLAGS.tif"); err != nil {
					return err
				}
				if err := job.Dict.Put("rlie", filepath.Join("ice", "RLIE.tif")); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// PostProcess packages the FSC product and, when ice layers exist, the
// RLIE product, then records the product paths on the pipeline row.
func (p *FSC) PostProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	id, err := ident.Parse(detail.L1CID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	fscID := ident.ID{
		Kind:      ident.KindFSC,
		Satellite: id.Satellite,
		Sensing:   id.Sensing,
		Tile:      id.Tile,
		Version:   p.cfg.Baseline,
		Mode:      "1",
	}
	fscDir, err := p.cfg.Packager.Package(ctx, packager.Request{
		Kind: ident.KindFSC,
		SourceRasters: map[string]string{
			packager.LayerFSCTOC:  filepath.Join(job.WorkDir, "lis", "FSCTOC.tif"),
			packager.LayerFSCOG:   filepath.Join(job.WorkDir, "lis", "FSCOG.tif"),
			packager.LayerQCTOC:   filepath.Join(job.WorkDir, "lis", "QCTOC.tif"),
			packager.LayerQCOG:    filepath.Join(job.WorkDir, "lis", "QCOG.tif"),
			packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "lis", "QCFLAGS.tif"),
		},
		OutDir: p.cfg.OutDir,
		Info: packager.ProductInfo{
			ProductID:      fscID.String(),
			ProductType:    "FSC",
			SensingStart:   id.Sensing,
			SensingStop:    id.Sensing,
			ProductionDate: nowUTC(),
			CloudCoverPct:  int(detail.L1CCloudCover),
			ResolutionM:    20,
			Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
		},
	})
	if err != nil {
		return err
	}
	detail.FSCPath = fscDir

	if _, hasIce := job.Dict.Resolve("rlie"); hasIce {
		rlieID := fscID
		rlieID.Kind = ident.KindRLIE
		rlieDir, err := p.cfg.Packager.Package(ctx, packager.Request{
			Kind: ident.KindRLIE,
			SourceRasters: map[string]string{
				packager.LayerRLIE:    filepath.Join(job.WorkDir, "ice", "RLIE.tif"),
				packager.LayerQC:      filepath.Join(job.WorkDir, "ice", "QC.tif"),
				packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "ice", "QCFLAGS.tif"),
			},
			OutDir: p.cfg.OutDir,
			Info: packager.ProductInfo{
				ProductID:      rlieID.String(),
				ProductType:    "RLIE",
				SensingStart:   id.Sensing,
				SensingStop:    id.Sensing,
				ProductionDate: nowUTC(),
				CloudCoverPct:  int(detail.L1CCloudCover),
				ResolutionM:    20,
				Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
			},
		})
		if err != nil {
			return err
		}
		detail.RLIEPath = rlieDir
	}

	if detail.SaveL2A {
		if l2a, ok := job.Dict.Resolve("l2a"); ok {
			detail.L2APath = l2a
		}
	}
	if detail.MeasurementDate.IsZero() {
		detail.MeasurementDate = id.Sensing
	}
	return patchDetail(ctx, p.cfg.Deps, detail)
}

func (p *FSC) detail(job *Job) (*jobstore.FSCRLIEJob, error) {
	detail, ok := job.Detail.(*jobstore.FSCRLIEJob)
	if !ok || detail == nil {
		return nil, fmt.Errorf("%w: job %d has no fsc-rlie row", ErrBadInput, job.Parent.ID)
	}
	return detail, nil
}

// writeAOI writes the tile perimeter as GeoJSON for the tools.
func (p *FSC) writeAOI(job *Job, tileID string) error {
	tile, ok := p.cfg.Tiles.Get(tileID)
	if !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, tileID)
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Polygon{tile.Perimeter().Ring()}))
	doc, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(job.WorkDir, "aoi.geojson"), doc, 0644)
}
