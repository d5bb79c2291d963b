package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
)

// RLIES1Config configures the Sentinel-1 river and lake ice pipeline.
type RLIES1Config struct {
	Deps

	// GPT is the SNAP graph processing tool, Graph the XML graph it runs.
	GPT   Tool
	Graph string

	// ICE produces the ice layers for one tile of the preprocessed scene.
	ICE Tool

	Baseline int
}

// RLIES1 preprocesses one S1 GRD scene and derives RLIE layers for every
// tile the scene footprint covers. Tiles without river or lake coverage
// are skipped; a scene with no covered tile at all ends the run without
// a product.
type RLIES1 struct {
	cfg RLIES1Config
}

// NewRLIES1 validates cfg and builds the pipeline.
func NewRLIES1(cfg RLIES1Config) (*RLIES1, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if cfg.GPT.Path == "" || cfg.ICE.Path == "" {
		return nil, fmt.Errorf("rlie-s1 pipeline requires GPT and ICE tools")
	}
	if cfg.Graph == "" {
		return nil, fmt.Errorf("rlie-s1 pipeline requires a processing graph")
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 100
	}
	cfg.Deps.logger()
	return &RLIES1{cfg: cfg}, nil
}

func (p *RLIES1) Name() string { return jobstore.PipelineRLIES1 }

// Configure validates the GRD identifier and the tile list.
func (p *RLIES1) Configure(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	id, err := ident.Parse(detail.GRDID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if id.Kind != ident.KindS1GRD {
		return fmt.Errorf("%w: %s is not an S1 GRD scene", ErrBadInput, detail.GRDID)
	}
	tiles := jobstore.SplitIDList(detail.TileIDs)
	if len(tiles) == 0 {
		return fmt.Errorf("%w: job carries no tile list", ErrBadInput)
	}
	for _, tile := range tiles {
		if _, ok := p.cfg.Tiles.Get(tile); !ok {
			return fmt.Errorf("%w: unknown tile %s", ErrBadInput, tile)
		}
	}
	return nil
}

// PreProcess stages the GRD scene.
func (p *RLIES1) PreProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	_, err = stage(ctx, p.cfg.Deps, job, "grd", detail.GRDPath)
	return err
}

// Process runs the SNAP preprocessing graph once, then the ice tool per
// tile. A tile without land intersection is skipped. No tile producing
// anything ends the run without a product.
func (p *RLIES1) Process(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	grdLocal, ok := job.Dict.Resolve("grd")
	if !ok {
		return fmt.Errorf("%w: GRD scene not staged", ErrBadInput)
	}

	if _, done := job.Dict.Resolve("sigma0"); !done {
		if _, err := runTool(ctx, p.cfg.Deps, job, "gpt", p.cfg.GPT,
			p.cfg.Graph,
			"-Pinput="+grdLocal,
			"-Poutput="+filepath.Join(job.WorkDir, "preproc", "sigma0.tif")); err != nil {
			return err
		}
		if err := expectArtifacts(job.WorkDir, "preproc/sigma0.tif"); err != nil {
			return err
		}
		if err := job.Dict.Put("sigma0", filepath.Join("preproc", "sigma0.tif")); err != nil {
			return err
		}
	}

	produced := 0
	for _, tile := range jobstore.SplitIDList(detail.TileIDs) {
		key := "ice_" + tile
		if _, done := job.Dict.Resolve(key); done {
			produced++
			continue
		}
		outDir := filepath.Join(job.WorkDir, "ice", tile)
		_, err := runTool(ctx, p.cfg.Deps, job, "ice-"+tile, p.cfg.ICE,
			"--sigma0", filepath.Join(job.WorkDir, "preproc", "sigma0.tif"),
			"--tile", tile,
			"--out", outDir)
		switch {
		case errors.Is(err, ErrNoLandIntersection):
			continue
		case err != nil:
			return err
		}
		if err := expectArtifacts(job.WorkDir,
			filepath.Join("ice", tile, "RLIE.tif"),
			filepath.Join("ice", tile, "QC.tif"),
			filepath.Join("ice", tile, "QCFLAGS.tif")); err != nil {
			return err
		}
		if err := job.Dict.Put(key, filepath.Join("ice", tile, "RLIE.tif")); err != nil {
			return err
		}
		produced++
	}
	if produced == 0 {
		return ErrNoLandIntersection
	}
	return nil
}

// PostProcess packages one RLIE product per produced tile and records
// the product directories.
func (p *RLIES1) PostProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	id, err := ident.Parse(detail.GRDID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	var dirs []string
	for _, tileID := range jobstore.SplitIDList(detail.TileIDs) {
		if _, done := job.Dict.Resolve("ice_" + tileID); !done {
			continue
		}
		tile, ok := p.cfg.Tiles.Get(tileID)
		if !ok {
			return fmt.Errorf("%w: unknown tile %s", ErrBadInput, tileID)
		}
		perimeter := tile.Perimeter()
		rlieID := ident.ID{
			Kind:      ident.KindRLIE,
			Satellite: id.Satellite,
			Sensing:   id.Sensing,
			Tile:      tileID,
			Version:   p.cfg.Baseline,
			Mode:      "1",
		}
		dir, err := p.cfg.Packager.Package(ctx, packager.Request{
			Kind: ident.KindRLIE,
			SourceRasters: map[string]string{
				packager.LayerRLIE:    filepath.Join(job.WorkDir, "ice", tileID, "RLIE.tif"),
				packager.LayerQC:      filepath.Join(job.WorkDir, "ice", tileID, "QC.tif"),
				packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "ice", tileID, "QCFLAGS.tif"),
			},
			OutDir:        p.cfg.OutDir,
			TilePerimeter: &perimeter,
			Info: packager.ProductInfo{
				ProductID:      rlieID.String(),
				ProductType:    "RLIE",
				SensingStart:   id.Sensing,
				SensingStop:    id.SensingStop,
				ProductionDate: nowUTC(),
				ResolutionM:    20,
				Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
			},
		})
		if err != nil {
			return err
		}
		dirs = append(dirs, dir)
	}

	detail.ProductPaths = strings.Join(dirs, ",")
	if detail.MeasurementDate.IsZero() {
		detail.MeasurementDate = id.Sensing
	}
	return patchDetail(ctx, p.cfg.Deps, detail)
}

func (p *RLIES1) detail(job *Job) (*jobstore.RLIES1Job, error) {
	detail, ok := job.Detail.(*jobstore.RLIES1Job)
	if !ok || detail == nil {
		return nil, fmt.Errorf("%w: job %d has no rlie-s1 row", ErrBadInput, job.Parent.ID)
	}
	return detail, nil
}
