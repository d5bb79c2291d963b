package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
)

// FusionConfig configures the S1+S2 river and lake ice fusion pipeline.
type FusionConfig struct {
	Deps

	// Fusion merges one S1 and one S2 RLIE product of the same tile.
	Fusion Tool

	Baseline int
}

// Fusion merges the radar and optical RLIE products of one tile and day
// into a combined product.
type Fusion struct {
	cfg FusionConfig
}

// NewFusion validates cfg and builds the pipeline.
func NewFusion(cfg FusionConfig) (*Fusion, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Fusion.Path == "" {
		return nil, fmt.Errorf("fusion pipeline requires a fusion tool")
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 100
	}
	cfg.Deps.logger()
	return &Fusion{cfg: cfg}, nil
}

func (p *Fusion) Name() string { return jobstore.PipelineS1S2 }

// Configure checks both upstream ids name RLIE products of the same tile.
func (p *Fusion) Configure(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	s1, err := p.parseRLIE(detail.RLIES1ID)
	if err != nil {
		return err
	}
	s2, err := p.parseRLIE(detail.RLIES2ID)
	if err != nil {
		return err
	}
	if s1.Tile != s2.Tile {
		return fmt.Errorf("%w: inputs cover different tiles %s and %s",
			ErrBadInput, s1.Tile, s2.Tile)
	}
	if _, ok := p.cfg.Tiles.Get(s1.Tile); !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, s1.Tile)
	}
	return nil
}

// PreProcess stages both upstream products, resolving their locations
// through the catalogue when the job rows carry no path.
func (p *Fusion) PreProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	s1Path, err := p.resolvePath(ctx, detail.RLIES1ID, detail.S1ProductPath)
	if err != nil {
		return err
	}
	s2Path, err := p.resolvePath(ctx, detail.RLIES2ID, detail.S2ProductPath)
	if err != nil {
		return err
	}
	if _, err := stage(ctx, p.cfg.Deps, job, "rlie_s1", s1Path); err != nil {
		return err
	}
	_, err = stage(ctx, p.cfg.Deps, job, "rlie_s2", s2Path)
	return err
}

// Process runs the fusion tool.
func (p *Fusion) Process(ctx context.Context, job *Job) error {
	if _, done := job.Dict.Resolve("fused"); done {
		return nil
	}
	s1Local, ok := job.Dict.Resolve("rlie_s1")
	if !ok {
		return fmt.Errorf("%w: S1 input not staged", ErrBadInput)
	}
	s2Local, ok := job.Dict.Resolve("rlie_s2")
	if !ok {
		return fmt.Errorf("%w: S2 input not staged", ErrBadInput)
	}
	if _, err := runTool(ctx, p.cfg.Deps, job, "fusion", p.cfg.Fusion,
		"--s1", s1Local,
		"--s2", s2Local,
		"--out", filepath.Join(job.WorkDir, "fusion")); err != nil {
		return err
	}
	if err := expectArtifacts(job.WorkDir,
		"fusion/RLIE.tif", "fusion/QC.tif", "fusion/QCFLAGS.tif"); err != nil {
		return err
	}
	return job.Dict.Put("fused", filepath.Join("fusion", "RLIE.tif"))
}

// PostProcess packages the fused product on the tile perimeter.
func (p *Fusion) PostProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	s1, err := p.parseRLIE(detail.RLIES1ID)
	if err != nil {
		return err
	}
	s2, err := p.parseRLIE(detail.RLIES2ID)
	if err != nil {
		return err
	}
	sensing := s2.Sensing
	if s1.Sensing.After(sensing) {
		sensing = s1.Sensing
	}
	tile, ok := p.cfg.Tiles.Get(s2.Tile)
	if !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, s2.Tile)
	}
	perimeter := tile.Perimeter()

	fusedID := ident.ID{
		Kind:      ident.KindRLIE,
		Satellite: "S1-S2",
		Sensing:   sensing,
		Tile:      s2.Tile,
		Version:   p.cfg.Baseline,
		Mode:      "1",
	}
	dir, err := p.cfg.Packager.Package(ctx, packager.Request{
		Kind: ident.KindRLIE,
		SourceRasters: map[string]string{
			packager.LayerRLIE:    filepath.Join(job.WorkDir, "fusion", "RLIE.tif"),
			packager.LayerQC:      filepath.Join(job.WorkDir, "fusion", "QC.tif"),
			packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "fusion", "QCFLAGS.tif"),
		},
		OutDir:        p.cfg.OutDir,
		TilePerimeter: &perimeter,
		Info: packager.ProductInfo{
			ProductID:      fusedID.String(),
			ProductType:    "RLIE",
			SensingStart:   minTime(s1.Sensing, s2.Sensing),
			SensingStop:    sensing,
			ProductionDate: nowUTC(),
			ResolutionM:    20,
			Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
		},
	})
	if err != nil {
		return err
	}
	detail.FusionPath = dir
	if detail.MeasurementDate.IsZero() {
		detail.MeasurementDate = sensing
	}
	return patchDetail(ctx, p.cfg.Deps, detail)
}

func (p *Fusion) parseRLIE(raw string) (ident.ID, error) {
	id, err := ident.Parse(raw)
	if err != nil {
		return ident.ID{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	if id.Kind != ident.KindRLIE {
		return ident.ID{}, fmt.Errorf("%w: %s is not an RLIE product", ErrBadInput, raw)
	}
	return id, nil
}

// resolvePath returns the stored path, or asks the catalogue for the
// product location when the row carries none.
func (p *Fusion) resolvePath(ctx context.Context, productID, stored string) (string, error) {
	if stored != "" {
		return stored, nil
	}
	if p.cfg.Catalogue == nil {
		return "", fmt.Errorf("%w: no path for %s and no catalogue configured",
			ErrBadInput, productID)
	}
	found, err := p.cfg.Catalogue.SearchByIDs(ctx, []string{productID}, "RLIE")
	if err != nil {
		return "", err
	}
	meta, ok := found[productID]
	if !ok || meta.DownloadURL == "" {
		return "", fmt.Errorf("%w: %s not in catalogue", ErrBadInput, productID)
	}
	return meta.DownloadURL, nil
}

func (p *Fusion) detail(job *Job) (*jobstore.S1S2Job, error) {
	detail, ok := job.Detail.(*jobstore.S1S2Job)
	if !ok || detail == nil {
		return nil, fmt.Errorf("%w: job %d has no fusion row", ErrBadInput, job.Parent.ID)
	}
	return detail, nil
}
