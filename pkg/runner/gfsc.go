package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
)

// GFSCConfig configures the gap-filled snow cover aggregation pipeline.
type GFSCConfig struct {
	Deps

	// Aggregate fills gaps in the newest snow observations of a tile
	// from the older inputs of the aggregation period.
	Aggregate Tool

	Baseline int
}

// GFSC aggregates the published FSC, SWS and WDS products of one tile
// over a sliding period into a daily gap-filled snow product.
type GFSC struct {
	cfg GFSCConfig
}

// NewGFSC validates cfg and builds the pipeline.
func NewGFSC(cfg GFSCConfig) (*GFSC, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Aggregate.Path == "" {
		return nil, fmt.Errorf("gfsc pipeline requires an aggregation tool")
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 100
	}
	cfg.Deps.logger()
	return &GFSC{cfg: cfg}, nil
}

func (p *GFSC) Name() string { return jobstore.PipelineGFSC }

// Configure checks the input list: non-empty, snow kinds only, one tile.
func (p *GFSC) Configure(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	if detail.PeriodDays <= 0 {
		return fmt.Errorf("%w: aggregation period must be positive", ErrBadInput)
	}
	if detail.CurationDate.IsZero() {
		return fmt.Errorf("%w: job carries no curation date", ErrBadInput)
	}
	ids := jobstore.SplitIDList(detail.InputIDs)
	if len(ids) == 0 {
		return fmt.Errorf("%w: job carries no inputs", ErrBadInput)
	}
	tile := ""
	for _, raw := range ids {
		id, err := ident.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadInput, err)
		}
		switch id.Kind {
		case ident.KindFSC, ident.KindSWS, ident.KindWDS, ident.KindGFSC:
		default:
			return fmt.Errorf("%w: %s is not a snow product", ErrBadInput, raw)
		}
		if tile == "" {
			tile = id.Tile
		} else if id.Tile != tile {
			return fmt.Errorf("%w: inputs cover different tiles %s and %s",
				ErrBadInput, tile, id.Tile)
		}
	}
	if _, ok := p.cfg.Tiles.Get(tile); !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, tile)
	}
	return nil
}

// PreProcess stages every input and writes the aggregation input list.
func (p *GFSC) PreProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	ids := jobstore.SplitIDList(detail.InputIDs)
	locals := make([]string, 0, len(ids))
	for _, raw := range ids {
		uri, err := p.locate(ctx, raw)
		if err != nil {
			return err
		}
		local, err := stage(ctx, p.cfg.Deps, job, "input_"+raw, uri)
		if err != nil {
			return err
		}
		locals = append(locals, local)
	}
	listPath := filepath.Join(job.WorkDir, "inputs.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(locals, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("write input list: %w", err)
	}
	return job.Dict.Put("inputs", "inputs.txt")
}

// Process runs the aggregation tool over the input list.
func (p *GFSC) Process(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	if _, done := job.Dict.Resolve("gf"); done {
		return nil
	}
	if _, err := runTool(ctx, p.cfg.Deps, job, "gfsc", p.cfg.Aggregate,
		"--inputs", filepath.Join(job.WorkDir, "inputs.txt"),
		"--date", detail.CurationDate.UTC().Format("2006-01-02"),
		"--period", fmt.Sprintf("%d", detail.PeriodDays),
		"--out", filepath.Join(job.WorkDir, "gfsc")); err != nil {
		return err
	}
	if err := expectArtifacts(job.WorkDir,
		"gfsc/GF.tif", "gfsc/QC.tif", "gfsc/QCFLAGS.tif"); err != nil {
		return err
	}
	return job.Dict.Put("gf", filepath.Join("gfsc", "GF.tif"))
}

// PostProcess packages the daily product and records its directory.
func (p *GFSC) PostProcess(ctx context.Context, job *Job) error {
	detail, err := p.detail(job)
	if err != nil {
		return err
	}
	ids := jobstore.SplitIDList(detail.InputIDs)
	first, err := ident.Parse(ids[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	gfscID := ident.ID{
		Kind:       ident.KindGFSC,
		Satellite:  p.platforms(ids),
		Sensing:    detail.CurationDate.UTC(),
		Tile:       first.Tile,
		Version:    p.cfg.Baseline,
		Mode:       "1",
		PeriodDays: detail.PeriodDays,
	}
	dir, err := p.cfg.Packager.Package(ctx, packager.Request{
		Kind: ident.KindGFSC,
		SourceRasters: map[string]string{
			packager.LayerGF:      filepath.Join(job.WorkDir, "gfsc", "GF.tif"),
			packager.LayerQC:      filepath.Join(job.WorkDir, "gfsc", "QC.tif"),
			packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "gfsc", "QCFLAGS.tif"),
		},
		OutDir: p.cfg.OutDir,
		Info: packager.ProductInfo{
			ProductID:      gfscID.String(),
			ProductType:    "GFSC",
			SensingStart:   detail.CurationDate.UTC().AddDate(0, 0, -detail.PeriodDays),
			SensingStop:    detail.CurationDate.UTC(),
			ProductionDate: nowUTC(),
			ResolutionM:    60,
			Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
		},
	})
	if err != nil {
		return err
	}
	detail.ProductPath = dir
	if detail.MeasurementDate.IsZero() {
		detail.MeasurementDate = detail.CurationDate
	}
	return patchDetail(ctx, p.cfg.Deps, detail)
}

// locate returns a staging URI for an input, asking the catalogue when
// one is configured and falling back to the raw id otherwise.
func (p *GFSC) locate(ctx context.Context, productID string) (string, error) {
	if p.cfg.Catalogue == nil {
		return productID, nil
	}
	id, _ := ident.Parse(productID)
	found, err := p.cfg.Catalogue.SearchByIDs(ctx, []string{productID}, string(id.Kind))
	if err != nil {
		return "", err
	}
	meta, ok := found[productID]
	if !ok || meta.DownloadURL == "" {
		return "", fmt.Errorf("%w: %s not in catalogue", ErrBadInput, productID)
	}
	return meta.DownloadURL, nil
}

// platforms derives the satellite tag of the output from the input mix.
func (p *GFSC) platforms(ids []string) string {
	s1, s2 := false, false
	for _, raw := range ids {
		id, err := ident.Parse(raw)
		if err != nil {
			continue
		}
		switch id.Kind {
		case ident.KindFSC:
			s2 = true
		case ident.KindSWS, ident.KindWDS:
			s1 = true
		default:
			s1, s2 = true, true
		}
	}
	switch {
	case s1 && s2:
		return "S1-S2"
	case s1:
		return "S1"
	default:
		return "S2"
	}
}

func (p *GFSC) detail(job *Job) (*jobstore.GFSCJob, error) {
	detail, ok := job.Detail.(*jobstore.GFSCJob)
	if !ok || detail == nil {
		return nil, fmt.Errorf("%w: job %d has no gfsc row", ErrBadInput, job.Parent.ID)
	}
	return detail, nil
}
