package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/ident"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
)

// ARLIEConfig configures the aggregated river and lake ice pipeline.
type ARLIEConfig struct {
	Deps

	// Aggregate merges the published RLIE products of one tile and day.
	Aggregate Tool

	// Window is how far back published inputs are collected.
	Window time.Duration

	Baseline int
}

// DefaultARLIEWindow collects one day of published RLIE products.
const DefaultARLIEWindow = 24 * time.Hour

// ARLIE aggregates the published RLIE products of one tile over a day.
// The pipeline keeps no row of its own: the tile comes from the parent
// job and the day from its unique id, formed as arlie_{tile}_{date}.
type ARLIE struct {
	cfg ARLIEConfig
}

// NewARLIE validates cfg and builds the pipeline.
func NewARLIE(cfg ARLIEConfig) (*ARLIE, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Aggregate.Path == "" {
		return nil, fmt.Errorf("arlie pipeline requires an aggregation tool")
	}
	if cfg.Catalogue == nil {
		return nil, fmt.Errorf("arlie pipeline requires a catalogue client")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultARLIEWindow
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 100
	}
	cfg.Deps.logger()
	return &ARLIE{cfg: cfg}, nil
}

func (p *ARLIE) Name() string { return jobstore.PipelineARLIE }

// Configure checks the tile and the day encoded in the unique id.
func (p *ARLIE) Configure(ctx context.Context, job *Job) error {
	if _, ok := p.cfg.Tiles.Get(job.Parent.TileID); !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, job.Parent.TileID)
	}
	_, err := p.day(job)
	return err
}

// PreProcess collects the published RLIE products of the day from the
// catalogue and stages them. A day without any product ends the run
// without an aggregate.
func (p *ARLIE) PreProcess(ctx context.Context, job *Job) error {
	day, err := p.day(job)
	if err != nil {
		return err
	}
	found, err := p.cfg.Catalogue.Search(ctx, catalogue.Query{
		TileID:      job.Parent.TileID,
		ProductType: "RLIE",
		Start:       day.Add(-p.cfg.Window),
		Stop:        day.AddDate(0, 0, 1),
	})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		job.Log.Info("no published inputs for day",
			zap.String("tile", job.Parent.TileID),
			zap.Time("day", day))
		return ErrNoLandIntersection
	}

	var locals []string
	for title, meta := range found {
		if meta.DownloadURL == "" {
			return fmt.Errorf("%w: %s has no location", ErrBadInput, title)
		}
		local, err := stage(ctx, p.cfg.Deps, job, "input_"+title, meta.DownloadURL)
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

// Process runs the aggregation tool over the collected inputs.
func (p *ARLIE) Process(ctx context.Context, job *Job) error {
	day, err := p.day(job)
	if err != nil {
		return err
	}
	if _, done := job.Dict.Resolve("arlie"); done {
		return nil
	}
	if _, err := runTool(ctx, p.cfg.Deps, job, "arlie", p.cfg.Aggregate,
		"--inputs", filepath.Join(job.WorkDir, "inputs.txt"),
		"--date", day.Format("2006-01-02"),
		"--out", filepath.Join(job.WorkDir, "arlie")); err != nil {
		return err
	}
	if err := expectArtifacts(job.WorkDir,
		"arlie/RLIE.tif", "arlie/QC.tif", "arlie/QCFLAGS.tif"); err != nil {
		return err
	}
	return job.Dict.Put("arlie", filepath.Join("arlie", "RLIE.tif"))
}

// PostProcess packages the aggregate on the tile perimeter.
func (p *ARLIE) PostProcess(ctx context.Context, job *Job) error {
	day, err := p.day(job)
	if err != nil {
		return err
	}
	tile, ok := p.cfg.Tiles.Get(job.Parent.TileID)
	if !ok {
		return fmt.Errorf("%w: unknown tile %s", ErrBadInput, job.Parent.TileID)
	}
	perimeter := tile.Perimeter()

	arlieID := ident.ID{
		Kind:      ident.KindARLIE,
		Satellite: "S1-S2",
		Sensing:   day,
		Tile:      tile.ID,
		Version:   p.cfg.Baseline,
		Mode:      "1",
	}
	dir, err := p.cfg.Packager.Package(ctx, packager.Request{
		Kind: ident.KindARLIE,
		SourceRasters: map[string]string{
			packager.LayerRLIE:    filepath.Join(job.WorkDir, "arlie", "RLIE.tif"),
			packager.LayerQC:      filepath.Join(job.WorkDir, "arlie", "QC.tif"),
			packager.LayerQCFLAGS: filepath.Join(job.WorkDir, "arlie", "QCFLAGS.tif"),
		},
		OutDir:        p.cfg.OutDir,
		TilePerimeter: &perimeter,
		Info: packager.ProductInfo{
			ProductID:      arlieID.String(),
			ProductType:    "ARLIE",
			SensingStart:   day.Add(-p.cfg.Window),
			SensingStop:    day.AddDate(0, 0, 1),
			ProductionDate: nowUTC(),
			ResolutionM:    20,
			Baseline:       fmt.Sprintf("V%03d", p.cfg.Baseline),
		},
	})
	if err != nil {
		return err
	}
	job.Log.Info("aggregate packaged", zap.String("product", dir))
	return nil
}

// day extracts the aggregation day from the parent unique id.
func (p *ARLIE) day(job *Job) (time.Time, error) {
	parts := strings.Split(job.Parent.UniqueID, "_")
	if len(parts) > 0 {
		if day, err := time.Parse("2006-01-02", parts[len(parts)-1]); err == nil {
			return day.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unique id %q carries no aggregation day",
		ErrBadInput, job.Parent.UniqueID)
}
