// Package config loads the worker parameters file. One YAML file carries
// everything a worker deployment needs: where the job store lives, where
// staged inputs come from, which scientific tools are installed and their
// processing time limits. A handful of CSI_* environment variables
// override the deployment-specific fields so the same file works across
// environments.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/eea/clms-hrsi-productionsystem-sub001/internal/assets/schemas"
)

// Sentinel errors; the CLI maps them to the taxonomy exit codes.
var (
	// ErrParamsMissing: the parameters file does not exist or cannot be
	// read.
	ErrParamsMissing = errors.New("parameters file missing")

	// ErrParamsIncomplete: the file parsed but required fields are absent
	// or invalid.
	ErrParamsIncomplete = errors.New("parameters file incomplete")
)

// ToolParams locates one scientific tool and bounds its run time.
type ToolParams struct {
	Path string `mapstructure:"path" yaml:"path"`

	// Graph is the processing graph passed to graph-driven tools (gpt).
	Graph string `mapstructure:"graph" yaml:"graph"`

	MaxProcessingTime time.Duration `mapstructure:"max_processing_time" yaml:"max_processing_time"`
}

// StoreParams selects the job store backend. BaseURL points at the
// PostgREST-style job API; SQLitePath selects the embedded store for
// single-node runs. Exactly one must be set.
type StoreParams struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	SQLitePath string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WorkerParams configures the worker loop itself.
type WorkerParams struct {
	ID                 string        `mapstructure:"id" yaml:"id"`
	TmpDir             string        `mapstructure:"tmp_dir" yaml:"tmp_dir"`
	MaxJobs            int           `mapstructure:"max_jobs" yaml:"max_jobs"`
	KeepFailedWorkdirs bool          `mapstructure:"keep_failed_workdirs" yaml:"keep_failed_workdirs"`
	Heartbeat          time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
}

// StagingParams points at the input bucket.
type StagingParams struct {
	SIPDataBucket string `mapstructure:"sip_data_bucket" yaml:"sip_data_bucket"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	Region        string `mapstructure:"region" yaml:"region"`
	RcloneConfig  string `mapstructure:"rclone_config" yaml:"rclone_config"`
}

// CatalogueParams configures the product catalogue client.
type CatalogueParams struct {
	BaseURL    string  `mapstructure:"base_url" yaml:"base_url"`
	Collection string  `mapstructure:"collection" yaml:"collection"`
	PageSize   int     `mapstructure:"page_size" yaml:"page_size"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// ServerParams configures the optional health endpoint.
type ServerParams struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Params is the full parameters file.
type Params struct {
	Store     StoreParams     `mapstructure:"store" yaml:"store"`
	Worker    WorkerParams    `mapstructure:"worker" yaml:"worker"`
	Staging   StagingParams   `mapstructure:"staging" yaml:"staging"`
	Catalogue CatalogueParams `mapstructure:"catalogue" yaml:"catalogue"`
	Server    ServerParams    `mapstructure:"server" yaml:"server"`

	TilesFile string                `mapstructure:"tiles_file" yaml:"tiles_file"`
	DEMDir    string                `mapstructure:"dem_dir" yaml:"dem_dir"`
	Mode      string                `mapstructure:"mode" yaml:"mode"`
	Baseline  int                   `mapstructure:"baseline" yaml:"baseline"`
	OutDir    string                `mapstructure:"out_dir" yaml:"out_dir"`
	Tools     map[string]ToolParams `mapstructure:"tools" yaml:"tools"`
}

// Load reads, validates and decodes the parameters file at path, then
// applies environment overrides. A missing or unreadable file comes back
// as ErrParamsMissing; schema or completeness failures as
// ErrParamsIncomplete.
func Load(path string) (*Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParamsMissing, path, err)
	}
	if err := validateRaw(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParamsIncomplete, path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParamsIncomplete, path, err)
	}
	bindEnv(v)

	params := defaults()
	err = v.Unmarshal(params, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParamsIncomplete, path, err)
	}

	if err := params.complete(); err != nil {
		return nil, err
	}
	return params, nil
}

// RequireTools checks that every named tool is configured with a path.
// Each pipeline command calls it with its own tool set.
func (p *Params) RequireTools(names ...string) error {
	var missing []string
	for _, name := range names {
		tool, ok := p.Tools[name]
		if !ok || tool.Path == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: tools not configured: %s",
			ErrParamsIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// Tool returns the named tool's configuration; the zero value when it is
// not configured.
func (p *Params) Tool(name string) ToolParams {
	return p.Tools[name]
}

func defaults() *Params {
	return &Params{
		Store:  StoreParams{Timeout: 30 * time.Second},
		Worker: WorkerParams{Heartbeat: 30 * time.Minute},
		Catalogue: CatalogueParams{
			PageSize:  200,
			RateLimit: 5,
		},
		Server:   ServerParams{Listen: "localhost:8080"},
		Mode:     "nominal",
		Baseline: 100,
	}
}

// bindEnv maps the CSI_* deployment variables onto their fields. The
// names are fixed by the production environment, not derived from the
// key paths. Each key also gets an empty default so Unmarshal sees the
// binding even when the file omits the key.
func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"staging.sip_data_bucket": "CSI_SIP_DATA_BUCKET",
		"staging.rclone_config":   "CSI_RCLONE_CONFIG",
		"store.base_url":          "CSI_JOB_API_BASE_URL",
		"worker.tmp_dir":          "CSI_TMP_DIR",
	} {
		_ = v.BindEnv(key, env)
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
	}
}

// complete checks the fields every command needs. Per-pipeline tool
// requirements are the commands' business via RequireTools.
func (p *Params) complete() error {
	var missing []string
	if p.Store.BaseURL == "" && p.Store.SQLitePath == "" {
		missing = append(missing, "store.base_url or store.sqlite_path")
	}
	if p.Store.BaseURL != "" && p.Store.SQLitePath != "" {
		return fmt.Errorf("%w: store.base_url and store.sqlite_path are exclusive", ErrParamsIncomplete)
	}
	if p.Worker.TmpDir == "" {
		missing = append(missing, "worker.tmp_dir (or CSI_TMP_DIR)")
	}
	if p.TilesFile == "" {
		missing = append(missing, "tiles_file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrParamsIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// validateRaw checks the YAML document against the embedded parameters
// schema. The document is converted to JSON first; the schema engine
// only speaks JSON.
func validateRaw(raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode for validation: %w", err)
	}

	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var msgs []string
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			msgs = append(msgs, fmt.Sprintf("%s: %s", d.Pointer, d.Message))
		}
	}
	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.ParametersSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile parameters schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
