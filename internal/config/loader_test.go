package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParams(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parameters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const minimalParams = `
store:
  base_url: http://localhost:3000
worker:
  id: worker-01
  tmp_dir: /work
tiles_file: /etc/hrsi/tiles.yaml
`

func TestLoadMinimalFile(t *testing.T) {
	params, err := Load(writeParams(t, minimalParams))
	require.NoError(t, err)
	require.NotNil(t, params)

	assert.Equal(t, "http://localhost:3000", params.Store.BaseURL)
	assert.Equal(t, "worker-01", params.Worker.ID)
	assert.Equal(t, "/work", params.Worker.TmpDir)
	assert.Equal(t, "/etc/hrsi/tiles.yaml", params.TilesFile)

	// Defaults fill what the file omits.
	assert.Equal(t, 30*time.Second, params.Store.Timeout)
	assert.Equal(t, 30*time.Minute, params.Worker.Heartbeat)
	assert.Equal(t, "nominal", params.Mode)
	assert.Equal(t, 100, params.Baseline)
	assert.Equal(t, 200, params.Catalogue.PageSize)
}

func TestLoadFullFile(t *testing.T) {
	path := writeParams(t, `
store:
  base_url: http://job-api:3000
  timeout: 45s
worker:
  id: worker-07
  tmp_dir: /data/tmp
  max_jobs: 3
  keep_failed_workdirs: true
  heartbeat: 10m
staging:
  sip_data_bucket: hrsi-sip-data
  endpoint: https://s3.example.org
  region: eu-west-1
catalogue:
  base_url: https://finder.example.org/resto/api
  page_size: 50
server:
  listen: 0.0.0.0:8080
tiles_file: /etc/hrsi/tiles.yaml
dem_dir: /data/dem
mode: backward
baseline: 123
tools:
  maja:
    path: /opt/maja/bin/maja
    max_processing_time: 2h
  gpt:
    path: /opt/snap/bin/gpt
    graph: /etc/hrsi/preprocessing.xml
    max_processing_time: 90m
`)
	params, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, params.Store.Timeout)
	assert.Equal(t, 3, params.Worker.MaxJobs)
	assert.True(t, params.Worker.KeepFailedWorkdirs)
	assert.Equal(t, 10*time.Minute, params.Worker.Heartbeat)
	assert.Equal(t, "hrsi-sip-data", params.Staging.SIPDataBucket)
	assert.Equal(t, 50, params.Catalogue.PageSize)
	assert.Equal(t, "backward", params.Mode)
	assert.Equal(t, 123, params.Baseline)

	maja := params.Tool("maja")
	assert.Equal(t, "/opt/maja/bin/maja", maja.Path)
	assert.Equal(t, 2*time.Hour, maja.MaxProcessingTime)
	gpt := params.Tool("gpt")
	assert.Equal(t, "/etc/hrsi/preprocessing.xml", gpt.Graph)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParamsMissing))
}

func TestLoadIncompleteFile(t *testing.T) {
	t.Run("NoStore", func(t *testing.T) {
		_, err := Load(writeParams(t, `
worker:
  tmp_dir: /work
tiles_file: /etc/hrsi/tiles.yaml
`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrParamsIncomplete))
	})

	t.Run("BothStoreBackends", func(t *testing.T) {
		_, err := Load(writeParams(t, `
store:
  base_url: http://localhost:3000
  sqlite_path: /tmp/jobs.db
worker:
  tmp_dir: /work
tiles_file: /etc/hrsi/tiles.yaml
`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrParamsIncomplete))
	})

	t.Run("NoTmpDir", func(t *testing.T) {
		_, err := Load(writeParams(t, `
store:
  base_url: http://localhost:3000
tiles_file: /etc/hrsi/tiles.yaml
`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrParamsIncomplete))
	})
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeParams(t, minimalParams+`
unknown_section:
  foo: bar
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParamsIncomplete))
}

func TestLoadRejectsBadMode(t *testing.T) {
	_, err := Load(writeParams(t, minimalParams+`mode: sideways
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParamsIncomplete))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CSI_SIP_DATA_BUCKET", "hrsi-sip-data-prod")
	t.Setenv("CSI_JOB_API_BASE_URL", "http://job-api.prod:3000")
	t.Setenv("CSI_TMP_DIR", "/mnt/scratch")
	t.Setenv("CSI_RCLONE_CONFIG", "/etc/rclone/rclone.conf")

	params, err := Load(writeParams(t, `
store:
  base_url: http://localhost:3000
worker: {}
tiles_file: /etc/hrsi/tiles.yaml
`))
	require.NoError(t, err)

	assert.Equal(t, "hrsi-sip-data-prod", params.Staging.SIPDataBucket)
	assert.Equal(t, "http://job-api.prod:3000", params.Store.BaseURL)
	assert.Equal(t, "/mnt/scratch", params.Worker.TmpDir)
	assert.Equal(t, "/etc/rclone/rclone.conf", params.Staging.RcloneConfig)
}

func TestRequireTools(t *testing.T) {
	params, err := Load(writeParams(t, minimalParams+`
tools:
  lis:
    path: /opt/lis/bin/lis
`))
	require.NoError(t, err)

	assert.NoError(t, params.RequireTools("lis"))

	err = params.RequireTools("maja", "lis", "ice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParamsIncomplete))
	assert.Contains(t, err.Error(), "maja")
	assert.Contains(t, err.Error(), "ice")
	assert.NotContains(t, err.Error(), "lis,")
}
