package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `storage:
  type: database
database:
  host: localhost
  port: 5432
  user: ingest
  database: ingest
  sslMode: disable
pipeline:
  batchSize: 50
  schedule: "1h"
views:
  names: ["record_summary"]
  concurrently: true
sources:
  - name: local
    type: file
    priority: 2
    namespaces: ["records"]
    file:
      path: /data/records.jsonl
  - name: remote
    type: api
    priority: 1
    api:
      endpoint: https://example.com/records
      timeout: "10s"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, validYAML)))
	require.NoError(t, err)

	assert.Equal(t, StorageTypeDatabase, cfg.Storage.Type)
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
	assert.Equal(t, time.Hour, cfg.Pipeline.ScheduleInterval())
	assert.Equal(t, []string{"record_summary"}, cfg.Views.Names)
	assert.True(t, cfg.Views.Concurrently)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "local", cfg.Sources[0].Name)
	assert.Equal(t, "/data/records.jsonl", cfg.Sources[0].File.Path)
	assert.Equal(t, []string{"records"}, cfg.Sources[0].Namespaces)
	assert.Equal(t, DefaultAPIPageSize, cfg.Sources[1].API.PageSize)
	assert.Equal(t, DefaultItemsPath, cfg.Sources[1].API.ItemsPath)
	assert.Equal(t, DefaultNextPath, cfg.Sources[1].API.NextPath)
	assert.Equal(t, DefaultFilePageSize, cfg.Sources[0].File.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Sources[1].API.GetTimeout())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	_, err = LoadConfig(WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)

	_, err = LoadConfig(WithConfigPath(writeConfig(t, "sources: [")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`database:
  host: db
  port: 5432
  user: u
  database: d
sources:
  - name: s
    type: file
    file:
      path: s.jsonl
`))
	require.NoError(t, err)

	assert.Equal(t, StorageTypeDatabase, cfg.Storage.Type)
	assert.Equal(t, DefaultStateDir(), cfg.Storage.Dir)
	assert.Equal(t, "thv-ingest", filepath.Base(cfg.Storage.Dir))
	assert.Equal(t, DefaultBatchSize, cfg.Pipeline.BatchSize)
	assert.Equal(t, DefaultWorkers, cfg.Offload.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.Offload.QueueSize)
	assert.Equal(t, DefaultProbeAttempts, cfg.Keeper.MaxAttempts)
	assert.Equal(t, DefaultChunkSize, cfg.Cache.ChunkSize)
	assert.Equal(t, DefaultProgressBuffer, cfg.Progress.BufferSize)
	assert.Equal(t, time.Duration(0), cfg.Pipeline.ScheduleInterval())
	assert.Equal(t, defaultKeepAliveInterval, cfg.Keeper.KeepAliveInterval())
	assert.Equal(t, defaultProbeTimeout, cfg.Keeper.GetProbeTimeout())
	assert.Equal(t, defaultInitialBackoff, cfg.Keeper.GetInitialBackoff())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	db := `database:
  host: db
  port: 5432
  user: u
  database: d
`

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no_sources",
			yaml:    db + "sources: []\n",
			wantErr: "Sources",
		},
		{
			name: "missing_database",
			yaml: `sources:
  - name: s
    type: file
    file:
      path: s.jsonl
`,
			wantErr: "database configuration is required",
		},
		{
			name: "unknown_source_type",
			yaml: db + `sources:
  - name: s
    type: ftp
`,
			wantErr: "oneof",
		},
		{
			name: "file_source_without_file_block",
			yaml: db + `sources:
  - name: s
    type: file
`,
			wantErr: "file configuration is required",
		},
		{
			name: "api_source_with_file_block",
			yaml: db + `sources:
  - name: s
    type: api
    api:
      endpoint: http://localhost/records
    file:
      path: s.jsonl
`,
			wantErr: "file configuration is not allowed",
		},
		{
			name: "api_source_bad_endpoint",
			yaml: db + `sources:
  - name: s
    type: api
    api:
      endpoint: not a url
`,
			wantErr: "Endpoint",
		},
		{
			name: "duplicate_source_names",
			yaml: db + `sources:
  - name: s
    type: file
    file:
      path: a.jsonl
  - name: s
    type: file
    file:
      path: b.jsonl
`,
			wantErr: "duplicate source name 's'",
		},
		{
			name: "bad_schedule",
			yaml: db + `pipeline:
  schedule: soon
sources:
  - name: s
    type: file
    file:
      path: s.jsonl
`,
			wantErr: "pipeline.schedule",
		},
		{
			name: "bad_storage_type",
			yaml: db + `storage:
  type: s3
sources:
  - name: s
    type: file
    file:
      path: s.jsonl
`,
			wantErr: "oneof",
		},
		{
			name: "telemetry_sampling_out_of_range",
			yaml: db + `telemetry:
  enabled: true
  tracing:
    enabled: true
    sampling: 2
sources:
  - name: s
    type: file
    file:
      path: s.jsonl
`,
			wantErr: "sampling must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWithConfigPath(t *testing.T) {
	t.Parallel()

	cfg := &loaderConfig{}
	require.Error(t, WithConfigPath("")(cfg))

	path := writeConfig(t, validYAML)
	require.NoError(t, WithConfigPath(path)(cfg))
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	assert.Equal(t, resolved, cfg.path)
}

// Not parallel: uses t.Setenv.
func TestDatabaseConfigGetPassword(t *testing.T) {
	passwordFile := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(passwordFile, []byte("from-file\n"), 0600))

	t.Run("file_takes_precedence", func(t *testing.T) {
		t.Setenv(EnvPrefix+"_DATABASE_PASSWORD", "from-env")
		d := &DatabaseConfig{PasswordFile: passwordFile}
		got, err := d.GetPassword()
		require.NoError(t, err)
		assert.Equal(t, "from-file", got)
	})

	t.Run("env_fallback", func(t *testing.T) {
		t.Setenv(EnvPrefix+"_DATABASE_PASSWORD", "from-env")
		got, err := (&DatabaseConfig{}).GetPassword()
		require.NoError(t, err)
		assert.Equal(t, "from-env", got)
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv(EnvPrefix+"_DATABASE_PASSWORD", "")
		_, err := (&DatabaseConfig{}).GetPassword()
		require.Error(t, err)
	})

	t.Run("unreadable_file", func(t *testing.T) {
		_, err := (&DatabaseConfig{PasswordFile: filepath.Join(t.TempDir(), "nope")}).GetPassword()
		require.Error(t, err)
	})
}

// Not parallel: uses t.Setenv.
func TestDatabaseConfigGetConnectionString(t *testing.T) {
	t.Setenv(EnvPrefix+"_DATABASE_PASSWORD", "p@ss word")

	d := &DatabaseConfig{Host: "db", Port: 5432, User: "ingest", Database: "ingest"}
	got, err := d.GetConnectionString()
	require.NoError(t, err)
	assert.Equal(t, "postgres://ingest:p%40ss+word@db:5432/ingest?sslmode=require", got)

	d.SSLMode = "disable"
	got, err = d.GetConnectionString()
	require.NoError(t, err)
	assert.Contains(t, got, "sslmode=disable")
}
