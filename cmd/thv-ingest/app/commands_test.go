package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
	"github.com/stacklok/toolhive-ingest/internal/versions"
)

// writeFileStorageConfig writes a config whose stores live in a temp directory,
// so the inspection commands never dial the database.
func writeFileStorageConfig(t *testing.T) (configPath, stateDir string) {
	t.Helper()

	dir := t.TempDir()
	stateDir = filepath.Join(dir, "state")
	configPath = filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`storage:
  type: file
  dir: %s
database:
  host: localhost
  port: 5432
  user: ingest
  database: ingest
sources:
  - name: people
    type: file
    file:
      path: %s
`, stateDir, filepath.Join(dir, "people.jsonl"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))
	return configPath, stateDir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version", "--format", "json")
	require.NoError(t, err)

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versions.GetVersionInfo().Version, info.Version)

	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "thv-ingest "))
}

func TestRootRegistersSubcommands(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "run", "runs", "checkpoint", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestCheckpointListAndReset(t *testing.T) {
	configPath, stateDir := writeFileStorageConfig(t)

	store, err := state.NewFileStore(stateDir)
	require.NoError(t, err)
	require.NoError(t, store.Advance(context.Background(), "people", 42))

	out, err := execute(t, "", "checkpoint", "list", "--config", configPath, "--format", "json")
	require.NoError(t, err)
	var checkpoints []state.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &checkpoints))
	require.Len(t, checkpoints, 1)
	assert.Equal(t, int64(42), checkpoints[0].Cursor)

	out, err = execute(t, "", "checkpoint", "list", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "people")
	assert.Contains(t, out, "42")

	// Declining the prompt leaves the checkpoint alone.
	_, err = execute(t, "no\n", "checkpoint", "reset", "people", "--config", configPath)
	require.NoError(t, err)
	cp, err := store.Get(context.Background(), "people")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cp.Cursor)

	out, err = execute(t, "", "checkpoint", "reset", "people", "--config", configPath, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "reset")
	cp, err = store.Get(context.Background(), "people")
	require.NoError(t, err)
	assert.Equal(t, state.StatusNotStarted, cp.Status)

	_, err = execute(t, "", "checkpoint", "reset", "people", "--config", configPath, "--yes")
	require.ErrorIs(t, err, state.ErrCheckpointNotFound)
}

func TestRunsList(t *testing.T) {
	configPath, stateDir := writeFileStorageConfig(t)

	runs, err := status.NewFileRunStore(stateDir)
	require.NoError(t, err)
	run := status.NewRun(status.TriggerScheduled)
	run.Sources = append(run.Sources, status.SourceResult{
		Source: "people", Status: status.SourceStatusSucceeded, Committed: 7,
	})
	require.NoError(t, runs.Create(context.Background(), run))

	out, err := execute(t, "", "runs", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, run.ID.String())
	assert.Contains(t, out, "SCHEDULED")

	_, err = execute(t, "", "runs", "--config", configPath, "--limit", "0")
	require.Error(t, err)

	_, err = execute(t, "", "runs", "--config", configPath, "--format", "yaml")
	require.ErrorContains(t, err, "unsupported output format")
}

func TestCommandsRequireConfig(t *testing.T) {
	for _, args := range [][]string{
		{"checkpoint", "list"},
		{"runs"},
		{"run"},
		{"serve"},
	} {
		_, err := execute(t, "", args...)
		require.ErrorContains(t, err, "--config is required", strings.Join(args, " "))
	}
}

func TestRenderRun(t *testing.T) {
	t.Parallel()

	run := status.NewRun(status.TriggerManual)
	run.Status = status.RunStatusFailed
	run.Error = "run cancelled"
	run.Sources = []status.SourceResult{
		{Source: "a", Status: status.SourceStatusSucceeded, Committed: 3, EndCursor: 3},
		{Source: "b", Status: status.SourceStatusSkipped},
	}

	var buf bytes.Buffer
	require.NoError(t, renderRun(&buf, formatTable, run))
	assert.Contains(t, buf.String(), "FAILED")
	assert.Contains(t, buf.String(), "Error: run cancelled")
	assert.Contains(t, buf.String(), "SKIPPED")

	buf.Reset()
	require.NoError(t, renderRun(&buf, formatJSON, run))
	var decoded status.PipelineRun
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, run.ID, decoded.ID)
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{input: "yes\n", want: true},
		{input: "Y\n", want: true},
		{input: "y", want: true},
		{input: "no\n", want: false},
		{input: "", want: false},
	}
	for _, tt := range tests {
		cmd := NewRootCmd()
		cmd.SetIn(strings.NewReader(tt.input))
		cmd.SetErr(&bytes.Buffer{})
		assert.Equal(t, tt.want, confirm(cmd, "Continue?"), tt.input)
	}
}
