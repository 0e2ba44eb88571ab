package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/toolhive-ingest/internal/logger"
)

const (
	// RunsDirName is the subdirectory of the storage directory holding run documents
	RunsDirName = "runs"

	runFileSuffix = ".json"
)

// fileRunStore keeps one JSON document per run, written atomically
type fileRunStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileRunStore creates a RunStore that stores runs under dir/runs
func NewFileRunStore(dir string) (RunStore, error) {
	basePath := filepath.Join(dir, RunsDirName)
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create runs directory %s: %w", basePath, err)
	}
	return &fileRunStore{basePath: basePath}, nil
}

func (f *fileRunStore) Create(_ context.Context, run *PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path(run.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	return f.save(run)
}

func (f *fileRunStore) Update(_ context.Context, run *PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.load(run.ID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, run.ID)
	}
	existing.Status = run.Status
	existing.EndedAt = run.EndedAt
	existing.Error = run.Error
	existing.Sources = run.Sources
	return f.save(existing)
}

func (f *fileRunStore) Get(_ context.Context, id uuid.UUID) (*PipelineRun, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.load(id)
}

func (f *fileRunStore) List(_ context.Context, limit int) ([]*PipelineRun, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	runs, err := f.loadAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fileRunStore) MarkInterrupted(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	runs, err := f.loadAll()
	if err != nil {
		return 0, err
	}
	count := 0
	now := time.Now().UTC()
	for _, run := range runs {
		if run.Status.IsTerminal() {
			continue
		}
		run.Status = RunStatusFailed
		run.EndedAt = &now
		run.Error = InterruptedMessage
		if err := f.save(run); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *fileRunStore) loadAll() ([]*PipelineRun, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	runs := make([]*PipelineRun, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, runFileSuffix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, runFileSuffix))
		if err != nil {
			continue
		}
		run, err := f.load(id)
		if err != nil {
			// Skip unreadable documents so one bad file does not hide every run
			logger.Warnf("Skipping unreadable run document %s: %v", name, err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (f *fileRunStore) load(id uuid.UUID) (*PipelineRun, error) {
	// #nosec G304 -- path is built from the store directory and a parsed UUID
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to read pipeline run %s: %w", id, err)
	}

	var run PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline run %s: %w", id, err)
	}
	if run.Sources == nil {
		run.Sources = []SourceResult{}
	}
	return &run, nil
}

func (f *fileRunStore) save(run *PipelineRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline run %s: %w", run.ID, err)
	}

	filePath := f.path(run.ID)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary run file for %s: %w", run.ID, err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename run file for %s: %w", run.ID, err)
	}
	return nil
}

func (f *fileRunStore) path(id uuid.UUID) string {
	return filepath.Join(f.basePath, id.String()+runFileSuffix)
}
