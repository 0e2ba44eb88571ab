package state

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

	"github.com/gofrs/flock"
)

const (
	checkpointFileSuffix = ".json"
	lockFileName         = ".checkpoints.lock"
)

// fileStore keeps one JSON document per source, replaced atomically on every write.
// The mutex serializes goroutines; the advisory file lock serializes the server
// against CLI commands working on the same directory.
type fileStore struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore creates a checkpoint store rooted at dir
func NewFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &fileStore{dir: dir, lock: flock.New(filepath.Join(dir, lockFileName))}, nil
}

// exclusive runs fn holding both the mutex and the exclusive file lock
func (f *fileStore) exclusive(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock checkpoint directory: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()
	return fn()
}

// shared runs fn holding the mutex and a shared file lock
func (f *fileStore) shared(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock checkpoint directory: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()
	return fn()
}

func (f *fileStore) Get(_ context.Context, source string) (cp *Checkpoint, err error) {
	err = f.shared(func() error {
		cp, err = f.load(source)
		return err
	})
	return cp, err
}

func (f *fileStore) MarkInProgress(_ context.Context, source string) error {
	return f.update(source, func(cp *Checkpoint) error {
		cp.Status = StatusInProgress
		cp.Message = ""
		return nil
	})
}

func (f *fileStore) Advance(_ context.Context, source string, cursor int64) error {
	return f.update(source, func(cp *Checkpoint) error {
		if err := checkAdvance(source, cp.Cursor, cursor); err != nil {
			return err
		}
		cp.Cursor = cursor
		cp.Status = StatusInProgress
		cp.Message = ""
		return nil
	})
}

func (f *fileStore) MarkDone(_ context.Context, source string) error {
	return f.update(source, func(cp *Checkpoint) error {
		cp.Status = StatusDone
		cp.Message = ""
		return nil
	})
}

func (f *fileStore) MarkError(_ context.Context, source string, message string) error {
	return f.update(source, func(cp *Checkpoint) error {
		cp.Status = StatusError
		cp.Message = message
		return nil
	})
}

func (f *fileStore) List(_ context.Context) (result []*Checkpoint, err error) {
	err = f.shared(func() error {
		result, err = f.list()
		return err
	})
	return result, err
}

func (f *fileStore) list() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var result []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointFileSuffix) {
			continue
		}
		cp, err := f.load(strings.TrimSuffix(name, checkpointFileSuffix))
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Source < result[j].Source })
	return result, nil
}

func (f *fileStore) Reset(_ context.Context, source string) error {
	path, err := f.path(source)
	if err != nil {
		return err
	}
	return f.exclusive(func() error {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrCheckpointNotFound, source)
			}
			return fmt.Errorf("failed to reset checkpoint for source %s: %w", source, err)
		}
		return nil
	})
}

func (f *fileStore) update(source string, mutate func(*Checkpoint) error) error {
	return f.exclusive(func() error {
		cp, err := f.load(source)
		if err != nil {
			return err
		}
		if err := mutate(cp); err != nil {
			return err
		}
		cp.UpdatedAt = time.Now().UTC()
		return f.save(cp)
	})
}

func (f *fileStore) load(source string) (*Checkpoint, error) {
	path, err := f.path(source)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- path is built from the store directory and a validated source name
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCheckpoint(source), nil
		}
		return nil, fmt.Errorf("failed to read checkpoint for source %s: %w", source, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrCheckpointCorruption, source, err)
	}
	if cp.Source != source {
		return nil, fmt.Errorf("%w: file for source %s names source %q", ErrCheckpointCorruption, source, cp.Source)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (f *fileStore) save(cp *Checkpoint) error {
	path, err := f.path(cp.Source)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for source %s: %w", cp.Source, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary checkpoint for source %s: %w", cp.Source, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint for source %s: %w", cp.Source, err)
	}
	return nil
}

func (f *fileStore) path(source string) (string, error) {
	if source == "" || !filepath.IsLocal(source) || strings.ContainsAny(source, `/\`) {
		return "", fmt.Errorf("invalid source name for checkpoint file: %q", source)
	}
	return filepath.Join(f.dir, source+checkpointFileSuffix), nil
}
