// Package checkpoint persists the watcher's view of which uploads it has
// already handed to a workflow, so a restart does not re-run them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCheckpoint is returned when no checkpoint exists.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpoint holds the set of uploads already dispatched. Keys are
// storage keys (tenant/table/version/file).
type Checkpoint struct {
	Seen      map[string]time.Time `json:"seen"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{Seen: make(map[string]time.Time)}
}

// Mark records an upload as dispatched.
func (cp *Checkpoint) Mark(storageKey string) {
	if cp.Seen == nil {
		cp.Seen = make(map[string]time.Time)
	}
	cp.Seen[storageKey] = time.Now().UTC()
}

// Contains reports whether an upload was already dispatched.
func (cp *Checkpoint) Contains(storageKey string) bool {
	_, ok := cp.Seen[storageKey]
	return ok
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}
	return &fileManager{path: filepath.Join(cfg.Dir, "watcher_checkpoint.json")}, nil
}

// fileManager persists the checkpoint to a single local file.
type fileManager struct {
	path string
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Seen == nil {
		cp.Seen = make(map[string]time.Time)
	}
	return &cp, nil
}

// Save persists the checkpoint to file, atomically via temp file plus
// rename.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// noopManager is used when checkpointing is disabled.
type noopManager struct{}

func (noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
