// ============================================================================
// docpipe Status Store - 模組狀態持久化
// ============================================================================
//
// Package: internal/status
// File: store.go
// Purpose: Persist per-module execution state next to the module's output
//
// Layout:
//   <root>/<module>/metadata.json     status + checkpoint + unknown keys
//   <root>/<module>/.execution_lock   present while a run is in progress
//   <root>/<module>/history.jsonl     execution history
//   <root>/<module>/<output>/         one directory per output corpus
//
// State transitions happen only through the executor and the recovery
// tools; this package only stores them.
//
// ============================================================================

package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/docpipe/internal/logger"
	"github.com/ChuLiYu/docpipe/internal/snapshot"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

// MetadataFileName holds the module status.
const MetadataFileName = "metadata.json"

// metadataBackups is how many pre-repair copies of metadata.json are kept.
const metadataBackups = 5

// Store is the status store rooted at the pipeline's store directory.
type Store struct {
	root   string
	logger logger.Logger

	mu    sync.Mutex
	files map[string]*snapshot.Manager
	locks map[string]*ModuleLock
}

// NewStore opens a store rooted at root. The directory is created lazily.
func NewStore(root string, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Store{
		root:   root,
		logger: log,
		files:  make(map[string]*snapshot.Manager),
		locks:  make(map[string]*ModuleLock),
	}
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// ModuleDir is where a module keeps its state and outputs.
func (s *Store) ModuleDir(module string) string {
	return filepath.Join(s.root, module)
}

// OutputDir is the base directory of one module output.
func (s *Store) OutputDir(module, output string) string {
	return filepath.Join(s.root, module, output)
}

func (s *Store) file(module string) *snapshot.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.files[module]
	if !ok {
		m = snapshot.NewManager(filepath.Join(s.ModuleDir(module), MetadataFileName))
		s.files[module] = m
	}
	return m
}

// Lock returns the module's lock handle. The same handle is returned for
// every call within this store.
func (s *Store) Lock(module string) *ModuleLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[module]
	if !ok {
		l = newModuleLock(filepath.Join(s.ModuleDir(module), LockFileName))
		s.locks[module] = l
	}
	return l
}

// Load reads a module's metadata. A module with no metadata is UNEXECUTED.
func (s *Store) Load(module string) (*Metadata, error) {
	md := NewMetadata()
	if _, err := s.file(module).Load(md); err != nil {
		return nil, fmt.Errorf("failed to load status of %s: %w", module, err)
	}
	return md, nil
}

// Save writes a module's metadata atomically.
func (s *Store) Save(module string, md *Metadata) error {
	if err := s.file(module).Write(md); err != nil {
		return fmt.Errorf("failed to save status of %s: %w", module, err)
	}
	return nil
}

// SaveWithBackup is Save preceded by a timestamped copy of the old file.
func (s *Store) SaveWithBackup(module string, md *Metadata) (string, error) {
	backup, err := s.file(module).WriteWithBackup(md, metadataBackups)
	if err != nil {
		return backup, fmt.Errorf("failed to save status of %s: %w", module, err)
	}
	return backup, nil
}

// Status returns just the module status.
func (s *Store) Status(module string) (types.ModuleStatus, error) {
	md, err := s.Load(module)
	if err != nil {
		return "", err
	}
	return md.Status, nil
}

// SetStatus updates the status, keeping every other key.
func (s *Store) SetStatus(module string, status types.ModuleStatus) error {
	md, err := s.Load(module)
	if err != nil {
		return err
	}
	md.Status = status
	if status == types.StatusUnexecuted || status == types.StatusStarted {
		md.ClearCheckpoint()
	}
	s.logger.Debug("Module status changed",
		zap.String("module", module),
		zap.String("status", string(status)))
	return s.Save(module, md)
}

// SetCheckpoint records progress of a document-map run and marks the module
// PARTIALLY_PROCESSED.
func (s *Store) SetCheckpoint(module string, cp types.Checkpoint) error {
	md, err := s.Load(module)
	if err != nil {
		return err
	}
	md.Status = types.StatusPartiallyProcessed
	md.DocsCompleted = cp.DocsCompleted
	md.LastDocCompleted = cp.LastDoc
	return s.Save(module, md)
}

// Reset deletes a module's outputs and state, returning it to UNEXECUTED.
// History is kept and the lock file must not be present.
func (s *Store) Reset(module string) error {
	if s.Lock(module).Locked() {
		return fmt.Errorf("cannot reset %s: %w", module, ErrModuleLocked)
	}

	dir := s.ModuleDir(module)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read module dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == HistoryFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}

	s.logger.Info("Module reset", zap.String("module", module))
	return s.AppendHistory(module, HistoryRecord{Event: EventReset})
}
