// Package store persists the loop's state as a single JSON snapshot.
//
// Save writes the snapshot to a temporary file in the same directory, fsyncs
// it, and renames it over the previous snapshot, so a crash at any point
// leaves either the old or the new complete file on disk. Load treats a
// missing or unparsable snapshot as an empty initial state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/miradorstack/healloop/internal/models"
	"github.com/miradorstack/healloop/internal/utils"
)

// FileStore reads and writes the LoopState snapshot at a fixed path.
type FileStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	// beforeRename runs after the temporary file is durable and before it is
	// renamed into place. Tests use it to simulate a crash mid-save.
	beforeRename func(tmpPath string) error
}

// NewFileStore constructs a store for the snapshot at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger, now: time.Now}
}

// Path returns the snapshot location.
func (s *FileStore) Path() string { return s.path }

// Load returns the persisted state. A missing snapshot yields an empty state; a corrupt one is
// moved aside and also yields an empty state. Only unexpected read errors are returned.
func (s *FileStore) Load() (models.LoopState, error) {
	return s.load(true)
}

// LoadReadOnly is Load without side effects: a corrupt snapshot is left where it is.
func (s *FileStore) LoadReadOnly() (models.LoopState, error) {
	return s.load(false)
}

// ReadOnly returns a view of the store whose Load never modifies the file system.
// It is what readers that do not hold the lock should use.
func (s *FileStore) ReadOnly() ReadOnlyStore {
	return ReadOnlyStore{fs: s}
}

// ReadOnlyStore loads snapshots without moving corrupt files aside.
type ReadOnlyStore struct {
	fs *FileStore
}

// Load delegates to FileStore.LoadReadOnly.
func (r ReadOnlyStore) Load() (models.LoopState, error) {
	return r.fs.LoadReadOnly()
}

func (s *FileStore) load(preserveCorrupt bool) (models.LoopState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.NewLoopState(), nil
		}
		return models.NewLoopState(), utils.NewAppError("store.load", "read snapshot", err)
	}

	var state models.LoopState
	if err := json.Unmarshal(data, &state); err != nil {
		if !preserveCorrupt {
			s.logger.Warn("snapshot unparsable; reporting empty state", slog.String("path", s.path), slog.Any("error", err))
			return models.NewLoopState(), nil
		}
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Warn("could not preserve corrupt snapshot", slog.String("path", s.path), slog.Any("error", renameErr))
			aside = ""
		}
		s.logger.Warn("snapshot unparsable; starting from empty state",
			slog.String("path", s.path),
			slog.String("preserved_as", aside),
			slog.Any("error", err))
		return models.NewLoopState(), nil
	}

	if state.Errors == nil {
		state.Errors = make(map[string]models.ErrorRecord)
	}
	if state.Version == 0 {
		state.Version = models.CurrentStateVersion
	}
	return state, nil
}

// Save atomically replaces the snapshot with state.
func (s *FileStore) Save(state models.LoopState) error {
	if state.Version == 0 {
		state.Version = models.CurrentStateVersion
	}
	if state.Errors == nil {
		state.Errors = make(map[string]models.ErrorRecord)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return utils.NewAppError("store.save", "marshal snapshot", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return utils.NewAppError("store.save", "create state directory", err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return utils.NewAppError("store.save", "create temporary snapshot", err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return utils.NewAppError("store.save", "write temporary snapshot", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return utils.NewAppError("store.save", "sync temporary snapshot", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return utils.NewAppError("store.save", "close temporary snapshot", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return utils.NewAppError("store.save", "interrupted before rename", err)
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return utils.NewAppError("store.save", "rename snapshot into place", err)
	}

	// The rename is only durable once the directory entry is flushed.
	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
