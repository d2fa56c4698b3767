package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tathienbao/execbot/internal/types"
)

// FileQuotaStore keeps quota counters in a JSON object file.
type FileQuotaStore struct {
	path   string
	logger *slog.Logger
}

// NewFileQuotaStore creates a quota store at path.
func NewFileQuotaStore(path string, logger *slog.Logger) *FileQuotaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileQuotaStore{path: path, logger: logger}
}

// LoadQuotas returns the stored counters. A missing file yields an empty
// map; a corrupt one is quarantined and yields an empty map.
func (s *FileQuotaStore) LoadQuotas(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return counts, nil
	}
	if err != nil {
		return counts, fmt.Errorf("read quota file: %w", err)
	}
	if err := json.Unmarshal(data, &counts); err != nil {
		quarantine(s.path, s.logger, err)
		return make(map[string]int), nil
	}
	return counts, nil
}

// SaveQuotas replaces the stored counters atomically.
func (s *FileQuotaStore) SaveQuotas(_ context.Context, counts map[string]int) error {
	if counts == nil {
		counts = map[string]int{}
	}
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quotas: %w", err)
	}
	return writeAtomic(s.path, data)
}

// FileStateStore keeps the trade state in a JSON file.
type FileStateStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStateStore creates a state store at path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStateStore{path: path, logger: logger}
}

// LoadState reads the snapshot. A missing or corrupt file returns
// types.ErrStateNotFound; a corrupt one is quarantined first.
func (s *FileStateStore) LoadState(_ context.Context) (types.TradeState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.TradeState{}, types.ErrStateNotFound
	}
	if err != nil {
		return types.TradeState{}, fmt.Errorf("read state file: %w", err)
	}
	var st types.TradeState
	if err := json.Unmarshal(data, &st); err != nil {
		quarantine(s.path, s.logger, err)
		return types.TradeState{}, types.ErrStateNotFound
	}
	if st.Positions == nil {
		st.Positions = make(map[string]types.PositionRecord)
	}
	return st, nil
}

// SaveState writes the snapshot atomically.
func (s *FileStateStore) SaveState(_ context.Context, st types.TradeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeAtomic(s.path, data)
}

// FileStore combines the file-backed quota and state stores.
type FileStore struct {
	*FileQuotaStore
	*FileStateStore
}

// NewFileStore creates a file backend.
func NewFileStore(quotaPath, statePath string, logger *slog.Logger) *FileStore {
	return &FileStore{
		FileQuotaStore: NewFileQuotaStore(quotaPath, logger),
		FileStateStore: NewFileStateStore(statePath, logger),
	}
}

// Reset removes both files.
func (s *FileStore) Reset(_ context.Context) error {
	var errs []error
	for _, p := range []string{s.FileQuotaStore.path, s.FileStateStore.path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// writeAtomic writes data to a temp file in path's directory, syncs it and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// quarantine moves a corrupt file aside as <path>.bak-<unix>.
func quarantine(path string, logger *slog.Logger, cause error) {
	bak := fmt.Sprintf("%s.bak-%d", path, time.Now().Unix())
	if err := os.Rename(path, bak); err != nil {
		logger.Error("corrupt file could not be moved aside", "path", path, "cause", cause, "err", err)
		return
	}
	logger.Warn("corrupt file moved aside, starting empty", "path", path, "backup", bak, "cause", cause)
}
