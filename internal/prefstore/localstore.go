package prefstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

// ProbeResult reports whether the storage area accepts writes.
type ProbeResult struct {
	Available bool
	Reason    error
}

// UsageStats accounts for quota consumption in bytes.
type UsageStats struct {
	Used      int64 `json:"used"`
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
}

// LocalStore is durable single-key persistence for the envelope. Writes
// are atomic: a failed write leaves the previous value intact.
type LocalStore interface {
	Probe() ProbeResult
	Read() ([]byte, error)
	Write(data []byte) error
	Clear() error
	Usage() (UsageStats, error)
}

// FileLocalStore keeps the envelope in a single JSON file, written with a
// tmp+rename so readers never observe a partial envelope.
type FileLocalStore struct {
	Path  string
	Quota int64
}

func NewFileLocalStore(path string, quota int64) *FileLocalStore {
	if quota <= 0 {
		quota = DefaultMaxStorageSize
	}
	return &FileLocalStore{Path: path, Quota: quota}
}

func (s *FileLocalStore) Probe() ProbeResult {
	scratch := s.Path + ".probe"
	marker := []byte(`{"probe":true}`)
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe mkdir: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	if err := os.WriteFile(scratch, marker, 0o644); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe write: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	read, err := os.ReadFile(scratch)
	if err != nil || !bytes.Equal(read, marker) {
		_ = os.Remove(scratch)
		return ProbeResult{Reason: fmt.Errorf("probe read back: %w", syncengine.ErrStorageBlocked)}
	}
	if err := os.Remove(scratch); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe delete: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	return ProbeResult{Available: true}
}

func (s *FileLocalStore) Read() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, syncengine.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FileLocalStore) Write(data []byte) error {
	if int64(len(data)) > s.Quota {
		return fmt.Errorf("write %d bytes over quota %d: %w", len(data), s.Quota, syncengine.ErrQuotaExceeded)
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileLocalStore) Clear() error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileLocalStore) Usage() (UsageStats, error) {
	stats := UsageStats{Total: s.Quota, Available: s.Quota}
	info, err := os.Stat(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, err
	}
	stats.Used = info.Size()
	stats.Available = stats.Total - stats.Used
	if stats.Available < 0 {
		stats.Available = 0
	}
	return stats, nil
}

// MemoryLocalStore is an in-memory LocalStore for tests and ephemeral
// sessions. FailWrites simulates a blocked storage area.
type MemoryLocalStore struct {
	mu         sync.Mutex
	data       []byte
	quota      int64
	FailWrites bool
}

func NewMemoryLocalStore(quota int64) *MemoryLocalStore {
	if quota <= 0 {
		quota = DefaultMaxStorageSize
	}
	return &MemoryLocalStore{quota: quota}
}

func (s *MemoryLocalStore) Probe() ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ProbeResult{Reason: syncengine.ErrStorageBlocked}
	}
	return ProbeResult{Available: true}
}

func (s *MemoryLocalStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, syncengine.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *MemoryLocalStore) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return syncengine.ErrStorageBlocked
	}
	if int64(len(data)) > s.quota {
		return fmt.Errorf("write %d bytes over quota %d: %w", len(data), s.quota, syncengine.ErrQuotaExceeded)
	}
	s.data = make([]byte, len(data))
	copy(s.data, data)
	return nil
}

func (s *MemoryLocalStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

func (s *MemoryLocalStore) Usage() (UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := int64(len(s.data))
	available := s.quota - used
	if available < 0 {
		available = 0
	}
	return UsageStats{Used: used, Total: s.quota, Available: available}, nil
}

// BuildLocalStoreFromDSN selects a backend from a DSN. Supported forms:
// "memory:", "file:/path/to/state.json", a bare filesystem path, and
// "postgres://..." or "postgresql://...".
func BuildLocalStoreFromDSN(dsn string) (LocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "memory:" || dsn == "memory" {
		return NewMemoryLocalStore(0), nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresLocalStore(dsn)
	}
	if strings.HasPrefix(dsn, "file:") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid file DSN %q: %w", dsn, err)
		}
		path := parsed.Opaque
		if path == "" {
			path = parsed.Path
		}
		if path == "" {
			return nil, fmt.Errorf("file DSN %q has no path", dsn)
		}
		return NewFileLocalStore(path, 0), nil
	}
	return NewFileLocalStore(dsn, 0), nil
}
