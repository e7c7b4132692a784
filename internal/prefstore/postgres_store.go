package prefstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

const (
	postgresStateTableName   = "kpi_pref_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLocalStore keeps the envelope in a single keyed row. It serves
// shared-desktop deployments where several dashboard hosts share one
// settings row; the storage-layer last-write-wins discipline matches the
// browser storage it stands in for.
type PostgresLocalStore struct {
	dsn       string
	tableName string
	storeKey  string
	quota     int64
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLocalStore(dsn string) (*PostgresLocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres local store: empty dsn")
	}
	return &PostgresLocalStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		storeKey:  StorageKey,
		quota:     DefaultMaxStorageSize,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresLocalStore) Probe() ProbeResult {
	if err := s.ensureReady(); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	scratchKey := s.storeKey + ".probe"
	upsert := fmt.Sprintf(`
		INSERT INTO %s (store_key, envelope, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (store_key)
		DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()`, quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, upsert, scratchKey, `{"probe":true}`); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe write: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	var payload string
	query := fmt.Sprintf("SELECT envelope FROM %s WHERE store_key = $1", quoteIdentifier(s.tableName))
	if err := s.db.QueryRowContext(ctx, query, scratchKey).Scan(&payload); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe read: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE store_key = $1", quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, del, scratchKey); err != nil {
		return ProbeResult{Reason: fmt.Errorf("probe delete: %v: %w", err, syncengine.ErrStorageBlocked)}
	}
	return ProbeResult{Available: true}
}

func (s *PostgresLocalStore) Read() ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT envelope FROM %s WHERE store_key = $1", quoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, s.storeKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncengine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *PostgresLocalStore) Write(data []byte) error {
	if int64(len(data)) > s.quota {
		return fmt.Errorf("write %d bytes over quota %d: %w", len(data), s.quota, syncengine.ErrQuotaExceeded)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (store_key, envelope, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (store_key)
		DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.storeKey, string(data))
	return err
}

func (s *PostgresLocalStore) Clear() error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE store_key = $1", quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.storeKey)
	return err
}

func (s *PostgresLocalStore) Usage() (UsageStats, error) {
	stats := UsageStats{Total: s.quota, Available: s.quota}
	if err := s.ensureReady(); err != nil {
		return stats, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COALESCE(LENGTH(envelope), 0) FROM %s WHERE store_key = $1", quoteIdentifier(s.tableName))
	var used int64
	err := s.db.QueryRowContext(ctx, query, s.storeKey).Scan(&used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, err
	}
	stats.Used = used
	stats.Available = stats.Total - used
	if stats.Available < 0 {
		stats.Available = 0
	}
	return stats, nil
}

func (s *PostgresLocalStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresLocalStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				store_key TEXT PRIMARY KEY,
				envelope TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
