package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

// PreferenceRepo stores one preference document per user. Load returns
// ErrNotFound for users without a saved copy.
type PreferenceRepo interface {
	Load(ctx context.Context, userID string) (settings.WirePreference, error)
	Save(ctx context.Context, userID string, pref settings.WirePreference) (settings.WirePreference, error)
}

// MemoryRepo keeps documents in memory, for tests and single-node runs.
type MemoryRepo struct {
	mu   sync.Mutex
	docs map[string]settings.WirePreference
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{docs: map[string]settings.WirePreference{}}
}

func (r *MemoryRepo) Load(_ context.Context, userID string) (settings.WirePreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pref, ok := r.docs[userID]
	if !ok {
		return settings.WirePreference{}, syncengine.ErrNotFound
	}
	return pref, nil
}

func (r *MemoryRepo) Save(_ context.Context, userID string, pref settings.WirePreference) (settings.WirePreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[userID] = pref
	return pref, nil
}

const (
	repoTableName        = "kpi_pref_documents"
	repoOperationTimeout = 5 * time.Second
)

// PostgresRepo persists one row per user.
type PostgresRepo struct {
	dsn       string
	tableName string
	openDB    func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres repo: empty dsn")
	}
	return &PostgresRepo{
		dsn:       dsn,
		tableName: repoTableName,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresRepo) Load(ctx context.Context, userID string) (settings.WirePreference, error) {
	var pref settings.WirePreference
	if err := r.ensureReady(); err != nil {
		return pref, err
	}
	opCtx, cancel := context.WithTimeout(ctx, repoOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE user_id = $1", quoteIdent(r.tableName))
	var payload string
	err := r.db.QueryRowContext(opCtx, query, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return pref, syncengine.ErrNotFound
	}
	if err != nil {
		return pref, err
	}
	if err := json.Unmarshal([]byte(payload), &pref); err != nil {
		return pref, fmt.Errorf("stored document for %s: %w", userID, err)
	}
	return pref, nil
}

func (r *PostgresRepo) Save(ctx context.Context, userID string, pref settings.WirePreference) (settings.WirePreference, error) {
	if err := r.ensureReady(); err != nil {
		return pref, err
	}
	payload, err := json.Marshal(pref)
	if err != nil {
		return pref, err
	}
	opCtx, cancel := context.WithTimeout(ctx, repoOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, quoteIdent(r.tableName))
	if _, err := r.db.ExecContext(opCtx, query, userID, string(payload)); err != nil {
		return pref, err
	}
	return pref, nil
}

func (r *PostgresRepo) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRepo) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), repoOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT PRIMARY KEY,
				doc TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdent(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
