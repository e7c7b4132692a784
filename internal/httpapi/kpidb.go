package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

// KPIDatabase answers the database probe routes against the KPI summary
// table described in the incoming connection settings.
type KPIDatabase interface {
	Pegs(ctx context.Context, db settings.DatabaseSettings, limit int) ([]string, error)
	Entities(ctx context.Context, db settings.DatabaseSettings, selectedHosts []string) (syncengine.EntityLists, error)
	TestConnection(ctx context.Context, db settings.DatabaseSettings) syncengine.ConnectionTestResult
}

const (
	defaultPegLimit = 500
	maxPegLimit     = 5000
	probeTimeout    = 10 * time.Second
)

// PostgresKPIDatabase probes the caller-described PostgreSQL instance.
// Connections are per-request: the settings in the request body decide
// the target, so there is nothing to pool.
type PostgresKPIDatabase struct {
	openDB func(driverName, dsn string) (*sql.DB, error)
}

func NewPostgresKPIDatabase() *PostgresKPIDatabase {
	return &PostgresKPIDatabase{openDB: sql.Open}
}

func (p *PostgresKPIDatabase) connect(ctx context.Context, db settings.DatabaseSettings) (*sql.DB, error) {
	if db.Host == "" || db.DBName == "" {
		return nil, fmt.Errorf("incomplete database settings")
	}
	port := db.Port
	if port <= 0 {
		port = 5432
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		db.Host, port, db.User, db.Password, db.DBName)
	conn, err := p.openDB("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (p *PostgresKPIDatabase) Pegs(ctx context.Context, db settings.DatabaseSettings, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultPegLimit
	}
	if limit > maxPegLimit {
		limit = maxPegLimit
	}
	opCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := p.connect(opCtx, db)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := fmt.Sprintf("SELECT DISTINCT peg_name FROM %s ORDER BY peg_name LIMIT $1", quoteIdent(tableOrDefault(db)))
	rows, err := conn.QueryContext(opCtx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pegs []string
	for rows.Next() {
		var peg string
		if err := rows.Scan(&peg); err != nil {
			return nil, err
		}
		pegs = append(pegs, peg)
	}
	return pegs, rows.Err()
}

func (p *PostgresKPIDatabase) Entities(ctx context.Context, db settings.DatabaseSettings, selectedHosts []string) (syncengine.EntityLists, error) {
	var lists syncengine.EntityLists
	opCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := p.connect(opCtx, db)
	if err != nil {
		return lists, err
	}
	defer conn.Close()

	table := quoteIdent(tableOrDefault(db))
	hosts, err := distinctColumn(opCtx, conn, table, "host", nil)
	if err != nil {
		return lists, err
	}
	lists.Hosts = hosts

	// NE and cell lists narrow to the selected hosts when given.
	lists.NEs, err = distinctColumn(opCtx, conn, table, "ne", selectedHosts)
	if err != nil {
		return lists, err
	}
	lists.CellIDs, err = distinctColumn(opCtx, conn, table, "cellid", selectedHosts)
	if err != nil {
		return lists, err
	}
	return lists, nil
}

func distinctColumn(ctx context.Context, conn *sql.DB, table, column string, hosts []string) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", quoteIdent(column), table)
	clause, args := hostFilter(hosts)
	query += clause
	query += fmt.Sprintf(" ORDER BY %s", quoteIdent(column))
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid && v.String != "" {
			values = append(values, v.String)
		}
	}
	return values, rows.Err()
}

// hostFilter narrows a probe query to the selected hosts. pq.Array handles
// the text-array encoding, including embedded quotes and backslashes.
func hostFilter(hosts []string) (string, []any) {
	if len(hosts) == 0 {
		return "", nil
	}
	return " WHERE host = ANY($1)", []any{pq.Array(hosts)}
}

func (p *PostgresKPIDatabase) TestConnection(ctx context.Context, db settings.DatabaseSettings) syncengine.ConnectionTestResult {
	opCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := p.connect(opCtx, db)
	if err != nil {
		return syncengine.ConnectionTestResult{Message: err.Error()}
	}
	defer conn.Close()

	result := syncengine.ConnectionTestResult{Success: true}
	var exists bool
	err = conn.QueryRowContext(opCtx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
		tableOrDefault(db)).Scan(&exists)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.TableExists = exists
	if !exists {
		result.Message = fmt.Sprintf("table %q not found", tableOrDefault(db))
	}
	return result
}

func tableOrDefault(db settings.DatabaseSettings) string {
	if db.Table != "" {
		return db.Table
	}
	return "summary"
}

// StaticKPIDatabase serves canned probe answers, for tests and demos.
type StaticKPIDatabase struct {
	PegNames []string
	Lists    syncengine.EntityLists
	Result   syncengine.ConnectionTestResult
}

func (s *StaticKPIDatabase) Pegs(_ context.Context, _ settings.DatabaseSettings, limit int) ([]string, error) {
	pegs := append([]string(nil), s.PegNames...)
	sort.Strings(pegs)
	if limit > 0 && len(pegs) > limit {
		pegs = pegs[:limit]
	}
	return pegs, nil
}

func (s *StaticKPIDatabase) Entities(_ context.Context, _ settings.DatabaseSettings, _ []string) (syncengine.EntityLists, error) {
	return s.Lists, nil
}

func (s *StaticKPIDatabase) TestConnection(_ context.Context, _ settings.DatabaseSettings) syncengine.ConnectionTestResult {
	return s.Result
}

var (
	_ KPIDatabase = (*PostgresKPIDatabase)(nil)
	_ KPIDatabase = (*StaticKPIDatabase)(nil)
)
