package dbproxy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/dop251/goja"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/sqltext"
)

// Postgres proxies relational statements. Statements are sent as-is;
// the first keyword only determines whether rows or an affected count
// come back, and which audit flag the event carries.
type Postgres struct {
	ctx    context.Context
	db     *sql.DB
	events domain.EventLogger
	limits Limits
	logger *slog.Logger
}

// OpenPostgres connects with a single underlying connection. The
// context bounds every statement the script later runs.
func OpenPostgres(ctx context.Context, conn domain.ConnectionInfo, dbName string, events domain.EventLogger, limits Limits, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", PostgresDSN(conn, dbName))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One worker, one connection. Never a pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", conn.Redacted(), err)
	}

	logger.Debug("relational proxy connected",
		slog.String("target", conn.Redacted()),
		slog.String("database", dbName),
	)
	return &Postgres{ctx: ctx, db: db, events: events, limits: limits, logger: logger}, nil
}

// PostgresDSN builds the connection string without ever logging it.
func PostgresDSN(conn domain.ConnectionInfo, dbName string) string {
	if conn.URI != "" {
		u, err := url.Parse(conn.URI)
		if err != nil {
			return conn.URI
		}
		if (u.Path == "" || u.Path == "/") && dbName != "" {
			u.Path = "/" + dbName
		}
		return u.String()
	}

	host := conn.Host
	if conn.Port > 0 {
		host += ":" + strconv.Itoa(conn.Port)
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + dbName}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Password)
	}
	if conn.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(conn.SSLMode)
	}
	return u.String()
}

func (p *Postgres) Name() string      { return "db" }
func (p *Postgres) Aliases() []string { return []string{"pg"} }

// Close releases the connection. Safe to call more than once.
func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}

// Attach exposes query and execute to the script.
func (p *Postgres) Attach(vm *goja.Runtime) (goja.Value, error) {
	obj := vm.NewObject()
	if err := obj.Set("query", p.runStatement); err != nil {
		return nil, err
	}
	if err := obj.Set("execute", p.runExec); err != nil {
		return nil, err
	}
	return obj, nil
}

// runStatement dispatches by first keyword: reads return the capped row
// set, everything else returns the affected count.
func (p *Postgres) runStatement(stmt string, params ...any) (any, error) {
	if sqltext.IsRead(stmt) {
		return p.runRows(stmt, params)
	}
	return p.runExec(stmt, params...)
}

func (p *Postgres) runRows(stmt string, params []any) (any, error) {
	n := p.events.NextQuery()
	start := time.Now()

	rows, err := p.db.QueryContext(p.ctx, stmt, params...)
	if err != nil {
		p.failQuery(n, stmt, start, err)
		return nil, err
	}
	defer rows.Close()

	maxRows := p.limits.maxRows()
	result, truncated, err := scanRows(rows, maxRows)
	if err != nil {
		p.failQuery(n, stmt, start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	p.events.Append(domain.OutputEvent{
		Kind:        domain.EventQuery,
		Message:     fmt.Sprintf("Query %d (%s): %d rows in %dms", n, sqltext.FirstKeyword(stmt), len(result), elapsed.Milliseconds()),
		QueryNumber: n,
		SQL:         sqltext.Truncate(stmt, maxStatementChars),
		DurationMS:  elapsed.Milliseconds(),
		RowCount:    domain.Count(int64(len(result))),
		Preview:     preview(result, p.limits.previewRows()),
		Truncated:   truncated,
	})
	return result, nil
}

func (p *Postgres) runExec(stmt string, params ...any) (any, error) {
	n := p.events.NextQuery()
	start := time.Now()

	res, err := p.db.ExecContext(p.ctx, stmt, params...)
	if err != nil {
		p.failQuery(n, stmt, start, err)
		return nil, err
	}
	affected, _ := res.RowsAffected()
	elapsed := time.Since(start)

	ev := domain.OutputEvent{
		Kind:         domain.EventQuery,
		Message:      fmt.Sprintf("Query %d (%s): %d rows affected in %dms", n, sqltext.FirstKeyword(stmt), affected, elapsed.Milliseconds()),
		QueryNumber:  n,
		SQL:          sqltext.Truncate(stmt, maxStatementChars),
		DurationMS:   elapsed.Milliseconds(),
		RowsAffected: domain.Count(affected),
	}
	if risk, flagged := sqltext.StatementRisk(stmt); flagged {
		ev.RiskLevel = risk.String()
	}
	p.events.Append(ev)
	return map[string]any{"rowsAffected": affected}, nil
}

// failQuery records a failed statement before it surfaces in the script.
func (p *Postgres) failQuery(n int, stmt string, start time.Time, err error) {
	elapsed := time.Since(start)
	p.events.Append(domain.OutputEvent{
		Kind:        domain.EventError,
		Message:     fmt.Sprintf("Query %d failed: %v", n, err),
		QueryNumber: n,
		SQL:         sqltext.Truncate(stmt, maxStatementChars),
		DurationMS:  elapsed.Milliseconds(),
		Error:       err.Error(),
	})
	p.logger.Warn("statement failed",
		slog.Int("query_number", n),
		slog.Duration("elapsed", elapsed),
	)
}

// scanRows reads up to maxRows rows into JSON-safe maps, reporting
// whether the result was cut off.
func scanRows(rows *sql.Rows, maxRows int) ([]map[string]any, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("reading columns: %w", err)
	}

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var result []map[string]any
	truncated := false
	for rows.Next() {
		if len(result) >= maxRows {
			truncated = true
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, false, fmt.Errorf("scanning row %d: %w", len(result), err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterating rows: %w", err)
	}
	return result, truncated, nil
}

// normalizeSQLValue converts a scanned value to a JSON-safe form.
func normalizeSQLValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}
