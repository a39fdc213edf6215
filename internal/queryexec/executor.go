package queryexec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jkaninda/scriptbox/internal/dbproxy"
	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/sqltext"
)

// DefaultMaxRows caps preview reads. Deliberately larger than the
// in-script cap: previews feed a paginated table, not a script variable.
const DefaultMaxRows = 10000

// RiskClassifier annotates statements with a risk level. Classification
// lives with the caller; the executor only carries the verdict through.
type RiskClassifier interface {
	Classify(statement string) domain.RiskLevel
}

// QueryResult is the bounded outcome of one preview call.
type QueryResult struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`
	RowCount     int64            `json:"rowCount"`
	RowsAffected int64            `json:"rowsAffected,omitempty"`
	Truncated    bool             `json:"truncated,omitempty"`
	Risk         string           `json:"risk,omitempty"`
	DurationMS   int64            `json:"durationMs"`
}

// Executor runs read-mostly preview statements with hard row caps.
type Executor struct {
	manager    *Manager
	maxRows    int
	classifier RiskClassifier
	logger     *slog.Logger
}

// NewExecutor creates an Executor. The classifier may be nil; maxRows
// zero or negative selects DefaultMaxRows.
func NewExecutor(manager *Manager, maxRows int, classifier RiskClassifier, logger *slog.Logger) *Executor {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Executor{
		manager:    manager,
		maxRows:    maxRows,
		classifier: classifier,
		logger:     logger,
	}
}

// ExecuteSQL runs one statement against a relational instance. Reads are
// capped at the executor's row limit with a truncation marker; mutating
// statements are executed and report rows affected.
func (e *Executor) ExecuteSQL(ctx context.Context, instanceID, database, statement string, params ...any) (*QueryResult, error) {
	db, err := e.manager.SQL(ctx, instanceID, database)
	if err != nil {
		return nil, err
	}

	res := &QueryResult{}
	if e.classifier != nil {
		res.Risk = e.classifier.Classify(statement).String()
	}

	start := time.Now()
	if sqltext.IsRead(statement) {
		rows, err := db.QueryContext(ctx, statement, params...)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		defer rows.Close()

		cols, out, truncated, err := scanBounded(rows, e.maxRows)
		if err != nil {
			return nil, err
		}
		res.Columns = cols
		res.Rows = out
		res.RowCount = int64(len(out))
		res.Truncated = truncated
	} else {
		tag, err := db.ExecContext(ctx, statement, params...)
		if err != nil {
			return nil, fmt.Errorf("statement failed: %w", err)
		}
		if affected, err := tag.RowsAffected(); err == nil {
			res.RowsAffected = affected
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()

	e.logger.Debug("preview statement executed",
		slog.String("instance", instanceID),
		slog.String("database", database),
		slog.Int64("rows", res.RowCount),
		slog.Int64("duration_ms", res.DurationMS),
	)
	return res, nil
}

// ExecuteFind runs a bounded find against a document instance.
// filterJSON is the portal-supplied filter document; empty matches all.
func (e *Executor) ExecuteFind(ctx context.Context, instanceID, database, collection, filterJSON string, limit int64) (*QueryResult, error) {
	client, err := e.manager.Mongo(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	filter := map[string]any{}
	if strings.TrimSpace(filterJSON) != "" {
		if err := json.Unmarshal([]byte(filterJSON), &filter); err != nil {
			return nil, fmt.Errorf("invalid filter document: %w", err)
		}
	}

	ceiling := int64(e.maxRows)
	// Fetch one extra document to detect truncation, unless the caller
	// asked for less than the cap.
	fetch := ceiling + 1
	if limit > 0 && limit < ceiling {
		fetch = limit
	}

	start := time.Now()
	cursor, err := client.Database(database).Collection(collection).Find(ctx, filter, options.Find().SetLimit(fetch))
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []map[string]any
	for cursor.Next(ctx) {
		var doc map[string]any
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		docs = append(docs, dbproxy.NormalizeDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("reading cursor: %w", err)
	}

	res := &QueryResult{DurationMS: time.Since(start).Milliseconds()}
	if int64(len(docs)) > ceiling {
		docs = docs[:ceiling]
		res.Truncated = true
	}
	res.Rows = docs
	res.RowCount = int64(len(docs))

	e.logger.Debug("preview find executed",
		slog.String("instance", instanceID),
		slog.String("database", database),
		slog.String("collection", collection),
		slog.Int64("documents", res.RowCount),
		slog.Int64("duration_ms", res.DurationMS),
	)
	return res, nil
}

// scanBounded drains rows into maps, stopping at maxRows.
func scanBounded(rows *sql.Rows, maxRows int) ([]string, []map[string]any, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, false, fmt.Errorf("reading columns: %w", err)
	}

	var out []map[string]any
	truncated := false
	for rows.Next() {
		if len(out) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		scanArgs := make([]any, len(cols))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, nil, false, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("reading rows: %w", err)
	}
	return cols, out, truncated, nil
}

// normalizeValue converts a scanned value to a JSON-safe form.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
