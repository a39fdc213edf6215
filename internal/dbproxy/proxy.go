// Package dbproxy bridges script code to the target database. The proxy
// is the only path from a script to the outside world: every call is
// measured, numbered and recorded as an output event.
//
// Security:
//   - reads are capped at MaxRows per call
//   - aggregation pipelines receive an implicit limit stage unless they
//     terminate in $out or $merge
//   - whole-collection destructive calls are flagged critical
//   - schema and administrative operations are rejected in the strict
//     profile and flagged in the maintenance profile
package dbproxy

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// Default limits.
const (
	DefaultMaxRows     = 1000
	DefaultPreviewRows = 10
	maxStatementChars  = 200
)

// Limits bound what a single proxy call may return or record.
type Limits struct {
	MaxRows     int // Rows/documents a read returns. Default: 1000.
	PreviewRows int // Rows carried in an event preview. Default: 10.
}

func (l Limits) maxRows() int {
	if l.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return l.MaxRows
}

func (l Limits) previewRows() int {
	if l.PreviewRows <= 0 {
		return DefaultPreviewRows
	}
	return l.PreviewRows
}

// Database is one live proxy connection. It doubles as the sandbox
// binding that exposes the engine-specific surface to the script.
// OpenPostgres and OpenMongo are the two implementations.
type Database interface {
	Name() string
	Aliases() []string
	Attach(vm *goja.Runtime) (goja.Value, error)
	Close(ctx context.Context) error
}

// notAllowed is the rejection every profile-gated operation surfaces.
func notAllowed(op string) error {
	return fmt.Errorf("%s is not allowed in scripts", op)
}

// preview returns at most n rows for event attachment.
func preview(rows []map[string]any, n int) []map[string]any {
	if len(rows) <= n {
		return rows
	}
	return rows[:n]
}
