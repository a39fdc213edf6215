// Package domain defines the entity types shared across the script
// execution subsystem: execution requests, output events, results, and
// the risk vocabulary carried on audit-flagged database calls.
package domain

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for request validation.
var (
	ErrEmptyScript     = errors.New("script source is empty")
	ErrScriptTooLarge  = errors.New("script source exceeds the size limit")
	ErrUnknownKind     = errors.New("unknown database kind")
	ErrMissingConnInfo = errors.New("target connection is incomplete")
)

// MaxScriptBytes is the size ceiling for submitted script source.
const MaxScriptBytes = 1 << 20

// DefaultTimeout applies when a request carries no explicit timeout.
const DefaultTimeout = 30 * time.Second

// DatabaseKind selects the engine family a script runs against.
type DatabaseKind string

const (
	KindRelational DatabaseKind = "relational"
	KindDocument   DatabaseKind = "document"
)

// ParseDatabaseKind converts a string to a DatabaseKind.
// Engine names are accepted as aliases so callers may pass the value
// straight from an instance configuration.
func ParseDatabaseKind(s string) (DatabaseKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relational", "postgres", "postgresql":
		return KindRelational, nil
	case "document", "mongo", "mongodb":
		return KindDocument, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Profile selects the sandbox profile gating schema and administrative
// operations. Strict rejects them, maintenance permits but flags them.
type Profile string

const (
	ProfileStrict      Profile = "strict"
	ProfileMaintenance Profile = "maintenance"
)

// ParseProfile converts a string to a Profile. Empty input means strict.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return ProfileStrict, nil
	case "maintenance":
		return ProfileMaintenance, nil
	default:
		return "", fmt.Errorf("unknown sandbox profile %q", s)
	}
}

// RiskLevel classifies the danger of a database call.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Scoped writes.
	RiskHigh                      // Schema changes, index mutation.
	RiskCritical                  // Whole-collection or whole-table destruction.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskCritical
	}
}

// ConnectionInfo carries resolved credentials for the target instance.
// Either URI or the discrete fields must be populated. The password and
// the full URI MUST NOT appear in logs; use Redacted.
type ConnectionInfo struct {
	URI      string `json:"uri,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	SSLMode  string `json:"sslMode,omitempty"`
	// CredentialsEnvPrefix names an environment prefix whose
	// <PREFIX>_USER, <PREFIX>_PASSWORD and <PREFIX>_CONNECTION_STRING
	// variables override the embedded values when present.
	CredentialsEnvPrefix string `json:"credentialsEnvPrefix,omitempty"`
}

// ResolveEnv returns a copy with environment-provided credentials applied.
// The lookup function defaults to os.LookupEnv; tests inject their own.
func (c ConnectionInfo) ResolveEnv(lookup func(string) (string, bool)) ConnectionInfo {
	if c.CredentialsEnvPrefix == "" {
		return c
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := strings.ToUpper(c.CredentialsEnvPrefix)
	if v, ok := lookup(prefix + "_USER"); ok && v != "" {
		c.User = v
	}
	if v, ok := lookup(prefix + "_PASSWORD"); ok && v != "" {
		c.Password = v
	}
	if v, ok := lookup(prefix + "_CONNECTION_STRING"); ok && v != "" {
		c.URI = v
	}
	return c
}

// Redacted returns a log-safe description of the target.
func (c ConnectionInfo) Redacted() string {
	if c.Host != "" {
		if c.Port > 0 {
			return fmt.Sprintf("%s:%d", c.Host, c.Port)
		}
		return c.Host
	}
	if c.URI != "" {
		return "uri:redacted"
	}
	return "unconfigured"
}

// Empty reports whether no usable connection target is present.
func (c ConnectionInfo) Empty() bool {
	return c.URI == "" && c.Host == ""
}

// ExecutionRequest describes one script execution against one database.
type ExecutionRequest struct {
	ScriptSource     string         `json:"scriptSource"`
	DatabaseKind     DatabaseKind   `json:"databaseKind"`
	TargetConnection ConnectionInfo `json:"targetConnection"`
	DatabaseName     string         `json:"databaseName"`
	TimeoutMS        int            `json:"timeoutMs,omitempty"`
	Profile          Profile        `json:"profile,omitempty"`
}

// Timeout returns the script budget, applying the default when unset.
func (r ExecutionRequest) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Validate performs the pre-spawn guards: non-empty source, size ceiling,
// a recognized kind and a usable connection target.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.ScriptSource) == "" {
		return ErrEmptyScript
	}
	if len(r.ScriptSource) > MaxScriptBytes {
		return fmt.Errorf("%w: %d bytes", ErrScriptTooLarge, len(r.ScriptSource))
	}
	if _, err := ParseDatabaseKind(string(r.DatabaseKind)); err != nil {
		return err
	}
	// A prefix-only target is usable; the worker resolves the actual
	// credentials from its environment.
	if r.TargetConnection.Empty() && r.TargetConnection.CredentialsEnvPrefix == "" {
		return ErrMissingConnInfo
	}
	if r.DatabaseName == "" {
		return fmt.Errorf("%w: database name missing", ErrMissingConnInfo)
	}
	return nil
}

// FailureKind classifies why an execution failed.
type FailureKind string

const (
	FailureSyntax  FailureKind = "SyntaxError"  // Rejected before execution.
	FailureRuntime FailureKind = "RuntimeError" // Script threw, or a database call failed.
	FailureTimeout FailureKind = "TimeoutError" // Budget exhausted, process terminated.
	FailureProcess FailureKind = "ProcessError" // Worker crashed or never delivered a result.
)

// Failure describes a failed execution. Line and Column are populated for
// syntax failures only, best effort.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Line    int         `json:"line,omitempty"`
	Column  int         `json:"column,omitempty"`
}

// Summary aggregates the event stream into portal-facing counters.
type Summary struct {
	QueryCount         int   `json:"queryCount"`
	OperationCount     int   `json:"operationCount"`
	RowsReturned       int64 `json:"rowsReturned"`
	RowsAffected       int64 `json:"rowsAffected"`
	DocumentsProcessed int64 `json:"documentsProcessed"`
	ErrorCount         int   `json:"errorCount"`
	WarningCount       int   `json:"warningCount"`
}

// ExecutionResult is the single value every execution resolves to,
// succeeded or not. Events preserve emission order.
type ExecutionResult struct {
	Succeeded   bool          `json:"succeeded"`
	ReturnValue any           `json:"returnValue,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	Events      []OutputEvent `json:"events"`
	DurationMS  int64         `json:"durationMs"`
	Summary     Summary       `json:"summary"`
}

// NewID returns a fresh execution identifier.
func NewID() string {
	return uuid.New().String()
}
