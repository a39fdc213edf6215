// Package validator performs pre-execution script validation: a syntax
// check, a hard blocklist of constructs that must never reach a worker,
// and a soft advisory list for destructive-looking patterns.
//
// Security:
//   - Hard blocklist hits are blocking; no worker process is spawned
//   - Pattern matching is conservative: a match inside a string or
//     comment still blocks
//   - Soft advisories never block; the approval step owns that judgment
package validator

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/dop251/goja/parser"

	"github.com/jkaninda/scriptbox/internal/sandbox"
	"github.com/jkaninda/scriptbox/internal/sqltext"
)

// blockRules are the constructs that make a script unrunnable.
var blockRules = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`), "the Function constructor"},
	{regexp.MustCompile(`\brequire\s*\(`), "require"},
	{regexp.MustCompile(`(?m)^\s*import\s|\bimport\s*\(`), "module imports"},
	{regexp.MustCompile(`\bprocess\s*[.\[]`), "process access"},
	{regexp.MustCompile(`\bchild_process\b|\bexecSync\b|\bspawnSync\b`), "subprocess spawning"},
}

// adviseRules flag destructive-looking document operations. Relational
// statements get their advisory from sqltext instead.
var adviseRules = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`\bdeleteMany\s*\(\s*(\{\s*\})?\s*\)`), "deleteMany with an empty filter removes every document"},
	{regexp.MustCompile(`\bupdateMany\s*\(\s*\{\s*\}\s*,`), "updateMany with an empty filter touches every document"},
	{regexp.MustCompile(`\.drop\s*\(\s*\)`), "collection drop"},
	{regexp.MustCompile(`\bdropDatabase\s*\(`), "database drop"},
	{regexp.MustCompile(`\b(createIndex|dropIndexes?)\s*\(`), "index mutation"},
	{regexp.MustCompile(`(?i)\bDROP\s+(TABLE|DATABASE|INDEX|SCHEMA)\b`), "SQL DROP"},
	{regexp.MustCompile(`(?i)\bTRUNCATE\b`), "SQL TRUNCATE"},
}

var (
	sqlDeleteRe = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b[^\n]*`)
	sqlUpdateRe = regexp.MustCompile(`(?i)\bUPDATE\s+\S+\s+SET\b[^\n]*`)
)

// SyntaxIssue locates the first parse failure, best effort.
type SyntaxIssue struct {
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// Report is the validation outcome for one script.
type Report struct {
	Valid    bool         `json:"valid"`
	Errors   []string     `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
	Syntax   *SyntaxIssue `json:"syntax,omitempty"`
}

// Validator checks script source before any process is spawned.
type Validator struct {
	logger *slog.Logger
}

// New creates a Validator. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate runs the syntax check, the hard blocklist and the soft
// advisory scan, in that order. Warnings are collected even when the
// script is rejected so the report is complete.
func (v *Validator) Validate(source string) Report {
	report := Report{Valid: true}

	if issue := checkSyntax(source); issue != nil {
		report.Valid = false
		report.Syntax = issue
		report.Errors = append(report.Errors, fmt.Sprintf("syntax error: %s", issue.Message))
	}

	for _, rule := range blockRules {
		if rule.re.MatchString(source) {
			report.Valid = false
			report.Errors = append(report.Errors, fmt.Sprintf("%s is not allowed in scripts", rule.name))
		}
	}

	report.Warnings = advisories(source)

	if !report.Valid {
		v.logger.Warn("script rejected",
			slog.Int("errors", len(report.Errors)),
			slog.Int("warnings", len(report.Warnings)),
		)
	}
	return report
}

// checkSyntax parses the source the same way the worker executes it,
// wrapped as an async function body. Returns nil when the source parses.
func checkSyntax(source string) *SyntaxIssue {
	_, err := parser.ParseFile(nil, "script.js", sandbox.Wrap(source), 0)
	if err == nil {
		return nil
	}

	issue := &SyntaxIssue{Message: err.Error()}
	if list, ok := err.(parser.ErrorList); ok && len(list) > 0 {
		first := list[0]
		issue.Message = first.Message
		issue.Line = first.Position.Line - sandbox.WrapLineOffset
		issue.Column = first.Position.Column
		if last := strings.Count(source, "\n") + 1; issue.Line > last {
			issue.Line = last
		}
		if issue.Line < 1 {
			issue.Line = 1
		}
	}
	return issue
}

// advisories returns the soft warnings for the source. Never blocking.
func advisories(source string) []string {
	var warnings []string
	for _, rule := range adviseRules {
		if rule.re.MatchString(source) {
			warnings = append(warnings, rule.name)
		}
	}
	for _, m := range sqlDeleteRe.FindAllString(source, -1) {
		if !sqltext.HasWhere(m) {
			warnings = append(warnings, "SQL DELETE without a WHERE clause")
			break
		}
	}
	for _, m := range sqlUpdateRe.FindAllString(source, -1) {
		if !sqltext.HasWhere(m) {
			warnings = append(warnings, "SQL UPDATE without a WHERE clause")
			break
		}
	}
	return warnings
}
