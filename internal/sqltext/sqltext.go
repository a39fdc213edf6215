// Package sqltext classifies SQL statement text: leading-comment
// stripping, read/write detection by first keyword, and the risk
// annotation rules for destructive statements. Classification never
// blocks a statement; it only determines attribution and audit flags.
package sqltext

import (
	"strings"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// readKeywords open statements that return rows without side effects.
var readKeywords = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"EXPLAIN":  true,
	"DESCRIBE": true,
	"VALUES":   true,
	"TABLE":    true,
}

// StripLeadingComments removes SQL comments from the beginning of a
// statement so the first keyword can be found.
func StripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "--") {
			if idx := strings.Index(s, "\n"); idx >= 0 {
				s = s[idx+1:]
			} else {
				return ""
			}
		} else if strings.HasPrefix(s, "/*") {
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
			} else {
				return ""
			}
		} else {
			return s
		}
	}
}

// FirstKeyword returns the uppercased first word of the statement after
// leading comments, or "" for blank input.
func FirstKeyword(s string) string {
	s = StripLeadingComments(s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.Trim(fields[0], "(;"))
}

// IsRead reports whether the statement's first keyword marks it as a
// row-returning read. Anything else is treated as mutating for
// attribution purposes; the statement itself is sent as-is either way.
func IsRead(s string) bool {
	return readKeywords[FirstKeyword(s)]
}

// HasWhere reports whether a WHERE token appears in the statement.
// Token scan, best effort; used for risk annotation only.
func HasWhere(s string) bool {
	for _, f := range strings.Fields(strings.ToUpper(s)) {
		if strings.Trim(f, "();") == "WHERE" {
			return true
		}
	}
	return false
}

// StatementRisk returns the audit flag for destructive statements:
// DELETE or UPDATE without a WHERE clause is critical, DROP and
// TRUNCATE are high. The second return is false when no flag applies.
func StatementRisk(s string) (domain.RiskLevel, bool) {
	switch FirstKeyword(s) {
	case "DELETE", "UPDATE":
		if !HasWhere(s) {
			return domain.RiskCritical, true
		}
	case "DROP", "TRUNCATE":
		return domain.RiskHigh, true
	}
	return domain.RiskLow, false
}

// Truncate flattens newlines and caps the statement text for event and
// log output.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
