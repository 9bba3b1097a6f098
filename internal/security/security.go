// Copyright 2025 the db2i-toolbox authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security enforces the read-only SQL policy for tool
// statements. Validation is layered and fail-closed: the tokenizer is
// the primary instrument, a literal-stripping regex pass is the
// fallback for forbidden keywords and the supplementary net under the
// allowlist, and an optional QSYS2.PARSE_STATEMENT gate runs against
// the live system for the raw-SQL tool.
package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ibmi-community/db2i-toolbox/internal/sqlparse"
)

// DefaultMaxQueryLength bounds statements when a tool declares no
// explicit limit.
const DefaultMaxQueryLength = 10000

// Policy is a tool's security block.
type Policy struct {
	// ReadOnly defaults to true; a tool must opt out explicitly.
	ReadOnly *bool `yaml:"readOnly"`
	// MaxQueryLength bounds the statement byte length.
	MaxQueryLength int `yaml:"maxQueryLength"`
	// ForbiddenKeywords are bare identifiers rejected anywhere outside
	// string literals.
	ForbiddenKeywords []string `yaml:"forbiddenKeywords"`

	// ParseStatementCheck, when set, runs the statement through
	// QSYS2.PARSE_STATEMENT on a live connection and must confirm a
	// QUERY statement type. Wired by the execute-sql tool; any error
	// from the check itself is a violation.
	ParseStatementCheck func(ctx context.Context, sql string) (string, error) `yaml:"-"`
}

// IsReadOnly reports the effective read-only mode (default true).
func (p Policy) IsReadOnly() bool {
	return p.ReadOnly == nil || *p.ReadOnly
}

// EffectiveMaxLength reports the effective statement length bound.
func (p Policy) EffectiveMaxLength() int {
	if p.MaxQueryLength > 0 {
		return p.MaxQueryLength
	}
	return DefaultMaxQueryLength
}

// ValidationError carries the structured violation details surfaced to
// the client.
type ValidationError struct {
	Violations  []string `json:"violations"`
	ValidatedBy string   `json:"validatedBy"`
	Query       string   `json:"query"`
	ReadOnly    bool     `json:"readOnly"`
	MaxLength   int      `json:"maxLength,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sql validation failed: %s", strings.Join(e.Violations, "; "))
}

func newValidationError(sql, validatedBy string, p Policy, violations ...string) *ValidationError {
	return &ValidationError{
		Violations:  violations,
		ValidatedBy: validatedBy,
		Query:       truncateQuery(sql),
		ReadOnly:    p.IsReadOnly(),
		MaxLength:   p.MaxQueryLength,
	}
}

func truncateQuery(sql string) string {
	if len(sql) <= 100 {
		return sql
	}
	return sql[:100] + "…"
}

// readOnlyCallSchemas are the catalog namespaces whose procedures are
// known read-only; CALL is permitted only when qualified by one of
// them.
var readOnlyCallSchemas = map[string]bool{
	"QSYS2":    true,
	"SYSTOOLS": true,
	"QSYS":     true,
}

// dangerousOperations is the write/DDL/admin keyword set reported by
// DangerousOperations. The regex net does not scan for the set as a
// whole: of these keywords it checks only QCMDEXC and
// SQL_EXECUTE_IMMEDIATE (see checkDangerousPatterns).
var dangerousOperations = []string{
	"INSERT", "UPDATE", "DELETE", "MERGE", "TRUNCATE", "DROP", "CREATE",
	"ALTER", "RENAME", "CALL", "EXEC", "EXECUTE", "SET", "DECLARE",
	"GRANT", "REVOKE", "DENY", "LOAD", "IMPORT", "EXPORT", "BULK",
	"SHUTDOWN", "RESTART", "KILL", "STOP", "START", "BACKUP", "RESTORE",
	"DUMP", "LOCK", "UNLOCK", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"QCMDEXC", "SQL_EXECUTE_IMMEDIATE",
}

// dangerousFunctions are names that execute commands or dynamic SQL.
// Benign builtins (CONCAT, CHAR, VARCHAR, …) must never appear here.
var dangerousFunctions = []string{
	"SYSTEM", "QCMDEXC", "SQL_EXECUTE_IMMEDIATE", "SQLCMD",
	"LOAD_EXTENSION", "EXEC", "EXECUTE_IMMEDIATE", "EVAL",
}

// stringLiteralRe strips single-quoted literals, honoring '' escapes,
// before any regex matching.
var stringLiteralRe = regexp.MustCompile(`'(?:''|[^'])*'`)

var structuralPatterns = []struct {
	re  *regexp.Regexp
	msg string
}{
	{regexp.MustCompile(`(?i);\s*(DROP|DELETE|INSERT|UPDATE|CREATE|ALTER)\b`), "statement chaining"},
	{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?\(\s*(DROP|DELETE|INSERT|UPDATE)\b`), "union injection"},
	{regexp.MustCompile(`(?i)\bREPLACE\s+INTO\b`), "replace into"},
}

var dangerousFunctionRe = buildFunctionRe(dangerousFunctions)

func buildFunctionRe(names []string) *regexp.Regexp {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\s*\(`)
}

// Validate enforces the policy against the post-rewrite SQL. Both the
// environment-credentials path and the per-token path call it before
// the driver sees the statement.
func Validate(ctx context.Context, sql string, p Policy) error {
	if max := p.EffectiveMaxLength(); len(sql) > max {
		return newValidationError(sql, "token", p,
			fmt.Sprintf("query length %d exceeds maximum %d", len(sql), max))
	}

	doc := sqlparse.Parse(sql)

	if err := checkForbiddenKeywords(sql, doc, p); err != nil {
		return err
	}

	if !p.IsReadOnly() {
		return runParseStatementCheck(ctx, sql, p)
	}

	if !doc.Success {
		return newValidationError(sql, "token", p,
			"SQL parsing failed (cannot validate read-only safely)")
	}

	if err := checkReadOnlyAllowlist(sql, doc, p); err != nil {
		return err
	}
	if err := checkDangerousPatterns(sql, p); err != nil {
		return err
	}
	return runParseStatementCheck(ctx, sql, p)
}

// checkForbiddenKeywords rejects any non-string token matching the
// tool's forbidden set. On tokenizer failure it falls back to a
// literal-stripped word-boundary regex per keyword.
func checkForbiddenKeywords(sql string, doc sqlparse.Document, p Policy) error {
	if len(p.ForbiddenKeywords) == 0 {
		return nil
	}
	forbidden := make(map[string]bool, len(p.ForbiddenKeywords))
	for _, kw := range p.ForbiddenKeywords {
		forbidden[strings.ToUpper(kw)] = true
	}

	if doc.Success {
		for _, stmt := range doc.Statements {
			for _, t := range stmt.Tokens {
				if t.Kind == sqlparse.KindString {
					continue
				}
				if forbidden[t.Upper()] {
					return newValidationError(sql, "token", p,
						fmt.Sprintf("Forbidden keyword: %s", t.Upper()))
				}
			}
		}
		return nil
	}

	stripped := stringLiteralRe.ReplaceAllString(sql, "''")
	for kw := range forbidden {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if re.MatchString(stripped) {
			return newValidationError(sql, "regex-fallback", p,
				fmt.Sprintf("Forbidden keyword: %s", kw))
		}
	}
	return nil
}

// checkReadOnlyAllowlist applies the structural allowlist: every
// top-level statement must be Select or With (every nested statement
// node Select), or a CALL qualified by a read-only catalog schema.
func checkReadOnlyAllowlist(sql string, doc sqlparse.Document, p Policy) error {
	for _, stmt := range doc.Statements {
		switch stmt.Type {
		case sqlparse.StmtSelect, sqlparse.StmtWith:
			for _, nested := range sqlparse.NestedStatementTypes(stmt) {
				if nested != sqlparse.StmtSelect && nested != sqlparse.StmtWith {
					return newValidationError(sql, "token", p,
						fmt.Sprintf("nested %s statement in read-only query", nested))
				}
			}
		case sqlparse.StmtCall:
			schema := sqlparse.FirstSchemaAfterCall(stmt)
			if !readOnlyCallSchemas[schema] {
				return newValidationError(sql, "token", p,
					fmt.Sprintf("CALL to non-catalog procedure (schema %q) in read-only query", schema))
			}
		default:
			return newValidationError(sql, "token", p,
				fmt.Sprintf("%s statement not permitted in read-only query", stmt.Type))
		}
	}
	return nil
}

// checkDangerousPatterns is the supplementary regex net under the
// allowlist: dangerous function calls and structural injection shapes
// that a token-level classification can miss.
func checkDangerousPatterns(sql string, p Policy) error {
	stripped := stringLiteralRe.ReplaceAllString(sql, "''")

	if m := dangerousFunctionRe.FindStringSubmatch(stripped); m != nil {
		return newValidationError(sql, "regex-fallback", p,
			fmt.Sprintf("dangerous function: %s", strings.ToUpper(m[1])))
	}
	for _, sp := range structuralPatterns {
		if sp.re.MatchString(stripped) {
			return newValidationError(sql, "regex-fallback", p, sp.msg)
		}
	}
	for _, op := range []string{"QCMDEXC", "SQL_EXECUTE_IMMEDIATE"} {
		re := regexp.MustCompile(`(?i)\b` + op + `\b`)
		if re.MatchString(stripped) {
			return newValidationError(sql, "regex-fallback", p,
				fmt.Sprintf("dangerous operation: %s", op))
		}
	}
	return nil
}

// runParseStatementCheck consults QSYS2.PARSE_STATEMENT when the
// policy wires it. In read-only mode the reported statement type must
// be QUERY; a failing check is itself a violation.
func runParseStatementCheck(ctx context.Context, sql string, p Policy) error {
	if p.ParseStatementCheck == nil {
		return nil
	}
	stmtType, err := p.ParseStatementCheck(ctx, sql)
	if err != nil {
		return newValidationError(sql, "parse_statement", p,
			fmt.Sprintf("PARSE_STATEMENT check failed: %v", err))
	}
	if p.IsReadOnly() && stmtType != "QUERY" {
		return newValidationError(sql, "parse_statement", p,
			fmt.Sprintf("statement type %q is not QUERY", stmtType))
	}
	return nil
}

// DangerousOperations exposes the operation keyword set for diagnostics.
func DangerousOperations() []string {
	out := make([]string, len(dangerousOperations))
	copy(out, dangerousOperations)
	return out
}
