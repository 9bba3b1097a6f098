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

package tools

import (
	"fmt"
	"strings"

	"github.com/ibmi-community/db2i-toolbox/internal/sqlparse"
)

// ParamMode describes the placeholder style detected in a statement.
type ParamMode string

const (
	ModeNamed      ParamMode = "named"
	ModePositional ParamMode = "positional"
	ModeHybrid     ParamMode = "hybrid"
	ModeNone       ParamMode = "none"
)

// ProcessStats counts what the rewrite did.
type ProcessStats struct {
	NamedBound      int      `json:"namedBound"`
	PositionalBound int      `json:"positionalBound"`
	ArrayExpansions int      `json:"arrayExpansions"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ProcessResult is the outcome of validating and rewriting a
// statement: executable SQL with only `?` placeholders, the ordered
// bind vector, and diagnostics.
type ProcessResult struct {
	SQL     string
	Params  []any
	Names   []string
	Missing []string
	Mode    ParamMode
	Stats   ProcessStats
}

// ValidationError aggregates every parameter validation failure of one
// invocation into a single error.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter validation failed: %s", strings.Join(e.Messages, "; "))
}

func newValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Messages: msgs}
}

// ProcessStatement validates values against the declarations and
// rewrites the statement's parameter markers into driver placeholders.
//
// Named markers (:name) are replaced in textual order; scalar values
// become one `?`, arrays of length k become `(?, ?, … k)`. Duplicate
// markers re-bind the same value at each site. Markers inside string
// literals are untouched. When both marker styles appear the named
// pass runs first and remaining `?` sites consume the unbound
// declarations in order.
func ProcessStatement(sql string, values map[string]any, defs Parameters) (*ProcessResult, error) {
	if strings.Contains(sql, "{{") && strings.Contains(sql, "}}") {
		return nil, newValidationError("Template mode is deprecated; use :name or ?")
	}
	if err := defs.ValidateDeclarations(); err != nil {
		return nil, newValidationError(err.Error())
	}

	toks, err := sqlparse.Tokenize(sql)
	if err != nil {
		return nil, newValidationError(err.Error())
	}

	var named, positional []sqlparse.Token
	for _, t := range toks {
		if t.Kind != sqlparse.KindParameter {
			continue
		}
		if t.Value == "?" {
			positional = append(positional, t)
		} else {
			named = append(named, t)
		}
	}

	mode := ModeNone
	switch {
	case len(named) > 0 && len(positional) > 0:
		mode = ModeHybrid
	case len(named) > 0:
		mode = ModeNamed
	case len(positional) > 0:
		mode = ModePositional
	}

	result := &ProcessResult{Mode: mode}

	// Direct substitution: a single declared parameter whose marker is
	// the entire statement runs the parameter's string value as the
	// SQL itself. This is how the raw-SQL tool accepts a SELECT.
	if len(defs) == 1 && strings.TrimSpace(sql) == ":"+defs[0].GetName() {
		bound, warnings, err := resolveValue(defs[0], values)
		if err != nil {
			return nil, newValidationError(err.Error())
		}
		s, ok := bound.(string)
		if !ok {
			return nil, newValidationError(fmt.Sprintf("parameter %q: direct substitution requires a string value", defs[0].GetName()))
		}
		result.SQL = s
		result.Params = []any{}
		result.Names = []string{defs[0].GetName()}
		result.Stats.Warnings = warnings
		return result, nil
	}

	// Validate and coerce every declared parameter up front so one
	// response carries all failures.
	bound := make(map[string]any, len(defs))
	present := make(map[string]bool, len(defs))
	var failures []string
	for _, def := range defs {
		v, warnings, err := resolveValue(def, values)
		result.Stats.Warnings = append(result.Stats.Warnings, warnings...)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if v == missingSentinel {
			continue
		}
		bound[def.GetName()] = v
		present[def.GetName()] = true
	}
	if len(failures) > 0 {
		return nil, newValidationError(failures...)
	}

	// Named pass: splice the source around each marker in textual
	// order, tracking the running byte offset.
	var b strings.Builder
	prev := 0
	usedNames := make(map[string]bool)
	for _, t := range named {
		name := strings.TrimPrefix(t.Value, ":")
		b.WriteString(sql[prev:t.Start])
		prev = t.End

		def, declared := defs.FindParameter(name)
		if !declared {
			return nil, newValidationError(fmt.Sprintf("undeclared parameter %q in statement", name))
		}
		if !present[name] {
			// Missing non-required value: report, warn, and leave the
			// marker in place for downstream layers to reject.
			result.Missing = appendUnique(result.Missing, name)
			result.Stats.Warnings = append(result.Stats.Warnings,
				fmt.Sprintf("parameter %q has no value; marker left in statement", name))
			b.WriteString(t.Value)
			continue
		}
		usedNames[name] = true
		v := bound[name]
		if arr, ok := v.([]any); ok && def.GetType() == typeArray {
			// a marker already wrapped in brackets (IN (:ids)) keeps
			// the caller's brackets instead of gaining its own
			if enclosedInBrackets(sql, t.Start, t.End) {
				b.WriteString(strings.TrimSuffix(strings.TrimPrefix(expandPlaceholders(len(arr)), "("), ")"))
			} else {
				b.WriteString(expandPlaceholders(len(arr)))
			}
			result.Params = append(result.Params, arr...)
			result.Stats.ArrayExpansions++
		} else {
			b.WriteByte('?')
			result.Params = append(result.Params, v)
		}
		result.Names = append(result.Names, name)
		result.Stats.NamedBound++
	}
	b.WriteString(sql[prev:])
	rewritten := b.String()

	// Positional pass: remaining declarations, in order, feed the `?`
	// sites left in the statement.
	if len(positional) > 0 {
		var residual []Parameter
		for _, def := range defs {
			if !usedNames[def.GetName()] && present[def.GetName()] {
				residual = append(residual, def)
			}
		}
		if len(residual) < len(positional) {
			return nil, newValidationError(fmt.Sprintf(
				"statement has %d positional markers but only %d unbound values", len(positional), len(residual)))
		}
		for i := range positional {
			def := residual[i]
			result.Params = append(result.Params, bound[def.GetName()])
			result.Names = append(result.Names, def.GetName())
			result.Stats.PositionalBound++
		}
	}

	result.SQL = rewritten
	if result.Params == nil {
		result.Params = []any{}
	}
	return result, nil
}

// missingSentinel marks a declared, non-required parameter with no
// value and no default.
var missingSentinel = &struct{ name string }{"missing"}

// resolveValue applies default handling then type validation for one
// declaration.
func resolveValue(def Parameter, values map[string]any) (any, []string, error) {
	v, ok := values[def.GetName()]
	if !ok || v == nil {
		if d := def.GetDefault(); d != nil {
			v = d
		} else if def.IsRequired() {
			return nil, nil, fmt.Errorf("parameter %q is required", def.GetName())
		} else {
			return missingSentinel, nil, nil
		}
	}
	parsed, warnings, err := def.Parse(v)
	if err != nil {
		return nil, warnings, err
	}
	return parsed, warnings, nil
}

// expandPlaceholders renders the `(?, ?, …)` group for a k-element
// array.
func expandPlaceholders(k int) string {
	if k == 0 {
		return "()"
	}
	return "(" + strings.Repeat("?, ", k-1) + "?)"
}

// enclosedInBrackets reports whether the span is immediately wrapped
// in brackets, ignoring whitespace.
func enclosedInBrackets(sql string, start, end int) bool {
	i := start - 1
	for i >= 0 && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r') {
		i--
	}
	if i < 0 || sql[i] != '(' {
		return false
	}
	j := end
	for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n' || sql[j] == '\r') {
		j++
	}
	return j < len(sql) && sql[j] == ')'
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
