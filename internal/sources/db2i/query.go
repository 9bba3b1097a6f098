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

package db2i

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"go.opentelemetry.io/otel/attribute"
)

// ColumnMetadata describes one result column.
type ColumnMetadata struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// QueryResult is the driver-shaped outcome of one execution.
type QueryResult struct {
	Success       bool             `json:"success"`
	Data          []map[string]any `json:"data"`
	Columns       []ColumnMetadata `json:"columns"`
	ExecutionTime int64            `json:"execution_time"`
	SQLState      string           `json:"sql_state,omitempty"`
	HasResults    bool             `json:"has_results"`
	UpdateCount   int64            `json:"update_count"`
	IsDone        bool             `json:"is_done"`
}

// ExecuteQuery runs the statement with bound parameters. When a
// policy is supplied the security validator runs first; this is the
// shared call site that guards the environment path and the per-token
// path alike.
func (s *Source) ExecuteQuery(ctx context.Context, sqlText string, params []any, policy *security.Policy) (*QueryResult, error) {
	return s.executeWithLimit(ctx, sqlText, params, policy, 0)
}

// ExecuteQueryWithPagination fetches the full result in batches of
// fetchSize rows, concatenating until exhaustion.
func (s *Source) ExecuteQueryWithPagination(ctx context.Context, sqlText string, params []any, policy *security.Policy, fetchSize int) (*QueryResult, error) {
	if fetchSize <= 0 {
		fetchSize = DefaultFetchSize
	}
	return s.executeWithLimit(ctx, sqlText, params, policy, fetchSize)
}

func (s *Source) executeWithLimit(ctx context.Context, sqlText string, params []any, policy *security.Policy, fetchSize int) (*QueryResult, error) {
	if policy != nil {
		if err := security.Validate(ctx, sqlText, *policy); err != nil {
			return nil, err
		}
	}

	db, err := s.Pool(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "db2i-toolbox/source/query")
	span.SetAttributes(attribute.String("source_name", s.Name))
	if id := util.RequestIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String("request_id", id))
	}
	defer span.End()

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("unable to execute query: %w", err)
	}
	defer rows.Close()

	result, err := collectRows(rows, fetchSize)
	if err != nil {
		return nil, err
	}
	result.ExecutionTime = time.Since(start).Milliseconds()
	return result, nil
}

// collectRows scans every row into name-keyed maps. A fetchSize above
// zero reads in batches, draining until the cursor reports done; zero
// reads everything in one pass. Columns the driver leaves unnamed get
// positional names.
func collectRows(rows *sql.Rows, fetchSize int) (*QueryResult, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("unable to read column metadata: %w", err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("unable to read column types: %w", err)
	}

	columns := make([]ColumnMetadata, len(colNames))
	for i, name := range colNames {
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		columns[i] = ColumnMetadata{Name: name, Type: colTypes[i].DatabaseTypeName()}
	}

	result := &QueryResult{
		Success: true,
		Data:    []map[string]any{},
		Columns: columns,
	}

	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	// Drain the cursor a batch at a time until it reports done. The
	// driver prefetches per round trip; fetchSize bounds each batch.
	for {
		n := 0
		for (fetchSize == 0 || n < fetchSize) && rows.Next() {
			if err := rows.Scan(scanTargets...); err != nil {
				return nil, fmt.Errorf("unable to scan row: %w", err)
			}
			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col.Name] = normalizeValue(values[i])
			}
			result.Data = append(result.Data, row)
			n++
		}
		if fetchSize == 0 || n < fetchSize {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	result.HasResults = len(result.Data) > 0
	result.IsDone = true
	return result, nil
}

// normalizeValue converts driver byte slices to strings so results
// JSON-encode as text rather than base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
