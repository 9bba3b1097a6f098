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

package db2iexecutesql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// fakeSource answers PARSE_STATEMENT probes and ad-hoc queries
// separately, recording everything that reaches the pool layer.
type fakeSource struct {
	queries []string
	binds   [][]any

	stmtType    string
	stmtTypeErr error
	queryResult *db2i.QueryResult
	queryErr    error
}

func (f *fakeSource) ExecuteQuery(_ context.Context, sql string, params []any, _ *security.Policy) (*db2i.QueryResult, error) {
	f.queries = append(f.queries, sql)
	f.binds = append(f.binds, params)
	if strings.Contains(sql, "PARSE_STATEMENT") {
		if f.stmtTypeErr != nil {
			return nil, f.stmtTypeErr
		}
		return &db2i.QueryResult{
			Success: true,
			Data:    []map[string]any{{"SQL_STATEMENT_TYPE": f.stmtType}},
			IsDone:  true,
		}, nil
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryResult != nil {
		return f.queryResult, nil
	}
	return &db2i.QueryResult{Success: true, Data: []map[string]any{}, IsDone: true}, nil
}

func (f *fakeSource) ExecuteQueryWithPagination(ctx context.Context, sql string, params []any, policy *security.Policy, _ int) (*db2i.QueryResult, error) {
	return f.ExecuteQuery(ctx, sql, params, policy)
}

// fakeAuthExec records token routing.
type fakeAuthExec struct {
	src    fakeSource
	tokens []string
}

func (f *fakeAuthExec) ExecuteQuery(ctx context.Context, token, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error) {
	f.tokens = append(f.tokens, token)
	return f.src.ExecuteQuery(ctx, sql, params, policy)
}

func (f *fakeAuthExec) ExecuteQueryWithPagination(ctx context.Context, token, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error) {
	f.tokens = append(f.tokens, token)
	return f.src.ExecuteQueryWithPagination(ctx, sql, params, policy, fetchSize)
}

func newTestTool(src *fakeSource) *Tool {
	params := tools.Parameters{
		&tools.StringParameter{CommonParameter: tools.CommonParameter{
			Name: "sql", Type: "string", Required: true,
		}},
	}
	return &Tool{Name: "execute_sql", Kind: kind, Source: src, Parameters: params}
}

func TestInvokeDirectSubstitution(t *testing.T) {
	src := &fakeSource{queryResult: &db2i.QueryResult{
		Success: true,
		Data:    []map[string]any{{"SERVICE_NAME": "QSYS2.SERVICES_INFO"}},
		Columns: []db2i.ColumnMetadata{{Name: "SERVICE_NAME", Type: "VARCHAR"}},
		IsDone:  true,
	}}
	tool := newTestTool(src)

	query := "SELECT service_name FROM qsys2.services_info"
	result, err := tool.Invoke(context.Background(), map[string]any{"sql": query})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(src.queries) != 1 || src.queries[0] != query {
		t.Errorf("pool saw %v, want the substituted statement verbatim", src.queries)
	}
	if diff := cmp.Diff([]any{}, src.binds[0]); diff != "" {
		t.Errorf("direct substitution must bind nothing (-want +got):\n%s", diff)
	}
	if !result.Success || result.RowCount != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Metadata.Columns[0].Name != "SERVICE_NAME" {
		t.Errorf("unexpected columns: %+v", result.Metadata.Columns)
	}
}

func TestInvokeRejectsWriteStatement(t *testing.T) {
	src := &fakeSource{}
	tool := newTestTool(src)

	_, err := tool.Invoke(context.Background(), map[string]any{"sql": "INSERT INTO t(x) VALUES(1)"})
	if err == nil {
		t.Fatal("expected a read-only violation")
	}
	var vErr *security.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(src.queries) != 0 {
		t.Error("the pool must never see a rejected statement")
	}
}

func TestInvokeRequiresSQLParameter(t *testing.T) {
	tool := newTestTool(&fakeSource{})
	_, err := tool.Invoke(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected a required-parameter failure")
	}
	var vErr *tools.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestParseStatementGate(t *testing.T) {
	t.Run("query passes", func(t *testing.T) {
		src := &fakeSource{stmtType: "QUERY"}
		tool := newTestTool(src)
		tool.RuntimeSyntaxCheck = true

		if _, err := tool.Invoke(context.Background(), map[string]any{"sql": "SELECT 1 FROM sysibm.sysdummy1"}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(src.queries) != 2 || !strings.Contains(src.queries[0], "PARSE_STATEMENT") {
			t.Errorf("expected the gate probe then the statement, got %v", src.queries)
		}
	})

	t.Run("non-query rejected", func(t *testing.T) {
		src := &fakeSource{stmtType: "DDL"}
		tool := newTestTool(src)
		tool.RuntimeSyntaxCheck = true

		_, err := tool.Invoke(context.Background(), map[string]any{"sql": "SELECT 1 FROM sysibm.sysdummy1"})
		if err == nil {
			t.Fatal("expected rejection for non-QUERY statement type")
		}
		var vErr *security.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %T", err)
		}
		if len(src.queries) != 1 {
			t.Error("the statement must not execute after a failed gate")
		}
	})

	t.Run("probe failure fails closed", func(t *testing.T) {
		src := &fakeSource{stmtTypeErr: fmt.Errorf("connection lost")}
		tool := newTestTool(src)
		tool.RuntimeSyntaxCheck = true

		_, err := tool.Invoke(context.Background(), map[string]any{"sql": "SELECT 1 FROM sysibm.sysdummy1"})
		if err == nil {
			t.Fatal("a failing probe must fail closed")
		}
		var vErr *security.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %T", err)
		}
		if vErr.ValidatedBy != "parse_statement" {
			t.Errorf("validatedBy = %q, want parse_statement", vErr.ValidatedBy)
		}
	})
}

func TestInvokeRoutesToAuthPool(t *testing.T) {
	src := &fakeSource{stmtType: "QUERY"}
	authExec := &fakeAuthExec{src: fakeSource{stmtType: "QUERY"}}
	tool := newTestTool(src)
	tool.RuntimeSyntaxCheck = true
	tool.SetAuthExecutor(authExec)

	ctx := util.WithAuthToken(context.Background(), "bearer-token-value")
	if _, err := tool.Invoke(ctx, map[string]any{"sql": "SELECT 1 FROM sysibm.sysdummy1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// both the PARSE_STATEMENT probe and the statement ride the token
	if len(authExec.tokens) != 2 {
		t.Errorf("expected 2 routed calls, got %d", len(authExec.tokens))
	}
	for _, token := range authExec.tokens {
		if token != "bearer-token-value" {
			t.Errorf("routed with token %q", token)
		}
	}
	if len(src.queries) != 0 {
		t.Error("the environment pool must not serve an authenticated call")
	}

	// without a token, the source pool serves
	if _, err := tool.Invoke(context.Background(), map[string]any{"sql": "SELECT 1 FROM sysibm.sysdummy1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(src.queries) == 0 {
		t.Error("invocation without a token must use the source pool")
	}
}
