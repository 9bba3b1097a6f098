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

package db2isql

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// fakeSource records what reaches the pool layer.
type fakeSource struct {
	lastSQL    string
	lastParams []any
	result     *db2i.QueryResult
}

func (f *fakeSource) ExecuteQuery(_ context.Context, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error) {
	f.lastSQL = sql
	f.lastParams = params
	if f.result != nil {
		return f.result, nil
	}
	return &db2i.QueryResult{Success: true, Data: []map[string]any{}, IsDone: true}, nil
}

func (f *fakeSource) ExecuteQueryWithPagination(ctx context.Context, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error) {
	return f.ExecuteQuery(ctx, sql, params, policy)
}

// fakeAuthExec records token routing.
type fakeAuthExec struct {
	lastToken string
	lastSQL   string
}

func (f *fakeAuthExec) ExecuteQuery(_ context.Context, token, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error) {
	f.lastToken = token
	f.lastSQL = sql
	return &db2i.QueryResult{Success: true, Data: []map[string]any{}, IsDone: true}, nil
}

func (f *fakeAuthExec) ExecuteQueryWithPagination(ctx context.Context, token, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error) {
	return f.ExecuteQuery(ctx, token, sql, params, policy)
}

func newTestTool(src *fakeSource) *Tool {
	return &Tool{
		Name: "get_user",
		Kind: kind,
		Parameters: tools.Parameters{
			&tools.StringParameter{
				CommonParameter: tools.CommonParameter{Name: "username", Type: "string", Required: true},
				Pattern:         "^[A-Z0-9_]{1,10}$",
			},
		},
		Statement: "SELECT * FROM qsys2.user_info_basic WHERE authorization_name = :username",
		Policy:    security.Policy{},
		Source:    src,
	}
}

func TestInvokeRewritesAndBinds(t *testing.T) {
	src := &fakeSource{result: &db2i.QueryResult{
		Success: true,
		Data:    []map[string]any{{"AUTHORIZATION_NAME": "TESTUSER"}},
		Columns: []db2i.ColumnMetadata{{Name: "AUTHORIZATION_NAME", Type: "VARCHAR"}},
		IsDone:  true,
	}}
	tool := newTestTool(src)

	result, err := tool.Invoke(context.Background(), map[string]any{"username": "TESTUSER"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	wantSQL := "SELECT * FROM qsys2.user_info_basic WHERE authorization_name = ?"
	if src.lastSQL != wantSQL {
		t.Errorf("pool saw %q, want %q", src.lastSQL, wantSQL)
	}
	if diff := cmp.Diff([]any{"TESTUSER"}, src.lastParams); diff != "" {
		t.Errorf("unexpected binds (-want +got):\n%s", diff)
	}
	if !result.Success || result.RowCount != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Metadata.Columns[0].Name != "AUTHORIZATION_NAME" {
		t.Errorf("unexpected columns: %+v", result.Metadata.Columns)
	}
}

func TestInvokeRejectsPolicyViolation(t *testing.T) {
	src := &fakeSource{}
	tool := newTestTool(src)
	tool.Statement = "DELETE FROM qsys2.user_info_basic WHERE authorization_name = :username"

	_, err := tool.Invoke(context.Background(), map[string]any{"username": "TESTUSER"})
	if err == nil {
		t.Fatal("expected a read-only violation")
	}
	var vErr *security.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if src.lastSQL != "" {
		t.Error("the pool must never see a rejected statement")
	}
}

func TestInvokeRejectsBadParameter(t *testing.T) {
	src := &fakeSource{}
	tool := newTestTool(src)

	_, err := tool.Invoke(context.Background(), map[string]any{"username": "lowercase!"})
	if err == nil {
		t.Fatal("expected a pattern violation")
	}
	var vErr *tools.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestInvokeRoutesToAuthPool(t *testing.T) {
	src := &fakeSource{}
	authExec := &fakeAuthExec{}
	tool := newTestTool(src)
	tool.SetAuthExecutor(authExec)

	ctx := util.WithAuthToken(context.Background(), "bearer-token-value")
	if _, err := tool.Invoke(ctx, map[string]any{"username": "TESTUSER"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if authExec.lastToken != "bearer-token-value" {
		t.Error("invocation with a token must route to the authenticated pool")
	}
	if src.lastSQL != "" {
		t.Error("the source pool must not be used on the authenticated path")
	}

	// without a token, the source pool serves
	if _, err := tool.Invoke(context.Background(), map[string]any{"username": "TESTUSER"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if src.lastSQL == "" {
		t.Error("invocation without a token must use the source pool")
	}
}

func TestConfigEnabledDefault(t *testing.T) {
	cfg := Config{Name: "t"}
	if !cfg.ToolEnabled() {
		t.Error("tools default to enabled")
	}
	disabled := false
	cfg.Enabled = &disabled
	if cfg.ToolEnabled() {
		t.Error("enabled:false must disable the tool")
	}
}
