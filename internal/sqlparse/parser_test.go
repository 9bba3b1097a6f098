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

package sqlparse_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ibmi-community/db2i-toolbox/internal/sqlparse"
)

func TestParseClassification(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
		want []sqlparse.StatementType
	}{
		{"select", "SELECT * FROM t", []sqlparse.StatementType{sqlparse.StmtSelect}},
		{"cte", "WITH x AS (SELECT 1 FROM t) SELECT * FROM x", []sqlparse.StatementType{sqlparse.StmtWith}},
		{"insert", "INSERT INTO t(x) VALUES(1)", []sqlparse.StatementType{sqlparse.StmtInsert}},
		{"update", "UPDATE t SET x = 1", []sqlparse.StatementType{sqlparse.StmtUpdate}},
		{"delete", "DELETE FROM t", []sqlparse.StatementType{sqlparse.StmtDelete}},
		{"call", "CALL QSYS2.ACTIVE_JOB_INFO()", []sqlparse.StatementType{sqlparse.StmtCall}},
		{"execute", "EXECUTE IMMEDIATE :x", []sqlparse.StatementType{sqlparse.StmtExec}},
		{"truncate", "TRUNCATE TABLE t", []sqlparse.StatementType{sqlparse.StmtTruncate}},
		{"commit", "COMMIT", []sqlparse.StatementType{sqlparse.StmtCommit}},
		{
			"multiple statements",
			"SELECT 1 FROM a; DROP TABLE b",
			[]sqlparse.StatementType{sqlparse.StmtSelect, sqlparse.StmtDrop},
		},
		{
			"semicolon inside literal does not split",
			"SELECT 'a; DROP TABLE b' FROM t",
			[]sqlparse.StatementType{sqlparse.StmtSelect},
		},
		{"unknown head", "FLOOP THE BLEEP", []sqlparse.StatementType{sqlparse.StmtUnknown}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			doc := sqlparse.Parse(tc.sql)
			if !doc.Success {
				t.Fatalf("parse failed: %s", doc.Err)
			}
			var got []sqlparse.StatementType
			for _, stmt := range doc.Statements {
				got = append(got, stmt.Type)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected statement types (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFailure(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
	}{
		{"unmatched quote", "SELECT 'oops"},
		{"unbalanced open paren", "SELECT * FROM TABLE(f(x) WHERE 1=1"},
		{"unbalanced close paren", "SELECT 1) FROM t"},
		{"from without table reference", "SELECT * FROM WHERE"},
		{"trailing from", "SELECT a FROM"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			doc := sqlparse.Parse(tc.sql)
			if doc.Success {
				t.Fatalf("expected parse failure for %q", tc.sql)
			}
			if doc.Err == nil {
				t.Error("expected a classifiable error")
			}
		})
	}
}

func TestNestedStatementTypes(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
		want []sqlparse.StatementType
	}{
		{
			"subquery select",
			"SELECT * FROM (SELECT a FROM t) x",
			[]sqlparse.StatementType{sqlparse.StmtSelect},
		},
		{
			"cte body",
			"WITH x AS (SELECT 1 FROM t) SELECT * FROM x",
			[]sqlparse.StatementType{sqlparse.StmtSelect, sqlparse.StmtSelect},
		},
		{
			"union branch",
			"SELECT a FROM t UNION ALL SELECT b FROM u",
			[]sqlparse.StatementType{sqlparse.StmtSelect},
		},
		{
			"smuggled insert",
			"SELECT a FROM (INSERT INTO t VALUES(1)) x",
			[]sqlparse.StatementType{sqlparse.StmtInsert},
		},
		{
			"no nesting",
			"SELECT a FROM t WHERE b = 1",
			nil,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			doc := sqlparse.Parse(tc.sql)
			if !doc.Success {
				t.Fatalf("parse failed: %s", doc.Err)
			}
			got := sqlparse.NestedStatementTypes(doc.Statements[0])
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected nested types (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFirstSchemaAfterCall(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
		want string
	}{
		{"qualified qsys2", "CALL QSYS2.QCMDEXC('x')", "QSYS2"},
		{"qualified lowercase", "call systools.lprintf('x')", "SYSTOOLS"},
		{"unqualified", "CALL MYPROC()", ""},
		{"user schema", "CALL MYLIB.MYPROC()", "MYLIB"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			doc := sqlparse.Parse(tc.sql)
			if !doc.Success {
				t.Fatalf("parse failed: %s", doc.Err)
			}
			if got := sqlparse.FirstSchemaAfterCall(doc.Statements[0]); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReconstructEquivalence(t *testing.T) {
	sql := "SELECT  a,\n\tb FROM t WHERE c = 'it''s'"
	doc := sqlparse.Parse(sql)
	if !doc.Success {
		t.Fatalf("parse failed: %s", doc.Err)
	}
	got := sqlparse.Reconstruct(doc.Statements[0].Tokens)
	want := "SELECT a , b FROM t WHERE c = 'it''s'"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
