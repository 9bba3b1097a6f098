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

package server_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2isql"
)

const sampleConfig = `
sources:
  default:
    kind: db2i
    host: ${DB2i_HOST}
    port: "8076"
    user: ${DB2i_USER}
    password: ${DB2i_PASS}
tools:
  get_user:
    source: default
    description: Look up a user profile.
    statement: |
      SELECT * FROM qsys2.user_info_basic WHERE authorization_name = :username
    parameters:
      - name: username
        type: string
        required: true
        pattern: "^[A-Z0-9_]{1,10}$"
    security:
      readOnly: true
      maxQueryLength: 5000
    domain: users
    category: read
toolsets:
  admin:
    title: Administration
    description: User administration tools.
    tools:
      - get_user
`

func TestParseToolsFile(t *testing.T) {
	t.Setenv("DB2i_HOST", "ibmi.example.com")
	t.Setenv("DB2i_USER", "SVCUSER")
	t.Setenv("DB2i_PASS", "secret")

	var result server.ParsingResult
	server.ParseToolsFile(context.Background(), []byte(sampleConfig), &result)
	if err := result.Err(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	sc, ok := result.Sources["default"]
	if !ok {
		t.Fatal("source 'default' not parsed")
	}
	db2iCfg, ok := sc.(db2i.Config)
	if !ok {
		t.Fatalf("unexpected source config type %T", sc)
	}
	if db2iCfg.Host != "ibmi.example.com" || db2iCfg.User != "SVCUSER" {
		t.Errorf("env interpolation failed: %+v", db2iCfg)
	}

	tc, ok := result.Tools["get_user"]
	if !ok {
		t.Fatal("tool 'get_user' not parsed")
	}
	sqlCfg, ok := tc.(db2isql.Config)
	if !ok {
		t.Fatalf("unexpected tool config type %T", tc)
	}
	if sqlCfg.Source != "default" {
		t.Errorf("source = %q", sqlCfg.Source)
	}
	if len(sqlCfg.Parameters) != 1 || sqlCfg.Parameters[0].GetName() != "username" {
		t.Errorf("parameters not decoded: %+v", sqlCfg.Parameters)
	}
	if !sqlCfg.Security.IsReadOnly() || sqlCfg.Security.MaxQueryLength != 5000 {
		t.Errorf("security block not decoded: %+v", sqlCfg.Security)
	}
	if !sqlCfg.ToolEnabled() {
		t.Error("tool should default to enabled")
	}

	ts, ok := result.Toolsets["admin"]
	if !ok {
		t.Fatal("toolset 'admin' not parsed")
	}
	if diff := cmp.Diff([]string{"get_user"}, ts.ToolNames); diff != "" {
		t.Errorf("unexpected toolset members (-want +got):\n%s", diff)
	}
	if ts.Title != "Administration" {
		t.Errorf("title = %q", ts.Title)
	}
}

func TestParseToolsFileUnresolvedEnv(t *testing.T) {
	raw := []byte(`
sources:
  default:
    kind: db2i
    host: ${DEFINITELY_NOT_SET_ANYWHERE}
    user: u
    password: p
`)
	var result server.ParsingResult
	server.ParseToolsFile(context.Background(), raw, &result)
	if err := result.Err(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if diff := cmp.Diff([]string{"DEFINITELY_NOT_SET_ANYWHERE"}, result.Unresolved); diff != "" {
		t.Errorf("unexpected unresolved list (-want +got):\n%s", diff)
	}
	cfg := result.Sources["default"].(db2i.Config)
	if cfg.Host != "${DEFINITELY_NOT_SET_ANYWHERE}" {
		t.Errorf("unresolved vars must pass through literally, got %q", cfg.Host)
	}
}

func TestParseToolsFileAggregatesErrors(t *testing.T) {
	raw := []byte(`
sources:
  bad-kind:
    kind: warpdrive
    host: h
tools:
  no-statement:
    kind: db2i-sql
    source: bad-kind
    description: broken
    statement: ""
  bad-param:
    kind: db2i-sql
    source: bad-kind
    description: broken too
    statement: SELECT 1 FROM sysibm.sysdummy1
    parameters:
      - name: x
        type: hologram
`)
	var result server.ParsingResult
	server.ParseToolsFile(context.Background(), raw, &result)
	err := result.Err()
	if err == nil {
		t.Fatal("expected aggregated errors")
	}
	for _, want := range []string{"unknown source kind", "no-statement", "bad-param"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregated error %q missing %q", err.Error(), want)
		}
	}
}

func TestParseToolsFileMerge(t *testing.T) {
	first := []byte(`
sources:
  default:
    kind: db2i
    host: h
    user: u
    password: p
`)
	second := []byte(`
tools:
  t1:
    source: default
    description: d
    statement: SELECT 1 FROM sysibm.sysdummy1
`)
	var result server.ParsingResult
	server.ParseToolsFile(context.Background(), first, &result)
	server.ParseToolsFile(context.Background(), second, &result)
	if err := result.Err(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(result.Sources) != 1 || len(result.Tools) != 1 {
		t.Errorf("merge failed: %d sources, %d tools", len(result.Sources), len(result.Tools))
	}
}
