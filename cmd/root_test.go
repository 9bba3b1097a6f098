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

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
)

func TestResolveToolsFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "ignore.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("tools:\n"), 0o644); err != nil {
			t.Fatalf("setup: %s", err)
		}
	}

	t.Run("single file", func(t *testing.T) {
		f := filepath.Join(dir, "b.yaml")
		got, err := resolveToolsFiles(f)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if diff := cmp.Diff([]string{f}, got); diff != "" {
			t.Errorf("unexpected files (-want +got):\n%s", diff)
		}
	})

	t.Run("directory", func(t *testing.T) {
		got, err := resolveToolsFiles(dir)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		want := []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("unexpected files (-want +got):\n%s", diff)
		}
	})

	t.Run("csv", func(t *testing.T) {
		arg := filepath.Join(dir, "a.yml") + ", " + filepath.Join(dir, "b.yaml")
		got, err := resolveToolsFiles(arg)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(got) != 2 {
			t.Errorf("expected 2 files, got %v", got)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := resolveToolsFiles(filepath.Join(dir, "ghost.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestBuiltinTools(t *testing.T) {
	cfg := server.ServerConfig{
		SourceConfigs: server.SourceConfigs{
			"default": db2i.Config{Name: "default", Kind: db2i.SourceKind, Host: "h", User: "u", Password: "p"},
		},
		ToolConfigs:      server.ToolConfigs{},
		EnableExecuteSQL: false,
	}
	globals := builtinTools(&cfg)
	if diff := cmp.Diff([]string{"describe_object"}, globals); diff != "" {
		t.Errorf("unexpected globals (-want +got):\n%s", diff)
	}
	if _, ok := cfg.ToolConfigs["execute_sql"]; ok {
		t.Error("execute_sql must not register unless enabled")
	}

	cfg.EnableExecuteSQL = true
	cfg.ToolConfigs = server.ToolConfigs{}
	globals = builtinTools(&cfg)
	if diff := cmp.Diff([]string{"describe_object", "execute_sql"}, globals); diff != "" {
		t.Errorf("unexpected globals (-want +got):\n%s", diff)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CMD_TEST_BOOL", "true")
	t.Setenv("CMD_TEST_INT", "42")
	if !envBool("CMD_TEST_BOOL", false) {
		t.Error("envBool should read true")
	}
	if envBool("CMD_TEST_UNSET", false) {
		t.Error("unset bool should fall back")
	}
	if got := envInt("CMD_TEST_INT", 0); got != 42 {
		t.Errorf("envInt = %d", got)
	}
	if got := envInt("CMD_TEST_UNSET", 7); got != 7 {
		t.Errorf("fallback = %d", got)
	}
}
