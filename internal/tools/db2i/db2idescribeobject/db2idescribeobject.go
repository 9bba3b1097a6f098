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

// Package db2idescribeobject implements the built-in DDL describer. It
// regenerates an object's SQL definition through QSYS2.GENERATE_SQL
// and streams the source lines back with a larger pagination batch.
package db2idescribeobject

import (
	"context"
	"fmt"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2icommon"
)

const kind string = "db2i-describe-object"

// FetchSize is the pagination batch for DDL extraction.
const FetchSize = 500

func init() {
	if !tools.Register(kind, newConfig) {
		panic(fmt.Sprintf("tool kind %q already registered", kind))
	}
}

func newConfig(ctx context.Context, name string, decoder *yaml.Decoder) (tools.ToolConfig, error) {
	actual := Config{Name: name}
	if err := decoder.DecodeContext(ctx, &actual); err != nil {
		return nil, err
	}
	return actual, nil
}

// validate compatible sources are still compatible
var _ db2icommon.Source = &db2i.Source{}

// objectTypes GENERATE_SQL accepts for the type parameter.
var objectTypes = []any{"TABLE", "VIEW", "INDEX", "PROCEDURE", "FUNCTION", "TRIGGER", "SCHEMA", "SEQUENCE", "ALIAS"}

// generateSQL regenerates the object's DDL into the session's QTEMP
// source file, then the tool reads the source lines back.
const generateSQL = `CALL QSYS2.GENERATE_SQL(` +
	`DATABASE_OBJECT_NAME => ?, DATABASE_OBJECT_LIBRARY_NAME => ?, DATABASE_OBJECT_TYPE => ?, ` +
	`CREATE_OR_REPLACE_OPTION => '1', PRIVILEGES_OPTION => '0', ` +
	`DATABASE_SOURCE_FILE_NAME => 'Q_GENSQL', DATABASE_SOURCE_FILE_LIBRARY_NAME => 'QTEMP')`

const readGeneratedSQL = `SELECT SRCDTA FROM QTEMP.Q_GENSQL ORDER BY SRCSEQ`

// Config declares the describer.
type Config struct {
	Name        string `yaml:"name" validate:"required"`
	Kind        string `yaml:"kind" validate:"required"`
	Source      string `yaml:"source" validate:"required"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

var _ tools.ToolConfig = Config{}

func (cfg Config) ToolConfigKind() string {
	return kind
}

func (cfg Config) ToolEnabled() bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

func (cfg Config) Initialize(srcs map[string]sources.Source) (tools.Tool, error) {
	rawS, ok := srcs[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("no source named %q configured", cfg.Source)
	}
	s, ok := rawS.(db2icommon.Source)
	if !ok {
		return nil, fmt.Errorf("invalid source for %q tool: source kind must be %q", kind, db2i.SourceKind)
	}

	desc := cfg.Description
	if desc == "" {
		desc = "Generate the SQL DDL for a database object."
	}
	params := tools.Parameters{
		&tools.StringParameter{CommonParameter: tools.CommonParameter{
			Name: "library", Type: "string", Required: true,
			Desc: "Library (schema) containing the object.",
		}, Pattern: `^[A-Za-z][A-Za-z0-9_]{0,9}$`},
		&tools.StringParameter{CommonParameter: tools.CommonParameter{
			Name: "object", Type: "string", Required: true,
			Desc: "Name of the object to describe.",
		}},
		&tools.StringParameter{CommonParameter: tools.CommonParameter{
			Name: "type", Type: "string",
			Desc: "Object type.", Enum: objectTypes,
		}, Default: ptr("TABLE")},
	}

	t := &Tool{
		Name:       cfg.Name,
		Kind:       kind,
		Source:     s,
		Parameters: params,
		manifest:   tools.Manifest{Description: desc, Parameters: params.Manifest()},
		mcpManifest: tools.McpManifest{
			Name:        cfg.Name,
			Description: desc,
			InputSchema: params.McpManifest(),
		},
	}
	return t, nil
}

func ptr(s string) *string { return &s }

var _ tools.Tool = &Tool{}

// Tool regenerates and returns object DDL.
type Tool struct {
	Name       string
	Kind       string
	Source     db2icommon.Source
	Parameters tools.Parameters

	authPools db2icommon.AuthExecutor

	manifest    tools.Manifest
	mcpManifest tools.McpManifest
}

// SetAuthExecutor wires the authenticated pool manager. A caller
// holding a bearer token then describes objects through their own
// session, with that profile's authorities.
func (t *Tool) SetAuthExecutor(r db2icommon.AuthExecutor) {
	t.authPools = r
}

func (t *Tool) Invoke(ctx context.Context, data map[string]any) (*tools.Result, error) {
	values := make(map[string]string, 3)
	for _, def := range t.Parameters {
		v, ok := data[def.GetName()]
		if !ok || v == nil {
			if d := def.GetDefault(); d != nil {
				v = d
			} else if def.IsRequired() {
				return nil, fmt.Errorf("parameter %q is required", def.GetName())
			} else {
				continue
			}
		}
		parsed, _, err := def.Parse(v)
		if err != nil {
			return nil, err
		}
		if s, ok := parsed.(string); ok {
			values[def.GetName()] = strings.ToUpper(s)
		}
	}
	// GENERATE_SQL takes the object name first, then its library.
	binds := []any{values["object"], values["library"], values["type"]}

	// The CALL is a catalog procedure; the read-only policy admits it.
	// Both legs route together, so an authenticated caller generates
	// and reads back on their own session.
	policy := &security.Policy{}
	if _, err := db2icommon.Execute(ctx, t.Source, t.authPools, generateSQL, binds, policy); err != nil {
		return nil, fmt.Errorf("GENERATE_SQL failed: %w", err)
	}
	qr, err := db2icommon.ExecutePaginated(ctx, t.Source, t.authPools, readGeneratedSQL, nil, policy, FetchSize)
	if err != nil {
		return nil, fmt.Errorf("unable to read generated DDL: %w", err)
	}

	var ddl strings.Builder
	for _, row := range qr.Data {
		if line, ok := row["SRCDTA"].(string); ok {
			ddl.WriteString(strings.TrimRight(line, " "))
			ddl.WriteByte('\n')
		}
	}

	return &tools.Result{
		Success:       true,
		Data:          []any{map[string]any{"ddl": ddl.String()}},
		RowCount:      1,
		ExecutionTime: qr.ExecutionTime,
		Metadata: tools.ResultMetadata{Columns: []tools.Column{
			{Name: "ddl", Type: "CLOB"},
		}},
	}, nil
}

func (t *Tool) Manifest() tools.Manifest {
	return t.manifest
}

func (t *Tool) McpManifest() tools.McpManifest {
	return t.mcpManifest
}
