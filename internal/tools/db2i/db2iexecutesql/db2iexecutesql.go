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

// Package db2iexecutesql implements the raw-SQL tool: a single `sql`
// parameter substituted directly as the runtime statement, held to the
// read-only policy and optionally confirmed against the live system's
// QSYS2.PARSE_STATEMENT catalog function. Registered only when the
// operator enables it explicitly.
package db2iexecutesql

import (
	"context"
	"fmt"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2icommon"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

const kind string = "db2i-execute-sql"

// FetchSize is the pagination batch for ad-hoc queries.
const FetchSize = 1000

// parseStatementQuery consults the Db2 for i parser on the live
// system. The statement type it reports gates read-only execution.
const parseStatementQuery = `SELECT SQL_STATEMENT_TYPE ` +
	`FROM TABLE(QSYS2.PARSE_STATEMENT(` +
	`SQL_STATEMENT => ?, NAMING => '*SQL', DECIMAL_POINT => '*PERIOD', ` +
	`SQL_STRING_DELIMITER => '*APOSTSQL'))`

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

// Config declares the raw-SQL tool.
type Config struct {
	Name        string `yaml:"name" validate:"required"`
	Kind        string `yaml:"kind" validate:"required"`
	Source      string `yaml:"source" validate:"required"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
	// RuntimeSyntaxCheck turns the PARSE_STATEMENT gate on.
	RuntimeSyntaxCheck bool `yaml:"runtimeSyntaxCheck"`
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
		desc = "Execute an arbitrary read-only SELECT statement against Db2 for i."
	}
	params := tools.Parameters{
		&tools.StringParameter{CommonParameter: tools.CommonParameter{
			Name:     "sql",
			Type:     "string",
			Desc:     "The SELECT statement to execute.",
			Required: true,
		}},
	}

	t := &Tool{
		Name:               cfg.Name,
		Kind:               kind,
		Source:             s,
		Parameters:         params,
		RuntimeSyntaxCheck: cfg.RuntimeSyntaxCheck,
		manifest:           tools.Manifest{Description: desc, Parameters: params.Manifest()},
		mcpManifest: tools.McpManifest{
			Name:        cfg.Name,
			Description: desc,
			InputSchema: params.McpManifest(),
		},
	}
	return t, nil
}

var _ tools.Tool = &Tool{}

// Tool executes ad-hoc read-only SELECTs.
type Tool struct {
	Name               string
	Kind               string
	Source             db2icommon.Source
	Parameters         tools.Parameters
	RuntimeSyntaxCheck bool

	authPools db2icommon.AuthExecutor

	manifest    tools.Manifest
	mcpManifest tools.McpManifest
}

// SetAuthExecutor wires the authenticated pool manager. A caller
// holding a bearer token then runs against their own session instead
// of the environment pool.
func (t *Tool) SetAuthExecutor(r db2icommon.AuthExecutor) {
	t.authPools = r
}

func (t *Tool) Invoke(ctx context.Context, data map[string]any) (*tools.Result, error) {
	start := time.Now()

	// Single-slot direct substitution: the parameter's string value
	// becomes the runtime SQL with an empty bind vector.
	processed, err := tools.ProcessStatement(":sql", data, t.Parameters)
	if err != nil {
		return nil, err
	}

	policy := security.Policy{}
	if t.RuntimeSyntaxCheck {
		policy.ParseStatementCheck = t.parseStatementType
	}
	if err := security.Validate(ctx, processed.SQL, policy); err != nil {
		return nil, err
	}

	// The policy was enforced above; passing it again lets the pool
	// layer keep its belt-and-braces call site without re-running the
	// runtime gate.
	execPolicy := security.Policy{}
	qr, err := db2icommon.ExecutePaginated(ctx, t.Source, t.authPools, processed.SQL, processed.Params, &execPolicy, FetchSize)
	if err != nil {
		return nil, err
	}

	columns := make([]tools.Column, len(qr.Columns))
	for i, c := range qr.Columns {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		columns[i] = tools.Column{Name: name, Type: c.Type}
	}
	rows := make([]any, len(qr.Data))
	for i, row := range qr.Data {
		rows[i] = row
	}
	if logger, logErr := util.LoggerFromContext(ctx); logErr == nil {
		logger.DebugContext(ctx, "execute_sql returned %d row(s) in %dms", len(rows), time.Since(start).Milliseconds())
	}
	return &tools.Result{
		Success:       true,
		Data:          rows,
		RowCount:      len(rows),
		ExecutionTime: qr.ExecutionTime,
		Metadata:      tools.ResultMetadata{Columns: columns},
	}, nil
}

// parseStatementType asks the live system to classify the statement.
// It rides the same routing as the statement itself so the check runs
// on the caller's own session.
func (t *Tool) parseStatementType(ctx context.Context, sqlText string) (string, error) {
	qr, err := db2icommon.Execute(ctx, t.Source, t.authPools, parseStatementQuery, []any{sqlText}, nil)
	if err != nil {
		return "", err
	}
	if len(qr.Data) == 0 {
		return "", fmt.Errorf("PARSE_STATEMENT returned no rows")
	}
	stmtType, _ := qr.Data[0]["SQL_STATEMENT_TYPE"].(string)
	return stmtType, nil
}

func (t *Tool) Manifest() tools.Manifest {
	return t.manifest
}

func (t *Tool) McpManifest() tools.McpManifest {
	return t.mcpManifest
}
