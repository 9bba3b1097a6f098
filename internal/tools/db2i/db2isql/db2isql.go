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

// Package db2isql implements the YAML-declared SQL tool for Db2 for i
// sources. An invocation validates and binds parameters, enforces the
// tool's security policy on the rewritten statement, and executes on
// either the source pool or the caller's authenticated pool.
package db2isql

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const kind string = "db2i-sql"

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

var compatibleSources = [...]string{db2i.SourceKind}

// Config is a declared db2i-sql tool.
type Config struct {
	Name        string           `yaml:"name" validate:"required"`
	Kind        string           `yaml:"kind" validate:"required"`
	Source      string           `yaml:"source" validate:"required"`
	Description string           `yaml:"description" validate:"required"`
	Statement   string           `yaml:"statement" validate:"required"`
	Parameters  tools.Parameters `yaml:"parameters"`
	Security    security.Policy  `yaml:"security"`
	Enabled     *bool            `yaml:"enabled"`
	Domain      string           `yaml:"domain"`
	Category    string           `yaml:"category"`
}

// validate interface
var _ tools.ToolConfig = Config{}

func (cfg Config) ToolConfigKind() string {
	return kind
}

// ToolEnabled reports the enabled flag (default true).
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
		return nil, fmt.Errorf("invalid source for %q tool: source kind must be one of %q", kind, compatibleSources)
	}

	if err := cfg.Parameters.ValidateDeclarations(); err != nil {
		return nil, fmt.Errorf("tool %q: %w", cfg.Name, err)
	}

	mcpManifest := tools.McpManifest{
		Name:        cfg.Name,
		Description: cfg.Description,
		InputSchema: cfg.Parameters.McpManifest(),
	}

	t := &Tool{
		Name:       cfg.Name,
		Kind:       kind,
		Parameters: cfg.Parameters,
		Statement:  cfg.Statement,
		Policy:     cfg.Security,
		Source:     s,
		manifest: tools.Manifest{
			Description: cfg.Description,
			Parameters:  cfg.Parameters.Manifest(),
			Domain:      cfg.Domain,
			Category:    cfg.Category,
		},
		mcpManifest: mcpManifest,
	}
	return t, nil
}

// validate interface
var _ tools.Tool = &Tool{}

// Tool is an executable db2i-sql tool.
type Tool struct {
	Name       string
	Kind       string
	Parameters tools.Parameters
	Statement  string
	Policy     security.Policy

	Source    db2icommon.Source
	authPools db2icommon.AuthExecutor

	manifest    tools.Manifest
	mcpManifest tools.McpManifest
}

// SetAuthExecutor wires the authenticated pool manager. The server
// injects it after tool initialization; without it every invocation
// runs on the source pool.
func (t *Tool) SetAuthExecutor(r db2icommon.AuthExecutor) {
	t.authPools = r
}

// Invoke runs one tool call: parameter processing, policy enforcement
// on the rewritten statement, pool routing, and result shaping.
func (t *Tool) Invoke(ctx context.Context, data map[string]any) (*tools.Result, error) {
	start := time.Now()

	processed, err := tools.ProcessStatement(t.Statement, data, t.Parameters)
	if err != nil {
		return nil, err
	}

	if inst, instErr := util.InstrumentationFromContext(ctx); instErr == nil {
		ctxSpan, s := inst.Tracer.Start(ctx, "db2i-toolbox/tool/invoke")
		s.SetAttributes(
			attribute.String("tool_name", t.Name),
			attribute.String("param_mode", string(processed.Mode)),
		)
		defer s.End()
		ctx = ctxSpan
		inst.ToolInvokeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_name", t.Name)))
		defer func() {
			inst.InvokeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("tool_name", t.Name)))
		}()
	}

	if logger, logErr := util.LoggerFromContext(ctx); logErr == nil {
		for _, w := range processed.Stats.Warnings {
			logger.WarnContext(ctx, "tool %q: %s", t.Name, w)
		}
	}

	// Both execution paths enforce the policy on the post-rewrite SQL;
	// the pool layer validates again before the driver as the shared
	// guarantee.
	if err := security.Validate(ctx, processed.SQL, t.Policy); err != nil {
		return nil, err
	}

	qr, err := db2icommon.Execute(ctx, t.Source, t.authPools, processed.SQL, processed.Params, &t.Policy)
	if err != nil {
		return nil, err
	}

	return shapeResult(qr), nil
}

// shapeResult maps a driver result onto the tool output schema.
func shapeResult(qr *db2i.QueryResult) *tools.Result {
	columns := make([]tools.Column, len(qr.Columns))
	for i, c := range qr.Columns {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		columns[i] = tools.Column{Name: name, Type: c.Type, Label: c.Label}
	}
	data := make([]any, len(qr.Data))
	for i, row := range qr.Data {
		data[i] = row
	}
	return &tools.Result{
		Success:       qr.Success,
		Data:          data,
		RowCount:      len(qr.Data),
		ExecutionTime: qr.ExecutionTime,
		Metadata:      tools.ResultMetadata{Columns: columns},
	}
}

func (t *Tool) Manifest() tools.Manifest {
	return t.manifest
}

func (t *Tool) McpManifest() tools.McpManifest {
	return t.mcpManifest
}
