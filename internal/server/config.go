// Copyright 2025 the db2i-toolbox authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// ServerConfig holds everything a Server instance needs to run.
type ServerConfig struct {
	// Version of the release, stamped into manifests and telemetry.
	Version string
	// Address is the interface the HTTP transport listens on.
	Address string
	// Port is the port the HTTP transport listens on.
	Port int
	// Stdio selects the stdio transport instead of HTTP.
	Stdio bool

	// SourceConfigs defines the Db2 for i endpoints available to tools.
	SourceConfigs SourceConfigs
	// ToolConfigs defines the declared tools.
	ToolConfigs ToolConfigs
	// ToolsetConfigs defines the declared toolsets.
	ToolsetConfigs ToolsetConfigs
	// ToolsetFilter restricts registration to tools belonging to at
	// least one named toolset. Empty means everything registers.
	ToolsetFilter []string
	// GlobalTools are appended to every toolset's effective membership.
	GlobalTools []string

	// LoggingFormat selects standard or JSON logs.
	LoggingFormat LogFormat
	// LogLevel is the minimum level logged.
	LogLevel StringLevel
	// TelemetryOTLP is the OTLP endpoint for telemetry export.
	TelemetryOTLP string
	// TelemetryServiceName overrides the service.name attribute.
	TelemetryServiceName string
	// DisableReload turns the YAML hot-reload watcher off.
	DisableReload bool

	// ToolsFiles are the YAML files the registry was loaded from; the
	// hot-reload watcher observes them.
	ToolsFiles []string

	// AuthEnabled turns the /api/v1/auth endpoint and per-token pools
	// on.
	AuthEnabled bool
	// AuthAllowHTTP permits the auth endpoint over plain HTTP
	// (development only).
	AuthAllowHTTP bool
	// AuthKeyDir is the PEM directory of envelope key pairs.
	AuthKeyDir string
	// AuthTokenExpirySeconds is the default session duration.
	AuthTokenExpirySeconds int
	// AuthMaxSessions bounds concurrent sessions (0 = unlimited).
	AuthMaxSessions int

	// RateLimit configures the per-key request limiter.
	RateLimit RateLimitConfig

	// EnableExecuteSQL registers the raw-SQL tool.
	EnableExecuteSQL bool
	// Development relaxes TLS and rate-limit enforcement.
	Development bool
}

// LogFormat is the validated logging-format flag.
type LogFormat string

// String is used by both fmt.Print and by Cobra in help text.
func (f *LogFormat) String() string {
	if string(*f) != "" {
		return strings.ToLower(string(*f))
	}
	return "standard"
}

// Set validates the logging format flag.
func (f *LogFormat) Set(v string) error {
	switch strings.ToLower(v) {
	case "standard", "json":
		*f = LogFormat(v)
		return nil
	default:
		return fmt.Errorf(`log format must be one of "standard", or "json"`)
	}
}

// Type is used in Cobra help text.
func (f *LogFormat) Type() string {
	return "logFormat"
}

// StringLevel is the validated log-level flag.
type StringLevel string

// String is used by both fmt.Print and by Cobra in help text.
func (s *StringLevel) String() string {
	if string(*s) != "" {
		return strings.ToLower(string(*s))
	}
	return "info"
}

// Set validates the log level flag.
func (s *StringLevel) Set(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "notice", "warn", "warning", "error", "crit", "alert", "emerg":
		*s = StringLevel(v)
		return nil
	default:
		return fmt.Errorf(`log level must be one of "debug", "info", "warn", or "error"`)
	}
}

// Type is used in Cobra help text.
func (s *StringLevel) Type() string {
	return "stringLevel"
}

// SourceConfigs maps source name to its decoded config.
type SourceConfigs map[string]sources.SourceConfig

// ToolConfigs maps tool name to its decoded config.
type ToolConfigs map[string]tools.ToolConfig

// ToolsetConfigs maps toolset name to its decoded config.
type ToolsetConfigs map[string]tools.ToolsetConfig

// ParsingResult aggregates every validation failure of a config load
// so one pass reports them all.
type ParsingResult struct {
	Sources  SourceConfigs
	Tools    ToolConfigs
	Toolsets ToolsetConfigs
	// Unresolved lists ${VAR} names that had no environment value.
	Unresolved []string
	Errors     []error
}

// Err folds the collected errors into one, or nil.
func (r *ParsingResult) Err() error {
	return errors.Join(r.Errors...)
}

// rawToolsFile is the top-level YAML shape.
type rawToolsFile struct {
	Sources  map[string]map[string]any `yaml:"sources"`
	Tools    map[string]map[string]any `yaml:"tools"`
	Toolsets map[string]map[string]any `yaml:"toolsets"`
}

// ParseToolsFile interpolates ${VAR} against the environment snapshot
// and decodes one YAML document into the kind-dispatched configs.
// Results merge into acc so several files compose one registry;
// toolset membership is validated post-merge at server init.
func ParseToolsFile(ctx context.Context, raw []byte, acc *ParsingResult) {
	if acc.Sources == nil {
		acc.Sources = make(SourceConfigs)
		acc.Tools = make(ToolConfigs)
		acc.Toolsets = make(ToolsetConfigs)
	}

	interpolated, unresolved := util.InterpolateEnv(raw)
	acc.Unresolved = append(acc.Unresolved, unresolved...)

	var file rawToolsFile
	if err := yaml.Unmarshal(interpolated, &file); err != nil {
		acc.Errors = append(acc.Errors, fmt.Errorf("unable to parse tools file: %w", err))
		return
	}

	for name, body := range file.Sources {
		c, err := unmarshalSourceConfig(ctx, name, body)
		if err != nil {
			acc.Errors = append(acc.Errors, fmt.Errorf("source %q: %w", name, err))
			continue
		}
		acc.Sources[name] = c
	}
	for name, body := range file.Tools {
		c, err := unmarshalToolConfig(ctx, name, body)
		if err != nil {
			acc.Errors = append(acc.Errors, fmt.Errorf("tool %q: %w", name, err))
			continue
		}
		acc.Tools[name] = c
	}
	for name, body := range file.Toolsets {
		c, err := unmarshalToolsetConfig(ctx, name, body)
		if err != nil {
			acc.Errors = append(acc.Errors, fmt.Errorf("toolset %q: %w", name, err))
			continue
		}
		acc.Toolsets[name] = c
	}
}

func unmarshalSourceConfig(ctx context.Context, name string, r map[string]any) (sources.SourceConfig, error) {
	kind, ok := r["kind"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'kind' field or it is not a string")
	}
	dec, err := util.NewStrictDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("error creating decoder: %w", err)
	}
	return sources.DecodeConfig(ctx, kind, name, dec)
}

func unmarshalToolConfig(ctx context.Context, name string, r map[string]any) (tools.ToolConfig, error) {
	kind, ok := r["kind"].(string)
	if !ok {
		// a declared tool without a kind is a plain SQL tool
		kind = "db2i-sql"
		r["kind"] = kind
	}
	dec, err := util.NewStrictDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("error creating decoder: %w", err)
	}
	return tools.DecodeConfig(ctx, kind, name, dec)
}

func unmarshalToolsetConfig(ctx context.Context, name string, r map[string]any) (tools.ToolsetConfig, error) {
	dec, err := util.NewStrictDecoder(r)
	if err != nil {
		return tools.ToolsetConfig{}, fmt.Errorf("error creating decoder: %w", err)
	}
	c := tools.ToolsetConfig{Name: name}
	if err := dec.DecodeContext(ctx, &c); err != nil {
		return tools.ToolsetConfig{}, fmt.Errorf("unable to parse toolset: %w", err)
	}
	c.Name = name
	return c, nil
}
