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

package tools

import (
	"context"
	"fmt"

	yaml "github.com/goccy/go-yaml"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
)

// ToolConfigFactory creates and decodes a specific tool kind's
// configuration. Called from the kind registry with the tool's name
// and a strict YAML decoder positioned at its body.
type ToolConfigFactory func(ctx context.Context, name string, decoder *yaml.Decoder) (ToolConfig, error)

var toolRegistry = make(map[string]ToolConfigFactory)

// Register associates a kind string with its config factory. Tool
// packages call this from init(). It returns false when the kind was
// already taken.
func Register(kind string, factory ToolConfigFactory) bool {
	if _, exists := toolRegistry[kind]; exists {
		return false
	}
	toolRegistry[kind] = factory
	return true
}

// DecodeConfig looks up the registered factory for the given kind and
// uses it to decode the tool configuration.
func DecodeConfig(ctx context.Context, kind, name string, decoder *yaml.Decoder) (ToolConfig, error) {
	factory, found := toolRegistry[kind]
	if !found {
		return nil, fmt.Errorf("unknown tool kind: %q", kind)
	}
	toolConfig, err := factory(ctx, name, decoder)
	if err != nil {
		return nil, fmt.Errorf("unable to parse tool %q as kind %q: %w", name, kind, err)
	}
	return toolConfig, nil
}

// ToolConfig is a decoded tool declaration, not yet bound to its
// source.
type ToolConfig interface {
	ToolConfigKind() string
	ToolEnabled() bool
	Initialize(map[string]sources.Source) (Tool, error)
}

// Tool is an executable unit the server dispatches tool calls to.
// Invoke receives the raw argument map; implementations own parameter
// validation, policy enforcement, and pool routing.
type Tool interface {
	Invoke(ctx context.Context, data map[string]any) (*Result, error)
	Manifest() Manifest
	McpManifest() McpManifest
}

// Result is the shaped outcome of a tool invocation.
type Result struct {
	Success       bool           `json:"success"`
	Data          []any          `json:"data"`
	RowCount      int            `json:"rowCount"`
	ExecutionTime int64          `json:"executionTime"`
	Metadata      ResultMetadata `json:"metadata"`
}

// ResultMetadata describes the result shape.
type ResultMetadata struct {
	Columns []Column `json:"columns"`
}

// Column is one result column. Name defaults to column_<i> when the
// driver reports none.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// Manifest is the representation of tools sent to client SDKs.
type Manifest struct {
	Description string              `json:"description"`
	Parameters  []ParameterManifest `json:"parameters"`
	Domain      string              `json:"domain,omitempty"`
	Category    string              `json:"category,omitempty"`
}

// McpManifest is the definition of a tool an MCP client can call.
type McpManifest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema McpToolsSchema `json:"inputSchema,omitempty"`
}
