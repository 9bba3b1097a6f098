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

package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// contentPreviewRows bounds the pretty-printed rows in the
// human-readable half of a tool result.
const contentPreviewRows = 50

// Initialize builds the initialize result for this release.
func Initialize(version string) InitializeResult {
	listChanged := false
	return InitializeResult{
		ProtocolVersion: LATEST_PROTOCOL_VERSION,
		Capabilities: ServerCapabilities{
			Tools:     &ListChanged{ListChanged: &listChanged},
			Resources: &ListChanged{ListChanged: &listChanged},
			Logging:   map[string]any{},
		},
		ServerInfo: Implementation{
			Name:    SERVER_NAME,
			Version: version,
		},
	}
}

// ToolsList renders the toolset's manifest list.
func ToolsList(toolset tools.Toolset) ListToolsResult {
	manifests := toolset.McpManifest
	if manifests == nil {
		manifests = []tools.McpManifest{}
	}
	return ListToolsResult{Tools: manifests}
}

// ToolCall invokes the tool and shapes the two-part result. Errors
// never escape: every failure renders as an isError result with both
// a text message and the structured error object.
func ToolCall(ctx context.Context, tool tools.Tool, args map[string]any) CallToolResult {
	result, err := tool.Invoke(ctx, args)
	if err != nil {
		if inst, instErr := util.InstrumentationFromContext(ctx); instErr == nil {
			inst.ToolInvokeErrors.Add(ctx, 1)
		}
		return errorCallResult(err)
	}

	summary := fmt.Sprintf("%d row(s) in %dms", result.RowCount, result.ExecutionTime)
	preview := result.Data
	if len(preview) > contentPreviewRows {
		preview = preview[:contentPreviewRows]
		summary += fmt.Sprintf(" (showing first %d)", contentPreviewRows)
	}
	pretty, err := json.MarshalIndent(preview, "", "  ")
	if err != nil {
		pretty = []byte("[]")
	}

	return CallToolResult{
		Content: []TextContent{
			{Type: "text", Text: summary + "\n" + string(pretty)},
		},
		StructuredContent: result,
	}
}

// errorCallResult maps an invocation error onto the protocol error
// space while keeping the response well-formed.
func errorCallResult(err error) CallToolResult {
	code := INTERNAL_ERROR
	var details any

	var secErr *security.ValidationError
	var paramErr *tools.ValidationError
	var mcpErr *McpError
	switch {
	case errors.As(err, &mcpErr):
		code = mcpErr.Code
		details = mcpErr.Data
	case errors.As(err, &secErr):
		code = VALIDATION_ERROR
		details = secErr
	case errors.As(err, &paramErr):
		code = VALIDATION_ERROR
		details = map[string]any{"violations": paramErr.Messages}
	case strings.Contains(err.Error(), "unable to execute query"):
		code = DATABASE_ERROR
	}

	structured := map[string]any{
		"code":    code,
		"message": err.Error(),
	}
	if details != nil {
		structured["details"] = details
	}
	return CallToolResult{
		Content:           []TextContent{{Type: "text", Text: err.Error()}},
		StructuredContent: structured,
		IsError:           true,
	}
}

// ToolsetResources renders the toolsets:// catalog.
func ToolsetResources(manager *tools.ToolsetManager) ListResourcesResult {
	resources := []Resource{{
		URI:         "toolsets://",
		Name:        "toolsets",
		Description: "Catalog of every configured toolset.",
		MimeType:    "application/json",
	}}
	for _, name := range manager.Names() {
		ts, _ := manager.Toolset(name)
		resources = append(resources, Resource{
			URI:         "toolsets://" + name,
			Name:        name,
			Description: ts.Description,
			MimeType:    "application/json",
		})
	}
	return ListResourcesResult{Resources: resources}
}

// ReadToolsetResource resolves a toolsets:// URI into its base64
// payload.
func ReadToolsetResource(manager *tools.ToolsetManager, uri string) (ReadResourceResult, error) {
	name, ok := strings.CutPrefix(uri, "toolsets://")
	if !ok {
		return ReadResourceResult{}, fmt.Errorf("unknown resource uri %q", uri)
	}

	var payload any
	if name == "" {
		catalog := make(map[string]tools.Toolset)
		for _, n := range manager.Names() {
			ts, _ := manager.Toolset(n)
			catalog[n] = ts
		}
		payload = map[string]any{"toolsets": catalog, "stats": manager.Stats()}
	} else {
		ts, ok := manager.Toolset(name)
		if !ok {
			return ReadResourceResult{}, fmt.Errorf("toolset %q does not exist", name)
		}
		payload = ts
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("unable to marshal resource: %w", err)
	}
	return ReadResourceResult{Contents: []ResourceContents{{
		URI:      uri,
		MimeType: "application/json",
		Blob:     base64.StdEncoding.EncodeToString(raw),
	}}}, nil
}
