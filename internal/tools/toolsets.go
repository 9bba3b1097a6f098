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
	"fmt"
	"sort"
)

// ToolsetConfig is a named bundle of tool names declared in YAML.
type ToolsetConfig struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	ToolNames   []string `yaml:"tools"`
}

// Toolset is an initialized bundle carrying the MCP manifests of its
// member tools.
type Toolset struct {
	Name        string        `json:"name"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	ToolNames   []string      `json:"tools"`
	McpManifest []McpManifest `json:"-"`
}

// Initialize validates that every member resolves against the tool
// map, appends the global tools, and captures manifests. Global tools
// are a derived relation: they never appear in the persisted config.
func (c ToolsetConfig) Initialize(toolsMap map[string]Tool, globalTools []string) (Toolset, error) {
	t := Toolset{
		Name:        c.Name,
		Title:       c.Title,
		Description: c.Description,
	}
	members := make([]string, 0, len(c.ToolNames)+len(globalTools))
	seen := make(map[string]bool)
	for _, name := range c.ToolNames {
		if _, ok := toolsMap[name]; !ok {
			return t, fmt.Errorf("toolset %q references unknown tool %q", c.Name, name)
		}
		if !seen[name] {
			members = append(members, name)
			seen[name] = true
		}
	}
	for _, name := range globalTools {
		if _, ok := toolsMap[name]; !ok {
			continue
		}
		if !seen[name] {
			members = append(members, name)
			seen[name] = true
		}
	}
	t.ToolNames = members
	for _, name := range members {
		t.McpManifest = append(t.McpManifest, toolsMap[name].McpManifest())
	}
	return t, nil
}

// ToolsetStats summarizes the toolset registry.
type ToolsetStats struct {
	TotalToolsets     int            `json:"totalToolsets"`
	TotalTools        int            `json:"totalTools"`
	MultiToolsetTools int            `json:"multiToolsetTools"`
	ToolsetCounts     map[string]int `json:"toolsetCounts"`
}

// ToolsetManager answers membership queries over the immutable
// post-init toolset snapshot.
type ToolsetManager struct {
	toolsets map[string]Toolset
	byTool   map[string][]string
}

// NewToolsetManager indexes the initialized toolsets.
func NewToolsetManager(toolsets map[string]Toolset) *ToolsetManager {
	m := &ToolsetManager{
		toolsets: toolsets,
		byTool:   make(map[string][]string),
	}
	for name, ts := range toolsets {
		if name == "" {
			// the implicit all-tools set does not count as membership
			continue
		}
		for _, tool := range ts.ToolNames {
			m.byTool[tool] = append(m.byTool[tool], name)
		}
	}
	for _, sets := range m.byTool {
		sort.Strings(sets)
	}
	return m
}

// ToolsInToolset returns the effective member names of a toolset.
func (m *ToolsetManager) ToolsInToolset(name string) ([]string, bool) {
	ts, ok := m.toolsets[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(ts.ToolNames))
	copy(out, ts.ToolNames)
	return out, true
}

// ToolsetsForTool returns the toolsets a tool belongs to.
func (m *ToolsetManager) ToolsetsForTool(tool string) []string {
	sets := m.byTool[tool]
	out := make([]string, len(sets))
	copy(out, sets)
	return out
}

// IsToolInToolset reports membership.
func (m *ToolsetManager) IsToolInToolset(tool, toolset string) bool {
	ts, ok := m.toolsets[toolset]
	if !ok {
		return false
	}
	for _, n := range ts.ToolNames {
		if n == tool {
			return true
		}
	}
	return false
}

// Toolset returns the initialized toolset by name.
func (m *ToolsetManager) Toolset(name string) (Toolset, bool) {
	ts, ok := m.toolsets[name]
	return ts, ok
}

// Names returns the declared toolset names, sorted, excluding the
// implicit all-tools set.
func (m *ToolsetManager) Names() []string {
	names := make([]string, 0, len(m.toolsets))
	for name := range m.toolsets {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats summarizes the snapshot.
func (m *ToolsetManager) Stats() ToolsetStats {
	s := ToolsetStats{ToolsetCounts: make(map[string]int)}
	for name, ts := range m.toolsets {
		if name == "" {
			continue
		}
		s.TotalToolsets++
		s.ToolsetCounts[name] = len(ts.ToolNames)
	}
	s.TotalTools = len(m.byTool)
	for _, sets := range m.byTool {
		if len(sets) > 1 {
			s.MultiToolsetTools++
		}
	}
	return s
}
