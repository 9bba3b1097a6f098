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
	"sort"

	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2idescribeobject"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2iexecutesql"
)

// Built-in tool names.
const (
	describeObjectToolName = "describe_object"
	executeSQLToolName     = "execute_sql"
)

// builtinTools registers the built-in tool configs against the default
// source and returns the global-tools list appended to every toolset.
// The describer always registers; the raw-SQL tool only when enabled.
func builtinTools(cfg *server.ServerConfig) []string {
	source := defaultSourceName(cfg.SourceConfigs)
	if source == "" {
		return nil
	}

	globals := []string{}
	if _, taken := cfg.ToolConfigs[describeObjectToolName]; !taken {
		cfg.ToolConfigs[describeObjectToolName] = db2idescribeobject.Config{
			Name:   describeObjectToolName,
			Kind:   "db2i-describe-object",
			Source: source,
		}
		globals = append(globals, describeObjectToolName)
	}
	if cfg.EnableExecuteSQL {
		if _, taken := cfg.ToolConfigs[executeSQLToolName]; !taken {
			cfg.ToolConfigs[executeSQLToolName] = db2iexecutesql.Config{
				Name:               executeSQLToolName,
				Kind:               "db2i-execute-sql",
				Source:             source,
				RuntimeSyntaxCheck: true,
			}
			globals = append(globals, executeSQLToolName)
		}
	}
	return globals
}

// defaultSourceName picks the source the built-ins execute against:
// the one named "default" when declared, else the alphabetically first.
func defaultSourceName(sources server.SourceConfigs) string {
	if len(sources) == 0 {
		return ""
	}
	if _, ok := sources["default"]; ok {
		return "default"
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}
