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

// Package testutils carries shared helpers for the package tests.
package testutils

import (
	"bytes"
	"context"

	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// ContextWithNewLogger returns a context carrying a buffered logger.
func ContextWithNewLogger() (context.Context, error) {
	var buf bytes.Buffer
	logger, err := log.NewStdLogger(&buf, &buf, "info")
	if err != nil {
		return nil, err
	}
	return util.WithLogger(context.Background(), logger), nil
}

// NewLogger returns a logger writing into the given buffer.
func NewLogger(buf *bytes.Buffer) (log.Logger, error) {
	return log.NewStdLogger(buf, buf, "debug")
}
