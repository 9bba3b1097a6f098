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

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ibmi-community/db2i-toolbox/internal/server/mcp"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// ServeStdio runs one persistent MCP server over line-delimited
// JSON-RPC on the given streams. It returns when the input closes or
// the context ends; pools close via Shutdown.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	if s.tokenManager != nil {
		s.tokenManager.StartReaper(ctx, 30*time.Second)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	encoder := json.NewEncoder(out)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("stdin read failed: %w", err)
					}
				default:
				}
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			res := s.handleStdioMessage(ctx, line)
			if res == nil {
				continue // notification
			}
			if err := encoder.Encode(res); err != nil {
				return fmt.Errorf("stdout write failed: %w", err)
			}
		}
	}
}

// handleStdioMessage decodes and dispatches one line. Notifications
// return nil.
func (s *Server) handleStdioMessage(ctx context.Context, line []byte) mcp.JSONRPCMessage {
	requestID := uuid.New().String()
	ctx = util.WithRequestID(ctx, requestID)
	ctx = util.WithLogger(ctx, s.logger)
	ctx = util.WithInstrumentation(ctx, s.instr)

	var baseMessage struct {
		Jsonrpc string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Id      mcp.RequestId `json:"id,omitempty"`
	}
	if err := util.DecodeJSON(bytes.NewBuffer(line), &baseMessage); err != nil {
		return newJSONRPCError(requestID, mcp.PARSE_ERROR, err.Error(), nil)
	}
	if baseMessage.Id == nil {
		// notifications are accepted and dropped
		if strings.HasPrefix(baseMessage.Method, "notifications/") {
			return nil
		}
		return nil
	}
	if baseMessage.Jsonrpc != mcp.JSONRPC_VERSION {
		return newJSONRPCError(baseMessage.Id, mcp.INVALID_REQUEST, "invalid json-rpc version", nil)
	}

	sess := newMcpSession(s)
	defer sess.teardown()
	return dispatch(ctx, sess, baseMessage.Method, baseMessage.Id, line)
}
