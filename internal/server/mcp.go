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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/ibmi-community/db2i-toolbox/internal/server/mcp"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// mcpSession is the per-request ephemeral server/transport pair of the
// stateless HTTP manager. Cleanup runs exactly once per request no
// matter how the response stream terminates.
type mcpSession struct {
	id      string
	server  *Server
	reg     *registry
	cleanup sync.Once
	done    func()
}

// newMcpSession snapshots the registry for one request.
func newMcpSession(s *Server) *mcpSession {
	sess := &mcpSession{
		id:     uuid.New().String(),
		server: s,
		reg:    s.reg.Load(),
	}
	sess.done = func() {
		s.logger.DebugContext(context.Background(), "mcp session %s torn down", sess.id)
	}
	return sess
}

// teardown releases the session. Every stream-termination path funnels
// here; sync.Once keeps the invariant that it runs exactly once.
func (sess *mcpSession) teardown() {
	sess.cleanup.Do(sess.done)
}

// mcpRouter creates a router for the routes under /mcp.
func mcpRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.AllowContentType("application/json"))
	r.Use(chimiddleware.StripSlashes)
	r.Post("/", func(w http.ResponseWriter, r *http.Request) { mcpHandler(s, w, r) })
	return r
}

// mcpHandler serves one JSON-RPC message over the streaming transport.
func mcpHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := newMcpSession(s)
	defer sess.teardown()

	// client disconnect cancels the stream; teardown still runs once
	go func() {
		<-ctx.Done()
		sess.teardown()
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, newJSONRPCError(uuid.New().String(), mcp.PARSE_ERROR, err.Error(), nil))
		return
	}

	var baseMessage struct {
		Jsonrpc string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Id      mcp.RequestId `json:"id,omitempty"`
	}
	if err := util.DecodeJSON(bytes.NewBuffer(body), &baseMessage); err != nil {
		render.JSON(w, r, newJSONRPCError(uuid.New().String(), mcp.PARSE_ERROR, err.Error(), nil))
		return
	}
	if baseMessage.Method == "" {
		render.JSON(w, r, newJSONRPCError(baseMessage.Id, mcp.METHOD_NOT_FOUND, "method not found", nil))
		return
	}
	if baseMessage.Jsonrpc != mcp.JSONRPC_VERSION {
		render.JSON(w, r, newJSONRPCError(baseMessage.Id, mcp.INVALID_REQUEST, "invalid json-rpc version", nil))
		return
	}

	s.instr.McpRequestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", baseMessage.Method)))

	// Notifications do not expect a response.
	if baseMessage.Id == nil {
		var notification mcp.JSONRPCNotification
		if err := json.Unmarshal(body, &notification); err != nil {
			render.JSON(w, r, newJSONRPCError(baseMessage.Id, mcp.PARSE_ERROR, err.Error(), nil))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res := dispatch(ctx, sess, baseMessage.Method, baseMessage.Id, body)

	// Stream the response as SSE when the client negotiated it; the
	// final event ends the stream and drives teardown.
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeSSEResponse(s, w, r, sess, res)
		return
	}
	render.JSON(w, r, res)
}

// writeSSEResponse renders one message event and closes the stream.
func writeSSEResponse(s *Server, w http.ResponseWriter, r *http.Request, sess *mcpSession, res mcp.JSONRPCMessage) {
	defer sess.teardown()

	flusher, ok := w.(http.Flusher)
	if !ok {
		render.JSON(w, r, res)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventData, err := json.Marshal(res)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "unable to marshal sse event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", eventData); err != nil {
		// write error: the cancel path has already arranged teardown
		return
	}
	flusher.Flush()
}

// dispatch routes one JSON-RPC method to its handler against the
// session's registry snapshot.
func dispatch(ctx context.Context, sess *mcpSession, method string, id mcp.RequestId, body []byte) mcp.JSONRPCMessage {
	s := sess.server
	switch method {
	case "initialize":
		var req mcp.InitializeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return newJSONRPCError(id, mcp.INVALID_REQUEST, fmt.Sprintf("invalid mcp initialize request: %v", err), nil)
		}
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: mcp.Initialize(s.version)}

	case "ping":
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: mcp.EmptyResult{}}

	case "tools/list":
		toolset, ok := sess.reg.toolsets[""]
		if !ok {
			return newJSONRPCError(id, mcp.INTERNAL_ERROR, "toolset does not exist", nil)
		}
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: mcp.ToolsList(toolset)}

	case "tools/call":
		var req mcp.CallToolRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return newJSONRPCError(id, mcp.INVALID_REQUEST, fmt.Sprintf("invalid mcp tools call request: %v", err), nil)
		}
		tool, ok := sess.reg.tools[req.Params.Name]
		if !ok {
			return newJSONRPCError(id, mcp.METHOD_NOT_FOUND,
				fmt.Sprintf("invalid tool name: tool with name %q does not exist", req.Params.Name), nil)
		}

		// re-decode arguments number-safely so ints survive
		rawArgs, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return newJSONRPCError(id, mcp.INTERNAL_ERROR, fmt.Sprintf("unable to marshal tool arguments: %v", err), nil)
		}
		var args map[string]any
		if err := util.DecodeJSON(bytes.NewBuffer(rawArgs), &args); err != nil {
			return newJSONRPCError(id, mcp.INTERNAL_ERROR, fmt.Sprintf("unable to decode tool arguments: %v", err), nil)
		}
		converted, err := util.ConvertNumbers(args)
		if err != nil {
			return newJSONRPCError(id, mcp.INTERNAL_ERROR, fmt.Sprintf("unable to convert tool arguments: %v", err), nil)
		}
		args = converted.(map[string]any)

		result := mcp.ToolCall(ctx, tool, args)
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: result}

	case "resources/list":
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: mcp.ToolsetResources(sess.reg.manager)}

	case "resources/read":
		var req mcp.ReadResourceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return newJSONRPCError(id, mcp.INVALID_REQUEST, fmt.Sprintf("invalid mcp resources read request: %v", err), nil)
		}
		result, err := mcp.ReadToolsetResource(sess.reg.manager, req.Params.URI)
		if err != nil {
			return newJSONRPCError(id, mcp.INVALID_PARAMS, err.Error(), nil)
		}
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: result}

	case "logging/setLevel":
		var req mcp.SetLevelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return newJSONRPCError(id, mcp.INVALID_REQUEST, fmt.Sprintf("invalid mcp setLevel request: %v", err), nil)
		}
		if err := s.logger.SetLevel(req.Params.Level); err != nil {
			return newJSONRPCError(id, mcp.INVALID_PARAMS, err.Error(), nil)
		}
		return mcp.JSONRPCResponse{Jsonrpc: mcp.JSONRPC_VERSION, Id: id, Result: mcp.EmptyResult{}}

	default:
		return newJSONRPCError(id, mcp.METHOD_NOT_FOUND, fmt.Sprintf("invalid method %s", method), nil)
	}
}

// newJSONRPCError is the response sent back when an error has been
// encountered.
func newJSONRPCError(id mcp.RequestId, code int, message string, data any) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		Jsonrpc: mcp.JSONRPC_VERSION,
		Id:      id,
		Error: mcp.McpError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
