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
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/ibmi-community/db2i-toolbox/internal/server/mcp"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
)

// apiRouter creates a router that represents the routes under /api.
func apiRouter(s *Server) chi.Router {
	r := chi.NewRouter()

	r.Get("/toolset", toolsetIndexHandler(s))
	r.Get("/toolset/{toolsetName}", toolsetHandler(s))

	r.Route("/tool/{toolName}", func(r chi.Router) {
		r.Use(chimiddleware.AllowContentType("application/json"))
		r.Post("/invoke", newToolHandler(s))
	})

	r.Mount("/v1/auth", authRouter(s))

	return r
}

// toolsetManifest is the REST representation of one toolset.
type toolsetManifest struct {
	ServerVersion string           `json:"serverVersion"`
	Name          string           `json:"name"`
	Title         string           `json:"title,omitempty"`
	Description   string           `json:"description,omitempty"`
	Tools         []tools.Manifest `json:"tools"`
}

func toolsetIndexHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.reg.Load()
		render.JSON(w, r, map[string]any{
			"serverVersion": s.version,
			"toolsets":      reg.manager.Names(),
			"stats":         reg.manager.Stats(),
		})
	}
}

func toolsetHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.reg.Load()
		name := chi.URLParam(r, "toolsetName")
		ts, ok := reg.manager.Toolset(name)
		if !ok {
			_ = render.Render(w, r, newErrResponse(fmt.Errorf("toolset %q does not exist", name), http.StatusNotFound))
			return
		}
		manifest := toolsetManifest{
			ServerVersion: s.version,
			Name:          ts.Name,
			Title:         ts.Title,
			Description:   ts.Description,
		}
		for _, toolName := range ts.ToolNames {
			if t, ok := reg.tools[toolName]; ok {
				manifest.Tools = append(manifest.Tools, t.Manifest())
			}
		}
		render.JSON(w, r, manifest)
	}
}

func newToolHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.reg.Load()
		toolName := chi.URLParam(r, "toolName")
		tool, ok := reg.tools[toolName]
		if !ok {
			_ = render.Render(w, r, newErrResponse(fmt.Errorf("invalid tool name: tool with name %q does not exist", toolName), http.StatusNotFound))
			return
		}

		var data map[string]any
		if err := render.DecodeJSON(r.Body, &data); err != nil {
			_ = render.Render(w, r, newErrResponse(fmt.Errorf("request body was invalid JSON: %w", err), http.StatusBadRequest))
			return
		}

		result := mcp.ToolCall(r.Context(), tool, data)
		if result.IsError {
			render.Status(r, http.StatusBadRequest)
		}
		render.JSON(w, r, result)
	}
}

// newErrResponse is a helper function initializing an errResponse.
func newErrResponse(err error, code int) *errResponse {
	return &errResponse{
		Err:            err,
		HTTPStatusCode: code,
		StatusText:     http.StatusText(code),
		ErrorText:      err.Error(),
	}
}

// errResponse is the response sent back when an error has been
// encountered.
type errResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}
