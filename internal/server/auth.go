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
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/ibmi-community/db2i-toolbox/internal/auth/tokens"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"go.opentelemetry.io/otel/metric"
)

// authRouter creates the routes under /api/v1/auth.
func authRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.AllowContentType("application/json"))
	r.Use(s.enforceTLS)
	r.Post("/", func(w http.ResponseWriter, r *http.Request) { authHandler(s, w, r) })
	r.Delete("/", func(w http.ResponseWriter, r *http.Request) { revokeHandler(s, w, r) })
	return r
}

// enforceTLS rejects plain-HTTP auth requests unless the operator
// allowed them for development.
func (s *Server) enforceTLS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedProto := r.Header.Get("X-Forwarded-Proto")
		secure := r.TLS != nil || forwardedProto == "https"
		if !secure && !(s.conf.AuthAllowHTTP && s.conf.Development) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]any{
				"error": "auth endpoint requires HTTPS",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authResponse is the issued-token payload.
type authResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

// authHandler decrypts the credential envelope, issues a bearer token,
// and creates the owned pool.
func authHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.keyRing == nil || s.tokenManager == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]any{"error": "authentication is not enabled"})
		return
	}
	if !s.tokenManager.CanCreateNewSession() {
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, map[string]any{"error": "concurrent session limit reached"})
		return
	}

	var env tokens.Envelope
	if err := util.DecodeJSON(r.Body, &env); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"error": "request body is not a valid envelope"})
		return
	}
	req, err := s.keyRing.Open(env)
	if err != nil {
		s.logger.WarnContext(ctx, "auth envelope rejected: %v", err)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"error": err.Error()})
		return
	}

	duration := req.Request.Duration
	if duration == 0 {
		duration = s.conf.AuthTokenExpirySeconds
	}
	if duration == 0 {
		duration = tokens.DefaultDurationSeconds
	}

	creds := tokens.IBMiCredentials{
		Host:     req.Request.Host,
		User:     req.Credentials.Username,
		Password: req.Credentials.Password,
	}
	session, err := s.tokenManager.IssueToken(creds, duration, req.Request.PoolStart, req.Request.PoolMax)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"error": err.Error()})
		return
	}
	if err := s.authPools.CreatePool(session.Token, creds, req.Request.PoolStart, req.Request.PoolMax); err != nil {
		s.tokenManager.Remove(session.Token)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{"error": err.Error()})
		return
	}

	s.instr.AuthSessionUpDown.Add(ctx, 1, metric.WithAttributes())
	s.logger.InfoContext(ctx, "issued token %s for user=%s host=%s (expires in %ds)",
		util.AnonymizeToken(session.Token), creds.User, creds.Host, duration)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, authResponse{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		ExpiresIn:   duration,
		ExpiresAt:   session.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// revokeHandler destroys the caller's session and its pool.
func revokeHandler(s *Server, w http.ResponseWriter, r *http.Request) {
	if s.tokenManager == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]any{"error": "authentication is not enabled"})
		return
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]any{"error": "missing bearer token"})
		return
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	removed := s.tokenManager.Remove(token)
	s.authPools.RemovePool(token)
	if !removed {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]any{"error": "unknown or revoked token"})
		return
	}
	s.instr.AuthSessionUpDown.Add(r.Context(), -1, metric.WithAttributes())
	w.WriteHeader(http.StatusNoContent)
}
