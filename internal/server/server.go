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
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/google/uuid"
	"github.com/ibmi-community/db2i-toolbox/internal/auth/tokens"
	logLib "github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/pools"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2icommon"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// registry is the immutable-after-init snapshot of the YAML config.
// Hot reload builds a fresh one and swaps it in atomically.
type registry struct {
	sources  map[string]sources.Source
	tools    map[string]tools.Tool
	toolsets map[string]tools.Toolset
	manager  *tools.ToolsetManager
}

// Server contains info for running an instance of the toolbox. Should
// be instantiated with NewServer().
type Server struct {
	conf    ServerConfig
	version string
	root    chi.Router
	logger  logLib.Logger
	instr   *telemetry.Instrumentation

	reg atomic.Pointer[registry]

	tokenManager *tokens.Manager
	authPools    *pools.Manager
	keyRing      *tokens.KeyRing

	httpServer *http.Server
	watcher    *fsnotify.Watcher
}

// NewServer returns a Server object based on the provided config.
func NewServer(ctx context.Context, cfg ServerConfig, logger logLib.Logger, instr *telemetry.Instrumentation) (*Server, error) {
	ctx, span := instr.Tracer.Start(ctx, "db2i-toolbox/server/init")
	defer span.End()

	s := &Server{
		conf:    cfg,
		version: cfg.Version,
		logger:  logger,
		instr:   instr,
	}

	if cfg.AuthEnabled {
		s.tokenManager = tokens.NewManager(cfg.AuthMaxSessions, func(token string) {
			if s.authPools != nil {
				s.authPools.RemovePool(token)
			}
		})
		s.authPools = pools.NewManager(s.tokenManager, instr.Tracer, logger)
		if cfg.AuthKeyDir != "" {
			ring, err := tokens.LoadKeyRing(cfg.AuthKeyDir)
			if err != nil {
				return nil, fmt.Errorf("unable to load auth keys: %w", err)
			}
			s.keyRing = ring
		}
	}

	reg, err := s.buildRegistry(ctx, cfg.SourceConfigs, cfg.ToolConfigs, cfg.ToolsetConfigs)
	if err != nil {
		return nil, err
	}
	s.reg.Store(reg)

	r := chi.NewRouter()
	httpOpts := httplog.Options{
		LogLevel:         mustHTTPLevel(cfg.LogLevel.String()),
		Concise:          true,
		RequestHeaders:   true,
		MessageFieldName: "message",
	}
	if cfg.LoggingFormat.String() == "json" {
		httpOpts.JSON = true
		httpOpts.TimeFieldName = "timestamp"
		httpOpts.LevelFieldName = "severity"
	}
	httpLogger := httplog.NewLogger("httplog", httpOpts)

	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
	}))
	r.Use(s.requestContextMiddleware)
	r.Use(newRateLimiter(cfg.RateLimit, cfg.Development, logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("db2i-toolbox: MCP server for Db2 for i"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Mount("/mcp", mcpRouter(s))
	r.Mount("/api", apiRouter(s))

	s.root = r

	if !cfg.DisableReload && len(cfg.ToolsFiles) > 0 {
		if err := s.watchToolsFiles(ctx, cfg.ToolsFiles); err != nil {
			logger.WarnContext(ctx, "hot reload disabled: %v", err)
		}
	}

	return s, nil
}

// buildRegistry initializes sources, tools, and toolsets from configs
// into one snapshot.
func (s *Server) buildRegistry(ctx context.Context, sourceCfgs SourceConfigs, toolCfgs ToolConfigs, toolsetCfgs ToolsetConfigs) (*registry, error) {
	sourcesMap := make(map[string]sources.Source)
	for name, sc := range sourceCfgs {
		src, err := func() (sources.Source, error) {
			ctx, span := s.instr.Tracer.Start(
				ctx,
				"db2i-toolbox/server/source/init",
				trace.WithAttributes(attribute.String("source_kind", sc.SourceConfigKind())),
				trace.WithAttributes(attribute.String("source_name", name)),
			)
			defer span.End()
			src, err := sc.Initialize(ctx, s.instr.Tracer)
			if err != nil {
				return nil, fmt.Errorf("unable to initialize source %q: %w", name, err)
			}
			return src, nil
		}()
		if err != nil {
			return nil, err
		}
		sourcesMap[name] = src
	}
	s.logger.InfoContext(ctx, "Initialized %d sources.", len(sourcesMap))

	toolsMap := make(map[string]tools.Tool)
	for name, tc := range toolCfgs {
		if !tc.ToolEnabled() {
			s.logger.DebugContext(ctx, "tool %q is disabled, skipping", name)
			continue
		}
		t, err := func() (tools.Tool, error) {
			_, span := s.instr.Tracer.Start(
				ctx,
				"db2i-toolbox/server/tool/init",
				trace.WithAttributes(attribute.String("tool_kind", tc.ToolConfigKind())),
				trace.WithAttributes(attribute.String("tool_name", name)),
			)
			defer span.End()
			t, err := tc.Initialize(sourcesMap)
			if err != nil {
				return nil, fmt.Errorf("unable to initialize tool %q: %w", name, err)
			}
			return t, nil
		}()
		if err != nil {
			return nil, err
		}
		if routed, ok := t.(interface {
			SetAuthExecutor(db2icommon.AuthExecutor)
		}); ok && s.authPools != nil {
			routed.SetAuthExecutor(s.authPools)
		}
		toolsMap[name] = t
	}

	// --toolsets filter: only tools in at least one selected toolset
	// register.
	if len(s.conf.ToolsetFilter) > 0 {
		selected := make(map[string]bool)
		for _, tsName := range s.conf.ToolsetFilter {
			tc, ok := toolsetCfgs[tsName]
			if !ok {
				return nil, fmt.Errorf("unknown toolset %q in filter", tsName)
			}
			for _, toolName := range tc.ToolNames {
				selected[toolName] = true
			}
		}
		for _, g := range s.conf.GlobalTools {
			selected[g] = true
		}
		for name := range toolsMap {
			if !selected[name] {
				delete(toolsMap, name)
			}
		}
	}
	s.logger.InfoContext(ctx, "Initialized %d tools.", len(toolsMap))

	// implicit all-tools set under the empty name
	allToolNames := make([]string, 0, len(toolsMap))
	for name := range toolsMap {
		allToolNames = append(allToolNames, name)
	}
	slices.Sort(allToolNames)

	toolsetsMap := make(map[string]tools.Toolset)
	all, err := tools.ToolsetConfig{Name: "", ToolNames: allToolNames}.Initialize(toolsMap, nil)
	if err != nil {
		return nil, err
	}
	toolsetsMap[""] = all

	for name, tc := range toolsetCfgs {
		if len(s.conf.ToolsetFilter) > 0 && !slices.Contains(s.conf.ToolsetFilter, name) {
			continue
		}
		ts, err := tc.Initialize(toolsMap, s.conf.GlobalTools)
		if err != nil {
			return nil, err
		}
		toolsetsMap[name] = ts
	}
	s.logger.InfoContext(ctx, "Initialized %d toolsets.", len(toolsetsMap)-1)

	return &registry{
		sources:  sourcesMap,
		tools:    toolsMap,
		toolsets: toolsetsMap,
		manager:  tools.NewToolsetManager(toolsetsMap),
	}, nil
}

// requestContextMiddleware stamps every request with a correlation id
// and the shared logger/instrumentation handles, and lifts a bearer
// token onto the context for auth routing.
func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = util.WithRequestID(ctx, requestID)
		ctx = util.WithLogger(ctx, s.logger)
		ctx = util.WithInstrumentation(ctx, s.instr)
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			ctx = util.WithAuthToken(ctx, auth[7:])
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func mustHTTPLevel(level string) slog.Level {
	lvl, err := logLib.SeverityToLevel(level)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Handler exposes the root router (used by transport tests).
func (s *Server) Handler() http.Handler {
	return s.root
}

// Listen starts a listener for the given Server instance.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	addr := net.JoinHostPort(s.conf.Address, strconv.Itoa(s.conf.Port))
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open listener for %q: %w", addr, err)
	}
	return l, nil
}

// Serve starts the HTTP transport and runs the session reapers.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.tokenManager != nil {
		s.tokenManager.StartReaper(ctx, 30*time.Second)
		s.authPools.StartCleanup(ctx, pools.CleanupInterval)
	}
	s.httpServer = &http.Server{Handler: s.root}
	err := s.httpServer.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the context deadline, then
// closes every pool and the reload watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.authPools != nil {
		s.authPools.CloseAll()
	}
	if reg := s.reg.Load(); reg != nil {
		for name, src := range reg.sources {
			if closer, ok := src.(*db2i.Source); ok {
				if cerr := closer.Close(); cerr != nil {
					s.logger.WarnContext(ctx, "error closing source %q: %v", name, cerr)
				}
			}
		}
	}
	return err
}

// watchToolsFiles reloads the registry when any tools file changes.
// A failed reload logs and keeps the previous snapshot.
func (s *Server) watchToolsFiles(ctx context.Context, files []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return fmt.Errorf("unable to watch %q: %w", f, err)
		}
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.logger.InfoContext(ctx, "tools file %q changed, reloading", event.Name)
				s.reload(ctx, files)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WarnContext(ctx, "tools file watcher error: %v", werr)
			}
		}
	}()
	return nil
}

// reload re-parses the tools files and swaps the registry snapshot
// atomically.
func (s *Server) reload(ctx context.Context, files []string) {
	var result ParsingResult
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			s.logger.ErrorContext(ctx, "reload aborted, unable to read %q: %v", f, err)
			return
		}
		ParseToolsFile(ctx, raw, &result)
	}
	if err := result.Err(); err != nil {
		s.logger.ErrorContext(ctx, "reload aborted, config invalid: %v", err)
		return
	}
	reg, err := s.buildRegistry(ctx, result.Sources, result.Tools, result.Toolsets)
	if err != nil {
		s.logger.ErrorContext(ctx, "reload aborted: %v", err)
		return
	}
	old := s.reg.Swap(reg)
	if old != nil {
		for _, src := range old.sources {
			if closer, ok := src.(*db2i.Source); ok {
				_ = closer.Close()
			}
		}
	}
	s.logger.InfoContext(ctx, "registry reloaded: %d tools", len(reg.tools))
}
