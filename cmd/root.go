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
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	_ "github.com/ibmi-community/db2i-toolbox/internal/tools/db2i/db2isql"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"github.com/spf13/cobra"
)

var (
	// versionString indicates the version of this library.
	//go:embed version.txt
	versionString string
	// metadataString indicates additional build or distribution metadata.
	metadataString string
)

func init() {
	versionString = semanticVersion()
}

// semanticVersion returns the version of the CLI including compile-time
// metadata.
func semanticVersion() string {
	v := strings.TrimSpace(versionString)
	if metadataString != "" {
		v += "+" + metadataString
	}
	return v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to
// happen once to the rootCmd.
func Execute() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command represents an invocation of the CLI.
type Command struct {
	*cobra.Command

	cfg          server.ServerConfig
	logger       log.Logger
	toolsArg     string
	transport    string
	toolsetsArg  string
	listToolsets bool
	outStream    io.Writer
	errStream    io.Writer
	inStream     io.Reader
}

// Option configures a Command for tests.
type Option func(*Command)

// WithStreams overrides the standard IO streams.
func WithStreams(in io.Reader, out, err io.Writer) Option {
	return func(c *Command) {
		c.inStream = in
		c.outStream = out
		c.errStream = err
	}
}

// NewCommand returns a Command object representing an invocation of
// the CLI.
func NewCommand(opts ...Option) *Command {
	baseCmd := &cobra.Command{
		Use:           "db2i-toolbox",
		Version:       versionString,
		Short:         "MCP server exposing Db2 for i query tools",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd := &Command{
		Command:   baseCmd,
		inStream:  os.Stdin,
		outStream: os.Stdout,
		errStream: os.Stderr,
	}
	for _, o := range opts {
		o(cmd)
	}
	baseCmd.SetOut(cmd.outStream)
	baseCmd.SetErr(cmd.errStream)

	flags := cmd.Flags()
	flags.StringVarP(&cmd.cfg.Address, "address", "a", "127.0.0.1", "Address of the interface the server will listen on.")
	flags.IntVarP(&cmd.cfg.Port, "port", "p", 5000, "Port the server will listen on.")
	flags.StringVar(&cmd.toolsArg, "tools", "", "YAML tools config: a file, a directory, or a comma-separated list of files.")
	flags.StringVar(&cmd.transport, "transport", "", "Transport to serve on: 'stdio' or 'http'.")
	flags.StringVar(&cmd.toolsetsArg, "toolsets", "", "Comma-separated toolset names; only their tools are registered.")
	flags.BoolVar(&cmd.listToolsets, "list-toolsets", false, "Print the configured toolsets and exit.")
	flags.Var(&cmd.cfg.LogLevel, "log-level", "Specify the minimum level logged. Allowed: 'DEBUG', 'INFO', 'WARN', 'ERROR'.")
	flags.Var(&cmd.cfg.LoggingFormat, "logging-format", "Specify logging format to use. Allowed: 'standard' or 'JSON'.")
	flags.StringVar(&cmd.cfg.TelemetryOTLP, "telemetry-otlp", "", "Enable OTLP export to the specified endpoint (e.g. 'http://127.0.0.1:4318').")
	flags.StringVar(&cmd.cfg.TelemetryServiceName, "telemetry-service-name", "", "Override the service.name resource attribute.")
	flags.BoolVar(&cmd.cfg.DisableReload, "disable-reload", false, "Disable dynamic reloading of the tools files.")

	cmd.RunE = func(*cobra.Command, []string) error { return run(cmd) }
	return cmd
}

// applyEnv folds the recognized environment variables into the config;
// flags win where both are present.
func applyEnv(cmd *Command) {
	if cmd.toolsArg == "" {
		cmd.toolsArg = os.Getenv("TOOLS_YAML_PATH")
	}
	if cmd.toolsArg == "" {
		cmd.toolsArg = "tools.yaml"
	}
	if cmd.transport == "" {
		cmd.transport = os.Getenv("MCP_TRANSPORT_TYPE")
	}
	if cmd.transport == "" {
		cmd.transport = "http"
	}
	if lvl := os.Getenv("MCP_LOG_LEVEL"); lvl != "" && cmd.cfg.LogLevel.String() == "info" {
		_ = cmd.cfg.LogLevel.Set(lvl)
	}

	cmd.cfg.Development = os.Getenv("ENVIRONMENT") != "production"

	cmd.cfg.RateLimit = server.RateLimitConfig{
		Enabled:     envBool("MCP_RATE_LIMIT_ENABLED", false),
		MaxRequests: envInt("MCP_RATE_LIMIT_MAX_REQUESTS", 0),
		WindowMs:    envInt("MCP_RATE_LIMIT_WINDOW_MS", 0),
		SkipDev:     envBool("MCP_RATE_LIMIT_SKIP_DEV", false),
	}

	cmd.cfg.AuthEnabled = envBool("IBMI_AUTH_ENABLED", false)
	cmd.cfg.AuthAllowHTTP = envBool("IBMI_AUTH_ALLOW_HTTP", false)
	cmd.cfg.AuthKeyDir = os.Getenv("IBMI_AUTH_KEY_DIR")
	cmd.cfg.AuthTokenExpirySeconds = envInt("IBMI_AUTH_TOKEN_EXPIRY_SECONDS", 3600)
	cmd.cfg.AuthMaxSessions = envInt("IBMI_AUTH_MAX_SESSIONS", 0)
	cmd.cfg.EnableExecuteSQL = envBool("IBMI_ENABLE_EXECUTE_SQL", false)
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// resolveToolsFiles expands the --tools argument into the list of YAML
// files to load.
func resolveToolsFiles(arg string) ([]string, error) {
	if strings.Contains(arg, ",") {
		var files []string
		for _, f := range strings.Split(arg, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		return files, nil
	}
	info, err := os.Stat(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to read tools config at %q: %w", arg, err)
	}
	if !info.IsDir() {
		return []string{arg}, nil
	}
	entries, err := os.ReadDir(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to read tools directory %q: %w", arg, err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		files = append(files, filepath.Join(arg, name))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found under %q", arg)
	}
	return files, nil
}

func run(cmd *Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	applyEnv(cmd)
	cmd.cfg.Version = versionString
	cmd.cfg.Stdio = cmd.transport == "stdio"

	// On stdio, stdout carries the protocol; logs must go to files.
	logsPath := os.Getenv("LOGS_PATH")
	switch {
	case cmd.cfg.Stdio && logsPath == "":
		return fmt.Errorf("LOGS_PATH is required for the stdio transport")
	case logsPath != "":
		logger, err := log.NewFileLogger(logsPath, cmd.cfg.LogLevel.String())
		if err != nil {
			return fmt.Errorf("unable to initialize file logger: %w", err)
		}
		cmd.logger = logger
	case strings.ToLower(cmd.cfg.LoggingFormat.String()) == "json":
		logger, err := log.NewStructuredLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		if err != nil {
			return fmt.Errorf("unable to initialize logger: %w", err)
		}
		cmd.logger = logger
	default:
		logger, err := log.NewStdLogger(cmd.outStream, cmd.errStream, cmd.cfg.LogLevel.String())
		if err != nil {
			return fmt.Errorf("unable to initialize logger: %w", err)
		}
		cmd.logger = logger
	}

	ctx = util.WithLogger(ctx, cmd.logger)
	ctx = util.WithUserAgent(ctx, versionString)

	// Set up OpenTelemetry
	otelShutdown, err := telemetry.SetupOTel(ctx, versionString, cmd.cfg.TelemetryOTLP, cmd.cfg.TelemetryServiceName)
	if err != nil {
		errMsg := fmt.Errorf("error setting up OpenTelemetry: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			cmd.logger.ErrorContext(ctx, "error shutting down OpenTelemetry: %v", err)
		}
	}()

	instr, err := telemetry.CreateTelemetryInstrumentation(versionString)
	if err != nil {
		errMsg := fmt.Errorf("unable to create telemetry instrumentation: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	ctx = util.WithInstrumentation(ctx, instr)

	files, err := resolveToolsFiles(cmd.toolsArg)
	if err != nil {
		cmd.logger.ErrorContext(ctx, err.Error())
		return err
	}
	var parsed server.ParsingResult
	for _, f := range files {
		buf, err := os.ReadFile(f)
		if err != nil {
			errMsg := fmt.Errorf("unable to read tools file at %q: %w", f, err)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		server.ParseToolsFile(ctx, buf, &parsed)
	}
	for _, name := range parsed.Unresolved {
		cmd.logger.DebugContext(ctx, "environment variable %q is unset; ${%s} left as-is", name, name)
	}
	if err := parsed.Err(); err != nil {
		errMsg := fmt.Errorf("unable to parse tools config: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	cmd.cfg.SourceConfigs = parsed.Sources
	cmd.cfg.ToolConfigs = parsed.Tools
	cmd.cfg.ToolsetConfigs = parsed.Toolsets
	cmd.cfg.ToolsFiles = files

	// DB2i_IGNORE_UNAUTHORIZED=true disables TLS verification on every
	// declared source (development only).
	if envBool("DB2i_IGNORE_UNAUTHORIZED", false) {
		for name, sc := range cmd.cfg.SourceConfigs {
			if c, ok := sc.(db2i.Config); ok {
				c.IgnoreUnauthorized = true
				cmd.cfg.SourceConfigs[name] = c
			}
		}
	}

	if cmd.listToolsets {
		return printToolsets(cmd)
	}

	if cmd.toolsetsArg != "" {
		for _, name := range strings.Split(cmd.toolsetsArg, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cmd.cfg.ToolsetFilter = append(cmd.cfg.ToolsetFilter, name)
			}
		}
	}

	// Built-in tools: the describer joins every toolset; execute_sql
	// only registers when explicitly enabled.
	cmd.cfg.GlobalTools = builtinTools(&cmd.cfg)

	s, err := server.NewServer(ctx, cmd.cfg, cmd.logger, instr)
	if err != nil {
		errMsg := fmt.Errorf("toolbox failed to start with the following error: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}

	// SIGINT/SIGTERM drain in-flight work then exit 0.
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd.cfg.Stdio {
		cmd.logger.InfoContext(ctx, "Serving MCP on stdio")
		err = s.ServeStdio(signalCtx, cmd.inStream, cmd.outStream)
	} else {
		listener, lerr := s.Listen(ctx)
		if lerr != nil {
			errMsg := fmt.Errorf("toolbox failed to mount listener: %w", lerr)
			cmd.logger.ErrorContext(ctx, errMsg.Error())
			return errMsg
		}
		cmd.logger.InfoContext(ctx, "Server ready to serve on %s:%d", cmd.cfg.Address, cmd.cfg.Port)
		serveErr := make(chan error, 1)
		go func() { serveErr <- s.Serve(signalCtx, listener) }()
		select {
		case err = <-serveErr:
		case <-signalCtx.Done():
			cmd.logger.InfoContext(ctx, "shutdown signal received, draining")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		cmd.logger.WarnContext(ctx, "shutdown error: %v", serr)
	}

	if err != nil {
		errMsg := fmt.Errorf("toolbox crashed with the following error: %w", err)
		cmd.logger.ErrorContext(ctx, errMsg.Error())
		return errMsg
	}
	return nil
}

// printToolsets renders the configured toolsets for --list-toolsets.
func printToolsets(cmd *Command) error {
	names := make([]string, 0, len(cmd.cfg.ToolsetConfigs))
	for name := range cmd.cfg.ToolsetConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(cmd.outStream, "no toolsets configured")
		return nil
	}
	for _, name := range names {
		tc := cmd.cfg.ToolsetConfigs[name]
		title := tc.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(cmd.outStream, "%s\t%s\t%d tool(s)\n", name, title, len(tc.ToolNames))
	}
	return nil
}
