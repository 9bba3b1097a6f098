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

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the tracer/meter scope for the toolbox.
	InstrumentationName = "github.com/ibmi-community/db2i-toolbox/internal/telemetry"

	toolInvokeCountName  = "db2i_toolbox.server.tool.invoke.count"
	toolInvokeErrorName  = "db2i_toolbox.server.tool.invoke.error.count"
	invokeLatencyName    = "db2i_toolbox.server.tool.invoke.latency"
	mcpRequestCountName  = "db2i_toolbox.server.mcp.request.count"
	authSessionGaugeName = "db2i_toolbox.server.auth.session.active"
)

// Instrumentation bundles the tracer and custom metrics carried
// through request contexts.
type Instrumentation struct {
	Tracer trace.Tracer

	ToolInvokeCounter metric.Int64Counter
	ToolInvokeErrors  metric.Int64Counter
	InvokeLatency     metric.Float64Histogram
	McpRequestCounter metric.Int64Counter
	AuthSessionUpDown metric.Int64UpDownCounter
}

// CreateTelemetryInstrumentation builds the tracer and custom metrics
// for the given release.
func CreateTelemetryInstrumentation(versionString string) (*Instrumentation, error) {
	tracer := otel.Tracer(InstrumentationName, trace.WithInstrumentationVersion(versionString))
	meter := otel.Meter(InstrumentationName, metric.WithInstrumentationVersion(versionString))

	toolInvokeCounter, err := meter.Int64Counter(
		toolInvokeCountName,
		metric.WithDescription("Number of tool invocations."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s metric: %w", toolInvokeCountName, err)
	}
	toolInvokeErrors, err := meter.Int64Counter(
		toolInvokeErrorName,
		metric.WithDescription("Number of failed tool invocations."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s metric: %w", toolInvokeErrorName, err)
	}
	invokeLatency, err := meter.Float64Histogram(
		invokeLatencyName,
		metric.WithDescription("Latency of tool invocations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s metric: %w", invokeLatencyName, err)
	}
	mcpRequestCounter, err := meter.Int64Counter(
		mcpRequestCountName,
		metric.WithDescription("Number of MCP requests served."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s metric: %w", mcpRequestCountName, err)
	}
	authSessions, err := meter.Int64UpDownCounter(
		authSessionGaugeName,
		metric.WithDescription("Number of live authenticated sessions."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s metric: %w", authSessionGaugeName, err)
	}

	return &Instrumentation{
		Tracer:            tracer,
		ToolInvokeCounter: toolInvokeCounter,
		ToolInvokeErrors:  toolInvokeErrors,
		InvokeLatency:     invokeLatency,
		McpRequestCounter: mcpRequestCounter,
		AuthSessionUpDown: authSessions,
	}, nil
}
