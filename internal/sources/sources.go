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

package sources

import (
	"context"
	"fmt"

	yaml "github.com/goccy/go-yaml"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SourceConfigFactory creates and decodes a specific source kind's
// configuration.
type SourceConfigFactory func(ctx context.Context, name string, decoder *yaml.Decoder) (SourceConfig, error)

var sourceRegistry = make(map[string]SourceConfigFactory)

// Register associates a kind string with its config factory. Source
// packages call this from init(). It returns false when the kind was
// already taken.
func Register(kind string, factory SourceConfigFactory) bool {
	if _, exists := sourceRegistry[kind]; exists {
		return false
	}
	sourceRegistry[kind] = factory
	return true
}

// DecodeConfig looks up the registered factory for the given kind and
// uses it to decode the source configuration.
func DecodeConfig(ctx context.Context, kind, name string, decoder *yaml.Decoder) (SourceConfig, error) {
	factory, found := sourceRegistry[kind]
	if !found {
		return nil, fmt.Errorf("unknown source kind: %q", kind)
	}
	sourceConfig, err := factory(ctx, name, decoder)
	if err != nil {
		return nil, fmt.Errorf("unable to parse source %q as kind %q: %w", name, kind, err)
	}
	return sourceConfig, nil
}

// SourceConfig is the interface for configuring a source.
type SourceConfig interface {
	SourceConfigKind() string
	Initialize(ctx context.Context, tracer trace.Tracer) (Source, error)
}

// Source is the interface for the source itself.
type Source interface {
	SourceKind() string
}

// InitConnectionSpan adds a span for database pool initialization.
func InitConnectionSpan(ctx context.Context, tracer trace.Tracer, sourceKind, sourceName string) (context.Context, trace.Span) {
	return tracer.Start(
		ctx,
		"db2i-toolbox/source/connect",
		trace.WithAttributes(attribute.String("source_kind", sourceKind)),
		trace.WithAttributes(attribute.String("source_name", sourceName)),
	)
}
