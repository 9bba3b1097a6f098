// Copyright 2025 the db2i-toolbox authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	yaml "github.com/goccy/go-yaml"
	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
)

// DecodeJSON decodes a reader into v. JSON numbers parse to
// json.Number instead of float64 so ints survive the trip.
func DecodeJSON(r io.Reader, v interface{}) error {
	defer io.Copy(io.Discard, r) //nolint:errcheck
	d := json.NewDecoder(r)
	d.UseNumber()
	return d.Decode(v)
}

// ConvertNumbers traverses data and converts all json.Number instances
// to int64 or float64.
func ConvertNumbers(data any) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			converted, err := ConvertNumbers(val)
			if err != nil {
				return nil, err
			}
			v[key] = converted
		}
		return v, nil
	case []any:
		for i, val := range v {
			converted, err := ConvertNumbers(val)
			if err != nil {
				return nil, err
			}
			v[i] = converted
		}
		return v, nil
	case json.Number:
		if strings.Contains(v.String(), ".") {
			return v.Float64()
		}
		return v.Int64()
	default:
		return data, nil
	}
}

// NewStrictDecoder returns a YAML decoder over v that rejects unknown
// fields and runs struct-tag validation.
func NewStrictDecoder(v interface{}) (*yaml.Decoder, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fail to marshal %q: %w", v, err)
	}
	dec := yaml.NewDecoder(
		bytes.NewReader(b),
		yaml.Strict(),
		yaml.Validator(validator.New()),
	)
	return dec, nil
}

// envVarRe matches ${VAR} interpolation sites.
var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// InterpolateEnv substitutes ${VAR} with the process environment
// snapshot. Unresolved variables pass through literally; callers log
// them at debug via the returned list.
func InterpolateEnv(raw []byte) ([]byte, []string) {
	var unresolved []string
	out := envVarRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envVarRe.FindSubmatch(m)[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		unresolved = append(unresolved, name)
		return m
	})
	return out, unresolved
}

// redactedFields is the deny-list applied to diagnostic payloads
// before they are logged.
var redactedFields = []string{"password", "token", "apiKey", "authorization", "cookie"}

// Redact returns a copy of m with denied keys replaced.
func Redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
		for _, denied := range redactedFields {
			if strings.EqualFold(k, denied) {
				out[k] = "[REDACTED]"
				break
			}
		}
	}
	return out
}

// AnonymizeToken renders a bearer token safe for logs: the first ten
// characters and an ellipsis.
func AnonymizeToken(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "…"
}

type contextKey string

const userAgentKey contextKey = "userAgent"

// WithUserAgent adds a user agent into the context as a value.
func WithUserAgent(ctx context.Context, versionString string) context.Context {
	return context.WithValue(ctx, userAgentKey, "db2i-toolbox/"+versionString)
}

// UserAgentFromContext retrieves the user agent or returns an error.
func UserAgentFromContext(ctx context.Context) (string, error) {
	if ua := ctx.Value(userAgentKey); ua != nil {
		return ua.(string), nil
	}
	return "", fmt.Errorf("unable to retrieve user agent")
}

const loggerKey contextKey = "logger"

// WithLogger adds a logger into the context as a value.
func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the logger or returns an error.
func LoggerFromContext(ctx context.Context) (log.Logger, error) {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger, nil
	}
	return nil, fmt.Errorf("unable to retrieve logger")
}

const instrumentationKey contextKey = "instrumentation"

// WithInstrumentation adds an instrumentation into the context as a value.
func WithInstrumentation(ctx context.Context, instrumentation *telemetry.Instrumentation) context.Context {
	return context.WithValue(ctx, instrumentationKey, instrumentation)
}

// InstrumentationFromContext retrieves the instrumentation or returns
// an error.
func InstrumentationFromContext(ctx context.Context) (*telemetry.Instrumentation, error) {
	if instrumentation, ok := ctx.Value(instrumentationKey).(*telemetry.Instrumentation); ok {
		return instrumentation, nil
	}
	return nil, fmt.Errorf("unable to retrieve instrumentation")
}

const requestIDKey contextKey = "requestID"

// WithRequestID tags the context with the per-request correlation id.
// Every log record emitted while serving the request carries it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

const authTokenKey contextKey = "ibmiToken"

// WithAuthToken records the request's bearer token on the context.
// The invocation runtime routes to the per-token pool when present.
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey, token)
}

// AuthTokenFromContext retrieves the bearer token, or "".
func AuthTokenFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(authTokenKey).(string); ok {
		return t
	}
	return ""
}
