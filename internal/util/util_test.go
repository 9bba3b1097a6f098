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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeJSONPreservesIntegers(t *testing.T) {
	var out map[string]any
	if err := DecodeJSON(bytes.NewBufferString(`{"big": 9007199254740993, "small": 1.5}`), &out); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	converted, err := ConvertNumbers(out)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	m := converted.(map[string]any)
	if m["big"] != int64(9007199254740993) {
		t.Errorf("big = %v (%T), want int64", m["big"], m["big"])
	}
	if m["small"] != 1.5 {
		t.Errorf("small = %v (%T), want float64", m["small"], m["small"])
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("UTIL_TEST_HOST", "example.com")
	raw := []byte("host: ${UTIL_TEST_HOST}\nuser: ${UTIL_TEST_MISSING}\n")
	got, unresolved := InterpolateEnv(raw)
	want := "host: example.com\nuser: ${UTIL_TEST_MISSING}\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"UTIL_TEST_MISSING"}, unresolved); diff != "" {
		t.Errorf("unexpected unresolved (-want +got):\n%s", diff)
	}
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"user":          "SVCUSER",
		"password":      "hunter2",
		"Authorization": "Bearer abc",
		"apiKey":        "xyz",
	}
	got := Redact(in)
	if got["user"] != "SVCUSER" {
		t.Errorf("user should survive, got %v", got["user"])
	}
	for _, k := range []string{"password", "Authorization", "apiKey"} {
		if got[k] != "[REDACTED]" {
			t.Errorf("%s = %v, want [REDACTED]", k, got[k])
		}
	}
	if in["password"] != "hunter2" {
		t.Error("Redact must not mutate its input")
	}
}

func TestAnonymizeToken(t *testing.T) {
	if got := AnonymizeToken("abcdefghijKLMNOP"); got != "abcdefghij…" {
		t.Errorf("got %q", got)
	}
	if got := AnonymizeToken("short"); got != "short" {
		t.Errorf("got %q", got)
	}
}

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()

	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("empty context should have no request id, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id = %q", got)
	}

	if got := AuthTokenFromContext(ctx); got != "" {
		t.Errorf("no token expected, got %q", got)
	}
	ctx = WithAuthToken(ctx, "tok")
	if got := AuthTokenFromContext(ctx); got != "tok" {
		t.Errorf("token = %q", got)
	}

	if _, err := LoggerFromContext(context.Background()); err == nil {
		t.Error("expected missing-logger error")
	}
	if _, err := UserAgentFromContext(context.Background()); err == nil {
		t.Error("expected missing-user-agent error")
	}
	ua, err := UserAgentFromContext(WithUserAgent(context.Background(), "1.2.3"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if ua != "db2i-toolbox/1.2.3" {
		t.Errorf("user agent = %q", ua)
	}
}

func TestNewStrictDecoder(t *testing.T) {
	type target struct {
		Name string `yaml:"name" validate:"required"`
	}

	dec, err := NewStrictDecoder(map[string]any{"name": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var ok target
	if err := dec.Decode(&ok); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	dec, err = NewStrictDecoder(map[string]any{"name": "x", "extra": true})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var strict target
	if err := dec.Decode(&strict); err == nil {
		t.Error("expected unknown-field rejection")
	}
}
