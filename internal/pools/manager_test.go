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

package pools_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ibmi-community/db2i-toolbox/internal/auth/tokens"
	"github.com/ibmi-community/db2i-toolbox/internal/pools"
	"github.com/ibmi-community/db2i-toolbox/internal/testutils"
	"go.opentelemetry.io/otel"
)

var testCreds = tokens.IBMiCredentials{Host: "ibmi.example.com", User: "TESTUSER", Password: "secret"}

func newTestManager(t *testing.T) (*pools.Manager, *tokens.Manager) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := testutils.NewLogger(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	tm := tokens.NewManager(0, nil)
	return pools.NewManager(tm, otel.Tracer("test"), logger), tm
}

func issue(t *testing.T, tm *tokens.Manager) string {
	t.Helper()
	s, err := tm.IssueToken(testCreds, 3600, 2, 10)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	return s.Token
}

func TestCreatePoolBounds(t *testing.T) {
	m, tm := newTestManager(t)
	token := issue(t, tm)

	tcs := []struct {
		name    string
		start   int
		max     int
		wantErr bool
	}{
		{"defaults", 0, 0, false},
		{"start equals max", 10, 10, false},
		{"start above max", 11, 10, true},
		{"start above ceiling", 51, 100, true},
		{"max above ceiling", 1, 101, true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			mgr, tmgr := newTestManager(t)
			tok := issue(t, tmgr)
			err := mgr.CreatePool(tok, testCreds, tc.start, tc.max)
			if tc.wantErr && err == nil {
				t.Errorf("expected rejection for start=%d max=%d", tc.start, tc.max)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %s", err)
			}
		})
	}

	if err := m.CreatePool(token, testCreds, 2, 10); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.CreatePool(token, testCreds, 2, 10); err == nil {
		t.Error("expected duplicate-pool rejection")
	}
}

func TestExecuteQueryRejectsInvalidToken(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.ExecuteQuery(context.Background(), "bogus-token", "SELECT 1 FROM sysibm.sysdummy1", nil, nil)
	if err == nil {
		t.Fatal("expected token validation failure")
	}
	if !strings.Contains(err.Error(), "token") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestRemovePool(t *testing.T) {
	m, tm := newTestManager(t)
	token := issue(t, tm)
	if err := m.CreatePool(token, testCreds, 1, 5); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if !m.RemovePool(token) {
		t.Error("expected removal to succeed")
	}
	if m.RemovePool(token) {
		t.Error("second removal should report false")
	}
	if m.PoolCount() != 0 {
		t.Errorf("poolCount = %d, want 0", m.PoolCount())
	}
}

func TestCleanupExpiredPools(t *testing.T) {
	m, tm := newTestManager(t)

	live := issue(t, tm)
	dead := issue(t, tm)
	if err := m.CreatePool(live, testCreds, 1, 5); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := m.CreatePool(dead, testCreds, 1, 5); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	tm.Remove(dead)
	if removed := m.CleanupExpiredPools(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if m.PoolCount() != 1 {
		t.Errorf("poolCount = %d, want 1", m.PoolCount())
	}
}

func TestStatsAnonymizeToken(t *testing.T) {
	m, tm := newTestManager(t)
	token := issue(t, tm)
	if err := m.CreatePool(token, testCreds, 2, 10); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected one pool, got %d", len(stats))
	}
	s := stats[0]
	if s.User != "TESTUSER" || s.Host != "ibmi.example.com" || s.MaxSize != 10 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if strings.Contains(s.TokenPrefix, token) || len(s.TokenPrefix) > 14 {
		t.Errorf("token must be anonymized, got %q", s.TokenPrefix)
	}
}
