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

package server_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ibmi-community/db2i-toolbox/internal/auth/tokens"
	"github.com/ibmi-community/db2i-toolbox/internal/server"
	"github.com/ibmi-community/db2i-toolbox/internal/telemetry"
	"github.com/ibmi-community/db2i-toolbox/internal/testutils"
)

// writeKeyPair persists a PKCS#1 private key PEM under dir and returns
// the public half for sealing.
func writeKeyPair(t *testing.T, dir, name string) *rsa.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(filepath.Join(dir, name+".pem"), pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %s", err)
	}
	return &key.PublicKey
}

func sealAuthEnvelope(t *testing.T, pub *rsa.PublicKey, keyID string, payload map[string]any) tokens.Envelope {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		t.Fatalf("session key: %s", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		t.Fatalf("wrap: %s", err)
	}
	block, _ := aes.NewCipher(sessionKey)
	gcm, _ := cipher.NewGCM(block)
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("iv: %s", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return tokens.Envelope{
		KeyID:               keyID,
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:                  base64.StdEncoding.EncodeToString(iv),
		AuthTag:             base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Ciphertext:          base64.StdEncoding.EncodeToString(sealed[:tagStart]),
	}
}

func newAuthServer(t *testing.T) (*httptest.Server, *rsa.PublicKey) {
	t.Helper()
	keyDir := t.TempDir()
	pub := writeKeyPair(t, keyDir, "primary")

	var buf bytes.Buffer
	logger, err := testutils.NewLogger(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	instr, err := telemetry.CreateTelemetryInstrumentation("test")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	cfg := server.ServerConfig{
		Version:                "test",
		DisableReload:          true,
		AuthEnabled:            true,
		AuthAllowHTTP:          true,
		AuthKeyDir:             keyDir,
		AuthTokenExpirySeconds: 3600,
		Development:            true,
	}
	s, err := server.NewServer(context.Background(), cfg, logger, instr)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, pub
}

func postAuth(t *testing.T, ts *httptest.Server, env tokens.Envelope) *http.Response {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %s", err)
	}
	resp, err := ts.Client().Post(ts.URL+"/api/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthIssuesToken(t *testing.T) {
	ts, pub := newAuthServer(t)
	env := sealAuthEnvelope(t, pub, "primary", map[string]any{
		"credentials": map[string]any{"username": "TESTUSER", "password": "secret"},
		"request":     map[string]any{"host": "ibmi.example.com", "duration": 3600, "poolstart": 2, "poolmax": 10},
	})

	resp := postAuth(t, ts, env)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if payload["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", payload["token_type"])
	}
	if payload["expires_in"].(float64) != 3600 {
		t.Errorf("expires_in = %v", payload["expires_in"])
	}
	token, _ := payload["access_token"].(string)
	if len(token) < 40 {
		t.Fatalf("access_token looks wrong: %q", token)
	}

	// revocation cascades; a second revoke is unauthorized
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/auth", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	del, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("revoke status = %d, want 204", del.StatusCode)
	}
	again, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusUnauthorized {
		t.Errorf("second revoke status = %d, want 401", again.StatusCode)
	}
}

func TestAuthRejectsPoolBounds(t *testing.T) {
	ts, pub := newAuthServer(t)
	env := sealAuthEnvelope(t, pub, "primary", map[string]any{
		"credentials": map[string]any{"username": "TESTUSER", "password": "secret"},
		"request":     map[string]any{"host": "ibmi.example.com", "duration": 3600, "poolstart": 20, "poolmax": 10},
	})
	resp := postAuth(t, ts, env)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for poolstart > poolmax", resp.StatusCode)
	}
}

func TestAuthRejectsGarbageEnvelope(t *testing.T) {
	ts, _ := newAuthServer(t)
	resp := postAuth(t, ts, tokens.Envelope{KeyID: "primary"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuthRejectsBadDuration(t *testing.T) {
	ts, pub := newAuthServer(t)
	env := sealAuthEnvelope(t, pub, "primary", map[string]any{
		"credentials": map[string]any{"username": "TESTUSER", "password": "secret"},
		"request":     map[string]any{"host": "ibmi.example.com", "duration": 90000},
	})
	resp := postAuth(t, ts, env)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for duration above the ceiling", resp.StatusCode)
	}
}
