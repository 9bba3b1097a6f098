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

package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Envelope is the encrypted credential payload accepted by the auth
// endpoint. The session key is wrapped for one of the server's key
// pairs; the credentials travel AEAD-sealed under that session key.
type Envelope struct {
	KeyID               string `json:"keyId"`
	EncryptedSessionKey string `json:"encryptedSessionKey"`
	IV                  string `json:"iv"`
	AuthTag             string `json:"authTag"`
	Ciphertext          string `json:"ciphertext"`
}

// validate checks every field is present and non-empty.
func (e Envelope) validate() error {
	missing := []string{}
	for name, v := range map[string]string{
		"keyId":               e.KeyID,
		"encryptedSessionKey": e.EncryptedSessionKey,
		"iv":                  e.IV,
		"authTag":             e.AuthTag,
		"ciphertext":          e.Ciphertext,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AuthRequest is the decrypted envelope content.
type AuthRequest struct {
	Credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
	Request struct {
		Host      string `json:"host"`
		Duration  int    `json:"duration,omitempty"`
		PoolStart int    `json:"poolstart,omitempty"`
		PoolMax   int    `json:"poolmax,omitempty"`
	} `json:"request"`
}

func (r *AuthRequest) validate() error {
	if strings.TrimSpace(r.Credentials.Username) == "" {
		return fmt.Errorf("credentials.username is required")
	}
	if strings.TrimSpace(r.Credentials.Password) == "" {
		return fmt.Errorf("credentials.password is required")
	}
	if strings.TrimSpace(r.Request.Host) == "" {
		return fmt.Errorf("request.host is required")
	}
	return nil
}

// KeyRing holds the server's private key pairs, keyed by the file stem
// the client names in keyId.
type KeyRing struct {
	keys map[string]*rsa.PrivateKey
}

// LoadKeyRing reads every *.pem private key under dir.
func LoadKeyRing(dir string) (*KeyRing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to read key directory %q: %w", dir, err)
	}
	ring := &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("unable to read key %q: %w", entry.Name(), err)
		}
		key, err := parsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unable to parse key %q: %w", entry.Name(), err)
		}
		ring.keys[strings.TrimSuffix(entry.Name(), ".pem")] = key
	}
	if len(ring.keys) == 0 {
		return nil, fmt.Errorf("no private keys found under %q", dir)
	}
	return ring, nil
}

// NewKeyRing builds a ring from in-memory keys (test injection).
func NewKeyRing(keys map[string]*rsa.PrivateKey) *KeyRing {
	return &KeyRing{keys: keys}
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return key, nil
}

// Open validates and decrypts an envelope: RSA-OAEP unwraps the AES
// session key under the named key pair, then AES-256-GCM opens the
// payload under iv/authTag.
func (r *KeyRing) Open(env Envelope) (*AuthRequest, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	priv, ok := r.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown keyId %q", env.KeyID)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedSessionKey)
	if err != nil {
		return nil, fmt.Errorf("encryptedSessionKey is not valid base64")
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to unwrap session key")
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("authTag is not valid base64")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64")
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("session key is not a valid AES key")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("unable to construct AEAD: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("envelope decryption failed")
	}

	var req AuthRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return nil, fmt.Errorf("decrypted payload is not valid JSON: %w", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
