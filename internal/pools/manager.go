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

// Package pools manages the per-token authenticated connection pools.
// Each bearer token owns one Db2 for i pool built from the decrypted
// session credentials; expiry cascades from the token manager to the
// pool.
package pools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ibmi-community/db2i-toolbox/internal/auth/tokens"
	"github.com/ibmi-community/db2i-toolbox/internal/log"
	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
	"go.opentelemetry.io/otel/trace"
)

// CleanupInterval is the default cadence of the expired-pool reaper.
const CleanupInterval = 60 * time.Second

// PoolStats reports one authenticated pool for diagnostics. The token
// never appears; only its anonymized prefix does.
type PoolStats struct {
	TokenPrefix string `json:"tokenPrefix"`
	Host        string `json:"host"`
	User        string `json:"user"`
	MaxSize     int    `json:"maxSize"`
}

// Manager holds the token-keyed pools. Lookups dominate; the map is
// guarded by a RWMutex with the reaper as the only scheduled writer.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*db2i.Source
	creds map[string]tokens.IBMiCredentials

	tokens *tokens.Manager
	tracer trace.Tracer
	logger log.Logger
}

// NewManager builds the authenticated pool manager over the token
// manager.
func NewManager(tm *tokens.Manager, tracer trace.Tracer, logger log.Logger) *Manager {
	return &Manager{
		pools:  make(map[string]*db2i.Source),
		creds:  make(map[string]tokens.IBMiCredentials),
		tokens: tm,
		tracer: tracer,
		logger: logger,
	}
}

// CreatePool builds and registers the pool owned by token. Size bounds
// are validated before anything is recorded; credentials are kept in a
// side map for stat reporting.
func (m *Manager) CreatePool(token string, creds tokens.IBMiCredentials, startingSize, maxSize int) error {
	if startingSize == 0 {
		startingSize = db2i.DefaultStartingSize
	}
	if maxSize == 0 {
		maxSize = db2i.DefaultMaxSize
	}
	if err := db2i.ValidatePoolSizes(startingSize, maxSize); err != nil {
		return err
	}

	cfg := db2i.Config{
		Name:               "auth:" + util.AnonymizeToken(token),
		Kind:               db2i.SourceKind,
		Host:               creds.Host,
		User:               creds.User,
		Password:           creds.Password,
		IgnoreUnauthorized: creds.IgnoreUnauthorized,
		StartingSize:       startingSize,
		MaxSize:            maxSize,
	}
	src, err := cfg.Initialize(context.Background(), m.tracer)
	if err != nil {
		return fmt.Errorf("unable to create authenticated pool: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[token]; exists {
		return fmt.Errorf("pool already exists for this token")
	}
	m.pools[token] = src.(*db2i.Source)
	m.creds[token] = creds
	return nil
}

// lookup validates the token then resolves its pool.
func (m *Manager) lookup(token string) (*db2i.Source, *tokens.Session, error) {
	session, err := m.tokens.Validate(token)
	if err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	pool, ok := m.pools[token]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no pool for token")
	}
	return pool, session, nil
}

// ExecuteQuery validates the token, then dispatches to the owned pool.
// The policy rides through to the shared validator call site.
func (m *Manager) ExecuteQuery(ctx context.Context, token, sqlText string, params []any, policy *security.Policy) (*db2i.QueryResult, error) {
	pool, session, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	m.logger.DebugContext(ctx, "executing on authenticated pool %s (user=%s host=%s)",
		util.AnonymizeToken(token), session.Credentials.User, session.Credentials.Host)
	return pool.ExecuteQuery(ctx, sqlText, params, policy)
}

// ExecuteQueryWithPagination is the paginated variant of ExecuteQuery.
func (m *Manager) ExecuteQueryWithPagination(ctx context.Context, token, sqlText string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error) {
	pool, session, err := m.lookup(token)
	if err != nil {
		return nil, err
	}
	m.logger.DebugContext(ctx, "executing paginated on authenticated pool %s (user=%s host=%s)",
		util.AnonymizeToken(token), session.Credentials.User, session.Credentials.Host)
	return pool.ExecuteQueryWithPagination(ctx, sqlText, params, policy, fetchSize)
}

// RemovePool closes the pool and drops the credentials mapping. It
// reports whether a pool existed.
func (m *Manager) RemovePool(token string) bool {
	m.mu.Lock()
	pool, ok := m.pools[token]
	delete(m.pools, token)
	delete(m.creds, token)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := pool.Close(); err != nil {
		m.logger.WarnContext(context.Background(), "error closing pool %s: %v", util.AnonymizeToken(token), err)
	}
	return true
}

// CleanupExpiredPools removes every pool whose token no longer
// validates. Invoked on a timer by StartCleanup; the token reaper
// callback removes pools one at a time through RemovePool.
func (m *Manager) CleanupExpiredPools() int {
	m.mu.RLock()
	candidates := make([]string, 0, len(m.pools))
	for token := range m.pools {
		candidates = append(candidates, token)
	}
	m.mu.RUnlock()

	removed := 0
	for _, token := range candidates {
		if _, err := m.tokens.Validate(token); err != nil {
			if m.RemovePool(token) {
				removed++
			}
		}
	}
	if removed > 0 {
		m.logger.InfoContext(context.Background(), "reaped %d expired authenticated pool(s)", removed)
	}
	return removed
}

// StartCleanup runs CleanupExpiredPools on the interval until ctx
// ends.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpiredPools()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stats reports the live authenticated pools.
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PoolStats, 0, len(m.pools))
	for token, pool := range m.pools {
		creds := m.creds[token]
		out = append(out, PoolStats{
			TokenPrefix: util.AnonymizeToken(token),
			Host:        creds.Host,
			User:        creds.User,
			MaxSize:     pool.Config.MaxSize,
		})
	}
	return out
}

// PoolCount reports the number of live pools.
func (m *Manager) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// CloseAll terminates every pool; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*db2i.Source)
	m.creds = make(map[string]tokens.IBMiCredentials)
	m.mu.Unlock()
	for token, pool := range pools {
		if err := pool.Close(); err != nil {
			m.logger.WarnContext(context.Background(), "error closing pool %s: %v", util.AnonymizeToken(token), err)
		}
	}
}
