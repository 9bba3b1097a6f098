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

// Package db2i provides the Db2 for i source: a lazily-dialed
// connection pool over the IBM database/sql driver, with the query
// surface the toolbox tools execute through.
package db2i

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	yaml "github.com/goccy/go-yaml"
	_ "github.com/ibmdb/go_ibm_db"
	"github.com/ibmi-community/db2i-toolbox/internal/sources"
	"go.opentelemetry.io/otel/trace"
)

const SourceKind string = "db2i"

// Pool sizing and init bounds.
const (
	DefaultStartingSize = 2
	DefaultMaxSize      = 10
	MaxStartingSize     = 50
	MaxPoolSize         = 100
	DefaultInitTimeout  = 30 * time.Second
	DefaultFetchSize    = 300
)

// validate interface
var _ sources.SourceConfig = Config{}

func init() {
	if !sources.Register(SourceKind, newConfig) {
		panic(fmt.Sprintf("source kind %q already registered", SourceKind))
	}
}

func newConfig(ctx context.Context, name string, decoder *yaml.Decoder) (sources.SourceConfig, error) {
	actual := Config{Name: name}
	if err := decoder.DecodeContext(ctx, &actual); err != nil {
		return nil, err
	}
	return actual, nil
}

// Config is a Db2 for i endpoint declaration. Immutable after YAML
// load.
type Config struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"required"`
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	// IgnoreUnauthorized disables TLS server verification (development
	// only).
	IgnoreUnauthorized bool `yaml:"ignore-unauthorized"`
	StartingSize       int  `yaml:"startingSize"`
	MaxSize            int  `yaml:"maxSize"`
}

func (c Config) SourceConfigKind() string {
	return SourceKind
}

// Initialize builds the source handle. The pool itself dials lazily on
// first query so a server with many declared sources starts fast and
// an unreachable host surfaces on use, not boot.
func (c Config) Initialize(ctx context.Context, tracer trace.Tracer) (sources.Source, error) {
	if c.StartingSize == 0 {
		c.StartingSize = DefaultStartingSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if err := ValidatePoolSizes(c.StartingSize, c.MaxSize); err != nil {
		return nil, err
	}
	return &Source{Name: c.Name, Kind: SourceKind, Config: c, tracer: tracer}, nil
}

// ValidatePoolSizes enforces the admission bounds shared by declared
// sources and per-token pools.
func ValidatePoolSizes(startingSize, maxSize int) error {
	if startingSize <= 0 || startingSize > MaxStartingSize {
		return fmt.Errorf("startingSize %d out of range (1..%d)", startingSize, MaxStartingSize)
	}
	if maxSize <= 0 || maxSize > MaxPoolSize {
		return fmt.Errorf("maxSize %d out of range (1..%d)", maxSize, MaxPoolSize)
	}
	if startingSize > maxSize {
		return fmt.Errorf("startingSize %d exceeds maxSize %d", startingSize, maxSize)
	}
	return nil
}

var _ sources.Source = &Source{}

// Source is a live Db2 for i endpoint with a lazily-initialized pool.
type Source struct {
	Name   string
	Kind   string
	Config Config

	tracer trace.Tracer

	mu      sync.Mutex
	db      *sql.DB
	initErr error
	// initing is non-nil while a dial is in flight; concurrent callers
	// wait on it so exactly one dial runs per attempt. A failed dial
	// clears it, re-arming lazy init for a later call.
	initing chan struct{}

	// openPool is a test seam over the driver dial.
	openPool func(ctx context.Context) (*sql.DB, error)
}

func (s *Source) SourceKind() string {
	return SourceKind
}

// dsn renders the driver connection string.
func (s *Source) dsn() string {
	port := s.Config.Port
	if port == "" {
		port = "446"
	}
	parts := []string{
		"HOSTNAME=" + s.Config.Host,
		"DATABASE=*LOCAL",
		"PORT=" + port,
		"UID=" + s.Config.User,
		"PWD=" + s.Config.Password,
	}
	if !s.Config.IgnoreUnauthorized {
		parts = append(parts, "Security=SSL")
	}
	return strings.Join(parts, ";")
}

// Pool returns the pool, dialing it on first use. Initialization is
// idempotent and serialized per source: concurrent first callers share
// one dial, and a caller whose context expires while waiting fails
// without cancelling the dial for the others.
func (s *Source) Pool(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	if s.db != nil {
		db := s.db
		s.mu.Unlock()
		return db, nil
	}
	if s.initing == nil {
		s.initing = make(chan struct{})
		go s.dial(s.initing)
	}
	waiting := s.initing
	s.mu.Unlock()

	select {
	case <-waiting:
	case <-ctx.Done():
		return nil, fmt.Errorf("pool initialization timed out for source %q: %w", s.Name, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return nil, s.initErr
	}
	return s.db, nil
}

// dial opens the pool with bounded exponential retry, then publishes
// the outcome.
func (s *Source) dial(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultInitTimeout)
	defer cancel()

	ctx, span := sources.InitConnectionSpan(ctx, s.tracer, SourceKind, s.Name)
	defer span.End()

	open := s.openPool
	if open == nil {
		open = s.openDriverPool
	}
	db, err := backoff.Retry(ctx,
		func() (*sql.DB, error) { return open(ctx) },
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(DefaultInitTimeout))

	s.mu.Lock()
	if err != nil {
		s.initErr = fmt.Errorf("unable to connect to source %q: %w", s.Name, err)
	} else {
		s.db = db
		s.initErr = nil
	}
	s.initing = nil
	s.mu.Unlock()
	close(done)
}

func (s *Source) openDriverPool(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("go_ibm_db", s.dsn())
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	db.SetMaxOpenConns(s.Config.MaxSize)
	db.SetMaxIdleConns(s.Config.StartingSize)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Ping verifies the pool is healthy.
func (s *Source) Ping(ctx context.Context) error {
	db, err := s.Pool(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close terminates the pool and releases its sockets.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
