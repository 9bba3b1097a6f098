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

// Package db2icommon carries the execution contract shared by every
// Db2 for i tool kind: the source-pool surface, the authenticated-pool
// router, and the routing helpers that pick between them from the
// request context. Declared tools and builtins alike execute through
// these helpers, so a caller holding a bearer token always reaches the
// pool that token owns.
package db2icommon

import (
	"context"

	"github.com/ibmi-community/db2i-toolbox/internal/security"
	"github.com/ibmi-community/db2i-toolbox/internal/sources/db2i"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// Source is the query surface a Db2 for i tool executes through.
type Source interface {
	ExecuteQuery(ctx context.Context, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error)
	ExecuteQueryWithPagination(ctx context.Context, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error)
}

// AuthExecutor routes an invocation carrying a bearer token to the
// pool that token owns. Satisfied by the authenticated pool manager.
type AuthExecutor interface {
	ExecuteQuery(ctx context.Context, token, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error)
	ExecuteQueryWithPagination(ctx context.Context, token, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error)
}

// Execute runs the statement on the caller's authenticated pool when
// the context carries a bearer token and an executor is wired, else on
// the source pool.
func Execute(ctx context.Context, src Source, auth AuthExecutor, sql string, params []any, policy *security.Policy) (*db2i.QueryResult, error) {
	if token := util.AuthTokenFromContext(ctx); token != "" && auth != nil {
		return auth.ExecuteQuery(ctx, token, sql, params, policy)
	}
	return src.ExecuteQuery(ctx, sql, params, policy)
}

// ExecutePaginated is the paginated variant of Execute.
func ExecutePaginated(ctx context.Context, src Source, auth AuthExecutor, sql string, params []any, policy *security.Policy, fetchSize int) (*db2i.QueryResult, error) {
	if token := util.AuthTokenFromContext(ctx); token != "" && auth != nil {
		return auth.ExecuteQueryWithPagination(ctx, token, sql, params, policy, fetchSize)
	}
	return src.ExecuteQueryWithPagination(ctx, sql, params, policy, fetchSize)
}
