//go:build integration

// Copyright 2026 HashBrotherhood Software
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

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags integration ./internal/database/
func TestMigrateFreshDatabase(t *testing.T) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hashmarket",
			"POSTGRES_PASSWORD": "hashmarket",
			"POSTGRES_DB":       "hashmarket",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf(
		"postgres://hashmarket:hashmarket@%s:%s/hashmarket?sslmode=disable",
		host,
		port.Port(),
	)
	db, err := sqlx.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Postgres accepts connections briefly before init finishes, so the
	// listening-port wait is not quite enough on its own
	require.Eventually(
		t,
		func() bool { return db.Ping() == nil },
		30*time.Second,
		500*time.Millisecond,
	)

	require.NoError(t, Migrate(db))
	// A second run must be a no-op
	require.NoError(t, Migrate(db))

	// The platform account is seeded by the schema
	var wallet string
	err = db.Get(
		&wallet,
		"SELECT wallet_address FROM users WHERE wallet_address = $1",
		"platform",
	)
	require.NoError(t, err)
	require.Equal(t, "platform", wallet)

	tables := []string{
		"users",
		"transactions",
		"listings",
		"orders",
		"proxy_sessions",
		"share_logs",
		"hashrate_snapshots",
		"disputes",
	}
	for _, table := range tables {
		var count int
		require.NoError(
			t,
			db.Get(&count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)),
			"table %s should exist",
			table,
		)
	}
}
