// Copyright 2025 Market Spine Authors
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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "spine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesCoreTables(t *testing.T) {
	db := openTestDB(t)

	tables := []string{
		"core_manifest",
		"core_quality",
		"core_rejects",
		"core_anomalies",
		"core_data_readiness",
		"core_work_items",
		"core_workflow_checkpoints",
	}
	for _, table := range tables {
		var name string
		err := db.SQL().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpen_IdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spine.db")

	db1, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(Config{Path: path})
	require.NoError(t, err)
	assert.NoError(t, db2.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, insErr := tx.ExecContext(ctx, `INSERT INTO core_anomalies
			(domain, severity, category, message, detected_at)
			VALUES ('finra', 'ERROR', 'TRANSIENT', 'source 503', 1)`)
		require.NoError(t, insErr)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM core_anomalies").Scan(&n))
	assert.Equal(t, 0, n, "rolled-back insert must not persist")
}

func TestReplaceCapture_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().Exec(`CREATE TABLE otc_volumes (
		capture_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		shares INTEGER NOT NULL
	)`)
	require.NoError(t, err)

	columns := []string{"capture_id", "symbol", "shares"}
	capture := `finra:{"tier":"T1","week_ending":"2025-12-26"}:20251229`
	rows := [][]any{
		{capture, "AAPL", 1000},
		{capture, "MSFT", 2000},
	}

	n, err := db.ReplaceCapture(ctx, "otc_volumes", capture, columns, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replaying the same rows leaves the table unchanged in size.
	n, err = db.ReplaceCapture(ctx, "otc_volumes", capture, columns, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := db.CountByCapture(ctx, "otc_volumes", capture)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestReplaceCapture_ScopedToCapture(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.SQL().Exec(`CREATE TABLE otc_volumes (
		capture_id TEXT NOT NULL,
		symbol TEXT NOT NULL
	)`)
	require.NoError(t, err)

	columns := []string{"capture_id", "symbol"}
	monday := `finra:{"week_ending":"2025-12-26"}:20251229`
	tuesday := `finra:{"week_ending":"2025-12-26"}:20251230`

	_, err = db.ReplaceCapture(ctx, "otc_volumes", monday, columns, [][]any{{monday, "AAPL"}})
	require.NoError(t, err)
	_, err = db.ReplaceCapture(ctx, "otc_volumes", tuesday, columns, [][]any{{tuesday, "AAPL"}, {tuesday, "MSFT"}})
	require.NoError(t, err)

	// Monday's capture coexists with Tuesday's.
	mondayCount, err := db.CountByCapture(ctx, "otc_volumes", monday)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mondayCount)

	tuesdayCount, err := db.CountByCapture(ctx, "otc_volumes", tuesday)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tuesdayCount)

	// Replacing Tuesday again does not touch Monday.
	_, err = db.ReplaceCapture(ctx, "otc_volumes", tuesday, columns, [][]any{{tuesday, "TSLA"}})
	require.NoError(t, err)

	mondayCount, err = db.CountByCapture(ctx, "otc_volumes", monday)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mondayCount)
}

func TestReplaceCapture_RejectsBadIdentifiers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ReplaceCapture(ctx, "otc; DROP TABLE x", "c", []string{"capture_id"}, nil)
	require.Error(t, err)

	_, err = db.ReplaceCapture(ctx, "otc_volumes", "c", []string{"capture_id", "bad col"}, nil)
	require.Error(t, err)

	_, err = db.ReplaceCapture(ctx, "otc_volumes", "c", []string{"symbol"}, nil)
	require.Error(t, err, "capture_id column is mandatory")
}
