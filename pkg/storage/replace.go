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
	"fmt"
	"regexp"
	"strings"
)

// identPattern restricts table and column names to plain identifiers.
// Identifiers cannot be bound as parameters, so they are validated
// before interpolation.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// ReplaceCapture deletes every row in table carrying captureID and
// inserts rows in their place, all in one transaction. This is the
// replay discipline for domain output tables: re-runs under the same
// capture are idempotent, other captures are untouched.
//
// columns must include "capture_id"; each row must match columns in
// length and order. Returns the number of rows inserted.
func (d *DB) ReplaceCapture(ctx context.Context, table string, captureID string, columns []string, rows [][]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	hasCapture := false
	for _, col := range columns {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		if col == "capture_id" {
			hasCapture = true
		}
	}
	if !hasCapture {
		return 0, fmt.Errorf("table %s replace requires a capture_id column", table)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	insertStmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ", "), placeholders,
	)

	var inserted int64
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE capture_id = ?", table), captureID,
		); err != nil {
			return fmt.Errorf("delete capture %s from %s: %w", captureID, table, err)
		}

		stmt, err := tx.PrepareContext(ctx, insertStmt)
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", table, err)
		}
		defer stmt.Close()

		for i, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("insert row %d into %s: %w", i, table, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountByCapture returns the number of rows in table carrying captureID.
func (d *DB) CountByCapture(ctx context.Context, table string, captureID string) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	var n int64
	err := d.sqlDB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE capture_id = ?", table), captureID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count capture %s in %s: %w", captureID, table, err)
	}
	return n, nil
}
