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
	"fmt"
)

// Row is one result row keyed by column name. Domain packages read
// their tables through Select so they never touch database/sql.
type Row map[string]any

// EnsureSchema applies domain DDL statements. Statements are expected
// to be idempotent (CREATE TABLE IF NOT EXISTS and friends); domains
// call this once at registration.
func (d *DB) EnsureSchema(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := d.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("domain schema statement %d: %w", i, err)
		}
	}
	return nil
}

// Select runs a read query and returns every row as a column-keyed
// map. Intended for domain tables with modest result sizes; core
// stores use typed scans instead.
func (d *DB) Select(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := d.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			// The sqlite driver returns []byte for TEXT read through
			// an any destination; surface strings to callers.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
