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

package finra

// Domain output tables. Every table carries capture_id so the
// capture-scoped replace discipline applies; prior captures stay
// queryable until pruned.
const (
	// TableWeeklySummary holds the raw weekly rows, one per
	// (symbol, venue) as published.
	TableWeeklySummary = "finra_weekly_summary"

	// TableWeeklyActivity holds per-symbol aggregates within one
	// (week, tier) partition.
	TableWeeklyActivity = "finra_weekly_activity"

	// TableRollingVolume holds cross-tier per-symbol rolling volume for
	// one week.
	TableRollingVolume = "finra_rolling_volume"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS finra_weekly_summary (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		week_ending TEXT NOT NULL,
		tier TEXT NOT NULL,
		symbol TEXT NOT NULL,
		issue_name TEXT NOT NULL DEFAULT '',
		mpid TEXT NOT NULL DEFAULT '',
		shares INTEGER NOT NULL,
		trades INTEGER NOT NULL,
		capture_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_summary_capture
		ON finra_weekly_summary(capture_id)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_summary_week
		ON finra_weekly_summary(week_ending, tier, symbol)`,

	`CREATE TABLE IF NOT EXISTS finra_weekly_activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		week_ending TEXT NOT NULL,
		tier TEXT NOT NULL,
		symbol TEXT NOT NULL,
		issue_name TEXT NOT NULL DEFAULT '',
		total_shares INTEGER NOT NULL,
		total_trades INTEGER NOT NULL,
		venue_count INTEGER NOT NULL,
		avg_trade_size REAL NOT NULL DEFAULT 0,
		capture_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_activity_capture
		ON finra_weekly_activity(capture_id)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_activity_week
		ON finra_weekly_activity(week_ending, tier, symbol)`,

	`CREATE TABLE IF NOT EXISTS finra_rolling_volume (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		week_ending TEXT NOT NULL,
		symbol TEXT NOT NULL,
		total_shares INTEGER NOT NULL,
		total_trades INTEGER NOT NULL,
		avg_weekly_shares REAL NOT NULL,
		weeks_observed INTEGER NOT NULL,
		capture_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_rolling_capture
		ON finra_rolling_volume(capture_id)`,
	`CREATE INDEX IF NOT EXISTS idx_finra_rolling_week
		ON finra_rolling_volume(week_ending, symbol)`,
}

var (
	weeklySummaryColumns = []string{
		"week_ending", "tier", "symbol", "issue_name", "mpid",
		"shares", "trades", "capture_id",
	}
	weeklyActivityColumns = []string{
		"week_ending", "tier", "symbol", "issue_name",
		"total_shares", "total_trades", "venue_count", "avg_trade_size",
		"capture_id",
	}
	rollingVolumeColumns = []string{
		"week_ending", "symbol", "total_shares", "total_trades",
		"avg_weekly_shares", "weeks_observed", "capture_id",
	}
)
