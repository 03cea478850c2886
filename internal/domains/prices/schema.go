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

package prices

// TableDailyBars holds OHLCV bars, one row per (symbol, trade_date)
// within a capture.
const TableDailyBars = "prices_daily_bars"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS prices_daily_bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		capture_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prices_bars_capture
		ON prices_daily_bars(capture_id)`,
	`CREATE INDEX IF NOT EXISTS idx_prices_bars_symbol
		ON prices_daily_bars(symbol, trade_date)`,
}

var dailyBarColumns = []string{
	"symbol", "trade_date", "open", "high", "low", "close", "volume",
	"capture_id",
}
