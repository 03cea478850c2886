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

package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketspine/spine/pkg/metrics"
)

// healthResponse is the /healthz body. Status is "ok" while claiming
// and "draining" once shutdown has begun.
type healthResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version,omitempty"`
	Uptime      int64           `json:"uptime_seconds"`
	Workers     int             `json:"workers"`
	Lanes       []string        `json:"lanes,omitempty"`
	Active      int64           `json:"active"`
	Queue       map[string]int  `json:"queue,omitempty"`
	Definitions LibrarySnapshot `json:"definitions"`
}

// handler serves the operational endpoints. This is observability
// surface only; the daemon takes no commands over HTTP.
func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if d.draining.Load() {
		status = "draining"
	}

	lanes := make([]string, len(d.lanes))
	for i, lane := range d.lanes {
		lanes[i] = string(lane)
	}

	resp := healthResponse{
		Status:      status,
		Version:     d.cfg.Version,
		Uptime:      int64(time.Since(d.startedAt).Seconds()),
		Workers:     d.cfg.Settings.Workers,
		Lanes:       lanes,
		Active:      d.active.Load(),
		Definitions: d.library.Snapshot(),
	}

	// Depth by state comes straight from the database; skip it rather
	// than fail health when the query does.
	if stats, err := d.cfg.Queue.Stats(r.Context()); err == nil {
		resp.Queue = make(map[string]int, len(stats))
		for state, n := range stats {
			resp.Queue[string(state)] = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
