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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/pkg/workqueue"
)

func TestHealthEndpoint(t *testing.T) {
	d, q := newTestDaemon(t, config.DaemonSettings{Workers: 3, Lanes: []string{"normal"}})
	enqueueTestItem(t, q, "test.daemon.ok", workqueue.Item{})

	rec := httptest.NewRecorder()
	d.handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %q", resp.Status)
	}
	if resp.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", resp.Workers)
	}
	if len(resp.Lanes) != 1 || resp.Lanes[0] != "normal" {
		t.Errorf("expected the normal lane, got %v", resp.Lanes)
	}
	if resp.Queue["PENDING"] != 1 {
		t.Errorf("expected one pending item, got %v", resp.Queue)
	}
}

func TestHealthEndpoint_Draining(t *testing.T) {
	d, _ := newTestDaemon(t, config.DaemonSettings{})
	d.draining.Store(true)

	rec := httptest.NewRecorder()
	d.handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "draining" {
		t.Errorf("expected draining, got %q", resp.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	d, _ := newTestDaemon(t, config.DaemonSettings{})

	rec := httptest.NewRecorder()
	d.handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}
