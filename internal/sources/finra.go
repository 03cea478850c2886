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

// Package sources holds the concrete source.Fetcher implementations the
// domain plans wire in at startup: the FINRA weekly-file and download-API
// fetchers and the per-symbol price API fetcher. Domains never import
// this package directly; main assembles fetchers into plans.
package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/httpclient"
	"github.com/marketspine/spine/pkg/source"
)

// maxPayloadBytes caps one fetched payload. Weekly OTC files run a few
// MB; anything near the cap is upstream misbehavior, not data.
const maxPayloadBytes = 64 << 20

const finraFilePrefix = "weekly_summary"

// FinraFile reads weekly OTC transparency files from a local data
// directory. Files follow the upstream naming convention
//
//	weekly_summary_<week_ending>_<tier>.psv
//	weekly_summary_<week_ending>_<tier>_v<N>.psv
//
// where the bare name is revision v1 and republished corrections carry
// a _v<N> suffix. Fetch picks the numerically newest revision, so v10
// beats v2. Options["file_path"] bypasses the convention and reads the
// named file as-is.
type FinraFile struct {
	dataDir string
}

// NewFinraFile builds a file fetcher over dataDir.
func NewFinraFile(dataDir string) *FinraFile {
	return &FinraFile{dataDir: dataDir}
}

// Name implements source.Fetcher.
func (f *FinraFile) Name() string {
	return "file"
}

// Fetch implements source.Fetcher.
func (f *FinraFile) Fetch(ctx context.Context, req source.Request) (*source.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if override := req.Options["file_path"]; override != "" {
		content, err := os.ReadFile(override)
		if err != nil {
			return nil, &errors.SourceError{
				Source:  "finra.file",
				Message: fmt.Sprintf("read %s", override),
				Cause:   err,
			}
		}
		return &source.Payload{
			Content: content,
			Metadata: map[string]string{
				"path": override,
			},
		}, nil
	}

	week := req.Dimensions["week_ending"]
	tier := req.Dimensions["tier"]
	if week == "" || tier == "" {
		return nil, &errors.ValidationError{
			Field:   "dimensions",
			Message: "finra file fetch requires week_ending and tier",
		}
	}

	version, path, err := f.latestRevision(week, tier)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.SourceError{
			Source:  "finra.file",
			Message: fmt.Sprintf("read %s", path),
			Cause:   err,
		}
	}
	return &source.Payload{
		Content: content,
		Metadata: map[string]string{
			"version": version,
			"path":    path,
		},
	}, nil
}

// latestRevision scans the data dir for the (week, tier) file family
// and returns the newest revision tag and its path.
func (f *FinraFile) latestRevision(week, tier string) (string, string, error) {
	base := fmt.Sprintf("%s_%s_%s", finraFilePrefix, week, tier)

	entries, err := os.ReadDir(f.dataDir)
	if err != nil {
		return "", "", &errors.SourceError{
			Source:  "finra.file",
			Message: fmt.Sprintf("list %s", f.dataDir),
			Cause:   err,
		}
	}

	// tag -> filename. The bare file is revision v1; a republished
	// weekly_summary_..._v1.psv would collide with it, which upstream
	// never produces.
	candidates := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if stem == base {
			candidates["v1"] = name
			continue
		}
		if rest, ok := strings.CutPrefix(stem, base+"_"); ok && strings.HasPrefix(rest, "v") {
			candidates[rest] = name
		}
	}
	if len(candidates) == 0 {
		return "", "", &errors.NotFoundError{
			Resource: "finra weekly file",
			ID:       base,
		}
	}

	tags := make([]string, 0, len(candidates))
	for tag := range candidates {
		tags = append(tags, tag)
	}
	latest, err := source.LatestVersion(tags)
	if err != nil {
		return "", "", err
	}
	return latest, filepath.Join(f.dataDir, candidates[latest]), nil
}

// FinraAPIConfig configures the FINRA download-API fetcher.
type FinraAPIConfig struct {
	// BaseURL is the download endpoint root. Required.
	BaseURL string

	// Timeout bounds one fetch. Zero means 60s.
	Timeout time.Duration
}

// FinraAPI fetches weekly OTC transparency files from the FINRA
// download API. One GET per (week, tier), retried by the HTTP client
// on transient failures.
type FinraAPI struct {
	baseURL string
	client  *http.Client
}

// NewFinraAPI builds an api fetcher against cfg.BaseURL.
func NewFinraAPI(cfg FinraAPIConfig) (*FinraAPI, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{
			Key:    "sources.finra.base_url",
			Reason: "base URL is required for the finra api fetcher",
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = timeout
	hcfg.UserAgent = "spine-finra/1.0"

	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &FinraAPI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

// Name implements source.Fetcher.
func (f *FinraAPI) Name() string {
	return "api"
}

// Fetch implements source.Fetcher.
func (f *FinraAPI) Fetch(ctx context.Context, req source.Request) (*source.Payload, error) {
	week := req.Dimensions["week_ending"]
	tier := req.Dimensions["tier"]
	if week == "" || tier == "" {
		return nil, &errors.ValidationError{
			Field:   "dimensions",
			Message: "finra api fetch requires week_ending and tier",
		}
	}

	q := url.Values{}
	q.Set("week_ending", week)
	q.Set("tier", tier)
	fetchURL := f.baseURL + "/weekly-summary?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &errors.SourceError{
			Source:  "finra.api",
			Message: fmt.Sprintf("build request: %v", err),
			Cause:   err,
		}
	}
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &errors.SourceError{
			Source:  "finra.api",
			Message: fmt.Sprintf("request failed: %v", err),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Not published yet. Dependency, not transport: the next wave
		// picks it up.
		return nil, &errors.NotFoundError{
			Resource: "finra weekly file",
			ID:       fmt.Sprintf("%s/%s", week, tier),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errors.SourceError{
			Source:     "finra.api",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status for %s/%s", week, tier),
		}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, &errors.SourceError{
			Source:     "finra.api",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("read response: %v", err),
			Cause:      err,
		}
	}

	meta := map[string]string{
		"url": fetchURL,
	}
	if v := resp.Header.Get("X-File-Version"); v != "" {
		meta["version"] = v
	}
	return &source.Payload{Content: content, Metadata: meta}, nil
}
