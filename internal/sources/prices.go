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

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/marketspine/spine/pkg/errors"
	"github.com/marketspine/spine/pkg/httpclient"
	"github.com/marketspine/spine/pkg/source"
)

// KeySource resolves an upstream API key for a domain. Satisfied by
// secrets.Resolver.
type KeySource interface {
	APIKey(ctx context.Context, domain string) (string, error)
}

// PricesAPIConfig configures the price quote fetcher.
type PricesAPIConfig struct {
	// BaseURL is the quote endpoint root. Required.
	BaseURL string

	// Timeout bounds one fetch. Zero means 30s.
	Timeout time.Duration
}

// PricesAPI fetches daily price bars for one symbol per request. The
// upstream authenticates by API key in the query string and reports
// request problems inside 200 bodies, so both get special handling
// here. Rate limiting belongs to the price scheduler, not the fetcher.
type PricesAPI struct {
	baseURL string
	client  *http.Client
	keys    KeySource

	// cachedKey avoids a keychain round trip per symbol. Only success
	// is cached; a failed lookup is retried on the next fetch.
	keyMu     sync.Mutex
	cachedKey string
}

// NewPricesAPI builds the price fetcher against cfg.BaseURL, resolving
// the API key through keys on first use.
func NewPricesAPI(cfg PricesAPIConfig, keys KeySource) (*PricesAPI, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{
			Key:    "sources.prices.base_url",
			Reason: "base URL is required for the prices api fetcher",
		}
	}
	if keys == nil {
		return nil, &errors.ConfigError{
			Key:    "prices.api_key",
			Reason: "a key source is required for the prices api fetcher",
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = timeout
	hcfg.UserAgent = "spine-prices/1.0"

	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &PricesAPI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		keys:    keys,
	}, nil
}

// Name implements source.Fetcher.
func (p *PricesAPI) Name() string {
	return "api"
}

// Fetch implements source.Fetcher.
func (p *PricesAPI) Fetch(ctx context.Context, req source.Request) (*source.Payload, error) {
	symbol := req.Dimensions["symbol"]
	if symbol == "" {
		return nil, &errors.ValidationError{
			Field:   "dimensions",
			Message: "price fetch requires symbol",
		}
	}
	size := req.Options["outputsize"]
	if size == "" {
		size = "compact"
	}

	key, err := p.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", symbol)
	q.Set("outputsize", size)
	q.Set("datatype", "json")
	q.Set("apikey", key)
	fetchURL := p.baseURL + "/query?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &errors.SourceError{
			Source:  "prices.api",
			Message: fmt.Sprintf("build request: %v", err),
			Cause:   err,
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &errors.SourceError{
			Source:  "prices.api",
			Message: fmt.Sprintf("request failed: %v", err),
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errors.SourceError{
			Source:     "prices.api",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status for %s", symbol),
		}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, &errors.SourceError{
			Source:     "prices.api",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("read response: %v", err),
			Cause:      err,
		}
	}

	if err := checkQuoteBody(symbol, content); err != nil {
		return nil, err
	}

	// The key stays out of metadata; manifests record what fetchers
	// return.
	return &source.Payload{
		Content: content,
		Metadata: map[string]string{
			"symbol":     symbol,
			"outputsize": size,
		},
	}, nil
}

// apiKey resolves the upstream key, caching the first success.
func (p *PricesAPI) apiKey(ctx context.Context) (string, error) {
	p.keyMu.Lock()
	defer p.keyMu.Unlock()
	if p.cachedKey != "" {
		return p.cachedKey, nil
	}
	key, err := p.keys.APIKey(ctx, "prices")
	if err != nil {
		return "", &errors.ConfigError{
			Key:    "prices.api_key",
			Reason: "no API key available",
			Cause:  err,
		}
	}
	p.cachedKey = key
	return key, nil
}

// checkQuoteBody surfaces upstream errors hidden inside 200 responses.
// The quote API answers bad symbols with {"Error Message": ...} and
// throttling with {"Note": ...} or {"Information": ...}, so the morally
// correct status is reconstructed for categorization: rejections behave
// like 400s, throttling like 429s.
func checkQuoteBody(symbol string, content []byte) error {
	var probe struct {
		ErrorMessage string `json:"Error Message"`
		Note         string `json:"Note"`
		Information  string `json:"Information"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		// Not JSON. CSV payloads pass through; the pipeline validates
		// shape.
		return nil
	}
	if probe.ErrorMessage != "" {
		return &errors.SourceError{
			Source:     "prices.api",
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("upstream rejected %s: %s", symbol, probe.ErrorMessage),
		}
	}
	if probe.Note != "" || probe.Information != "" {
		msg := probe.Note
		if msg == "" {
			msg = probe.Information
		}
		return &errors.SourceError{
			Source:     "prices.api",
			StatusCode: http.StatusTooManyRequests,
			Message:    fmt.Sprintf("upstream throttled %s: %s", symbol, msg),
		}
	}
	return nil
}
