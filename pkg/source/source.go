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

// Package source defines the fetcher contract between domains and the
// concrete source implementations wired in at startup. Domains depend
// only on this package; HTTP and filesystem clients live elsewhere.
package source

import (
	"context"
)

// Payload is what a fetch produces: raw content plus whatever
// metadata the fetcher knows (file version tags, record counts).
type Payload struct {
	Content  []byte
	Metadata map[string]string
}

// Request identifies what to fetch. Dimensions mirror the partition
// being captured; fetchers read the dimensions they understand.
type Request struct {
	// Domain is the owning data domain (e.g., "finra", "prices").
	Domain string

	// Dimensions carries the partition dimensions (week_ending, tier,
	// symbol, ...).
	Dimensions map[string]string

	// Options carries fetcher-specific knobs (outputsize, file_path).
	Options map[string]string
}

// Fetcher is a pluggable source strategy. Implementations decide how
// content is obtained; callers only see payloads and errors.
type Fetcher interface {
	// Name returns the registered fetcher name (e.g., "file", "api").
	Name() string

	// Fetch obtains the payload for the request.
	Fetch(ctx context.Context, req Request) (*Payload, error)
}

// Func adapts a function into a Fetcher.
type Func struct {
	FetcherName string
	FetchFunc   func(ctx context.Context, req Request) (*Payload, error)
}

// Name implements Fetcher.
func (f *Func) Name() string {
	return f.FetcherName
}

// Fetch implements Fetcher.
func (f *Func) Fetch(ctx context.Context, req Request) (*Payload, error) {
	return f.FetchFunc(ctx, req)
}
