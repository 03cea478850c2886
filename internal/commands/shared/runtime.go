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

package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/domains/finra"
	"github.com/marketspine/spine/internal/domains/prices"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/secrets"
	"github.com/marketspine/spine/internal/sources"
	"github.com/marketspine/spine/internal/tracing"
	"github.com/marketspine/spine/pkg/dispatch"
	"github.com/marketspine/spine/pkg/manifest"
	"github.com/marketspine/spine/pkg/registry"
	"github.com/marketspine/spine/pkg/source"
	"github.com/marketspine/spine/pkg/storage"
	"github.com/marketspine/spine/pkg/workflow"
	"github.com/marketspine/spine/pkg/workqueue"
)

// Runtime wires the pieces most commands need: loaded settings, the
// open database, the registry with both reference domains registered,
// and the dispatcher over them. Open it in RunE, defer Close.
type Runtime struct {
	Settings    *config.Settings
	Logger      *slog.Logger
	DB          *storage.DB
	Manifests   *manifest.Store
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Queue       *workqueue.Queue
	Checkpoints *workflow.CheckpointStore
	Secrets     *secrets.Resolver

	tracer *tracing.Provider
}

// OpenRuntime loads settings (honoring --config and --db), opens the
// database, installs the logger and tracer provider, and registers the
// finra and prices domains with whatever fetchers the settings make
// possible. API fetchers are skipped when their base URL is unset so a
// file-only setup needs no credentials.
func OpenRuntime(ctx context.Context) (*Runtime, error) {
	settings, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if path := GetDBPath(); path != "" {
		settings.Database.Path = path
	}

	logCfg := &log.Config{
		Level:  settings.Log.Level,
		Format: log.Format(settings.Log.Format),
	}
	// --verbose and --quiet outrank the configured level.
	if GetVerbose() {
		logCfg.Level = "debug"
	}
	if GetQuiet() {
		logCfg.Level = "error"
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	db, err := storage.Open(storage.Config{Path: settings.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tracerCfg := tracing.Config{
		ServiceName:    "spine",
		ServiceVersion: version,
		Exporter:       settings.Tracing.Exporter,
		Endpoint:       settings.Tracing.Endpoint,
		Insecure:       settings.Tracing.Insecure,
		SampleRate:     settings.Tracing.SampleRate,
	}
	if settings.Tracing.MirrorToDB {
		tracerCfg.MirrorDB = db
	}
	tracer, err := tracing.NewProvider(ctx, tracerCfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	manifests := manifest.NewStore(db)
	reg := registry.New()
	keys := secrets.NewDefaultResolver()

	finraFetchers, err := buildFinraFetchers(settings)
	if err == nil {
		err = finra.Register(ctx, reg, finra.Deps{
			DB:        db,
			Manifests: manifests,
			Fetchers:  finraFetchers,
		})
	}
	if err == nil {
		var priceFetchers []source.Fetcher
		priceFetchers, err = buildPriceFetchers(settings, keys)
		if err == nil {
			err = prices.Register(ctx, reg, prices.Deps{
				DB:        db,
				Manifests: manifests,
				Fetchers:  priceFetchers,
			})
		}
	}
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
		db.Close()
		return nil, err
	}

	return &Runtime{
		Settings:    settings,
		Logger:      logger,
		DB:          db,
		Manifests:   manifests,
		Registry:    reg,
		Dispatcher:  dispatch.New(reg, dispatch.WithLogger(logger), dispatch.WithTracer(tracer.Tracer("spine/dispatch"))),
		Queue:       workqueue.New(db, workqueue.WithLockTTL(settings.Daemon.LockTTL)),
		Checkpoints: workflow.NewCheckpointStore(db),
		Secrets:     keys,
		tracer:      tracer,
	}, nil
}

// Close flushes the tracer and releases the database. Safe on a nil
// receiver so callers can defer unconditionally.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	if r.tracer != nil {
		if err := r.tracer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildFinraFetchers(settings *config.Settings) ([]source.Fetcher, error) {
	fetchers := []source.Fetcher{
		sources.NewFinraFile(settings.Sources.Finra.DataDir),
	}
	if settings.Sources.Finra.BaseURL != "" {
		api, err := sources.NewFinraAPI(sources.FinraAPIConfig{
			BaseURL: settings.Sources.Finra.BaseURL,
			Timeout: settings.Sources.Finra.Timeout,
		})
		if err != nil {
			return nil, err
		}
		fetchers = append(fetchers, api)
	}
	return fetchers, nil
}

func buildPriceFetchers(settings *config.Settings, keys *secrets.Resolver) ([]source.Fetcher, error) {
	if settings.Sources.Prices.BaseURL == "" {
		return nil, nil
	}
	api, err := sources.NewPricesAPI(sources.PricesAPIConfig{
		BaseURL: settings.Sources.Prices.BaseURL,
		Timeout: settings.Sources.Prices.Timeout,
	}, keys)
	if err != nil {
		return nil, err
	}
	return []source.Fetcher{api}, nil
}
