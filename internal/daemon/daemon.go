// Copyright 2025 Tom Barlow
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

// Package daemon wires the relay components into a long-running HTTP
// service: the delivery manager, its store, the replay guard, and the
// management API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/pkg/delivery"
	"github.com/tombee/relay/pkg/httpclient"
	"github.com/tombee/relay/pkg/replay"
)

// Options carries build metadata injected by the main package.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the assembled relay service.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	store   delivery.Store
	manager *delivery.Manager
	guard   *replay.Guard
	server  *http.Server
}

// New assembles a daemon from configuration. The store, HTTP transport,
// delivery manager, and replay guard are all built here so main stays a
// thin flag-and-signal shell.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.Service.Timeout
	if cfg.Service.UserAgent != "" {
		httpCfg.UserAgent = cfg.Service.UserAgent
	}
	client, err := httpclient.New(httpCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: build http client: %w", err)
	}

	manager, err := delivery.NewManager(delivery.ManagerConfig{
		Retry: delivery.RetryConfig{
			Strategy:     delivery.RetryStrategy(cfg.Delivery.Strategy),
			MaxRetries:   cfg.Delivery.MaxRetries,
			InitialDelay: cfg.Delivery.InitialDelay,
			MaxDelay:     cfg.Delivery.MaxDelay,
			Multiplier:   cfg.Delivery.Multiplier,
		},
		Breaker: delivery.BreakerConfig{
			FailureThreshold: cfg.Delivery.FailureThreshold,
			SuccessThreshold: cfg.Delivery.SuccessThreshold,
			OpenDuration:     cfg.Delivery.OpenDuration,
		},
		GCInterval:  cfg.Delivery.GCInterval,
		TerminalTTL: cfg.Delivery.TerminalTTL,
		MaxStored:   cfg.Delivery.MaxStored,
	}, store, delivery.NewHTTPTransport(client), nil, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: build delivery manager: %w", err)
	}

	guard := replay.New(replay.Config{
		MaxNonces:    cfg.Replay.MaxNonces,
		DefaultTTL:   cfg.Replay.NonceTTL,
		MaxClockSkew: cfg.Replay.MaxClockSkew,
	}, nil)

	d := &Daemon{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		store:   store,
		manager: manager,
		guard:   guard,
	}
	d.server = &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: d.routes(),
	}
	return d, nil
}

// buildStore selects the delivery store from configuration.
func buildStore(cfg *config.Config) (delivery.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := delivery.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("daemon: open sqlite store: %w", err)
		}
		return store, nil
	default:
		return delivery.NewMemoryStore(), nil
	}
}

// Start serves the management API until the context is cancelled or the
// listener fails. It blocks.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening",
			"addr", d.cfg.Listen.Addr,
			"version", d.opts.Version,
			"storage", d.cfg.Storage.Driver)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("daemon: serve: %w", err)
	}
}

// Shutdown drains the HTTP server, stops the delivery manager, and closes
// the store and replay guard. Safe to call after Start returns.
func (d *Daemon) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Listen.ShutdownTimeout)
	defer cancel()

	err := d.server.Shutdown(ctx)

	d.manager.Shutdown()
	d.guard.Close()
	if cerr := d.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
