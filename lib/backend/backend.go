/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package backend assembles a worker process from its configuration: the
// coordinator client, the taster, the scanner cache, the dispatcher and
// the request loop, plus the optional diagnostic endpoint.
package backend

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/dissect"
	"github.com/gravitational/dissect/lib/config"
	"github.com/gravitational/dissect/lib/coordinator"
	"github.com/gravitational/dissect/lib/defaults"
	"github.com/gravitational/dissect/lib/dispatch"
	"github.com/gravitational/dissect/lib/scan"
	"github.com/gravitational/dissect/lib/taster"
)

// Service is one configured worker process.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock
}

// New creates a Service from a validated configuration.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing configuration")
	}
	return &Service{
		cfg:   cfg,
		log:   slog.With(dissect.ComponentKey, dissect.ComponentBackend),
		clock: clockwork.NewRealClock(),
	}, nil
}

// Run assembles the pipeline and handles requests until the worker budget
// runs out or ctx is canceled. A tasting rule set that fails to load makes
// Run fail before any request is touched.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clt, err := coordinator.NewClient(ctx, coordinator.Config{
		Addr:        s.cfg.Coordinator.Addr,
		DB:          s.cfg.Coordinator.DB,
		PoolSize:    s.cfg.Coordinator.PoolSize,
		ReadTimeout: s.cfg.Coordinator.ReadTimeout.Duration(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer clt.Close()

	tst, err := taster.New(taster.Config{
		ContentTypeDB: s.cfg.Tasting.ContentTypeDB,
		Rules:         s.cfg.Tasting.Rules,
	})
	if err != nil {
		return trace.Wrap(err, "loading taster")
	}

	harness, err := scan.NewHarness(scan.HarnessConfig{
		DefaultTimeout: time.Duration(s.cfg.Limits.Scanner) * time.Second,
		Uploader:       clt,
		Clock:          s.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Blobs:               clt,
		Events:              clt,
		Taster:              tst,
		Scanners:            scan.NewCache(scan.FactoryConfig{Logger: s.log}),
		Harness:             harness,
		Mappings:            s.cfg.Scanners,
		MaxDepth:            s.cfg.Limits.MaxDepth,
		DistributionTimeout: time.Duration(s.cfg.Limits.Distribution) * time.Second,
		Clock:               s.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	worker, err := dispatch.NewWorker(dispatch.WorkerConfig{
		Queue:        clt,
		Events:       clt,
		Dispatcher:   dispatcher,
		PollInterval: s.cfg.Worker.PollInterval.Duration(),
		TimeToLive:   time.Duration(s.cfg.Limits.TimeToLive) * time.Second,
		MaxFiles:     s.cfg.Limits.MaxFiles,
		Clock:        s.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// an orderly worker stop also brings the diagnostic service down
		defer cancel()
		return trace.Wrap(worker.Run(gctx))
	})
	if s.cfg.Worker.DiagAddr != "" {
		group.Go(func() error {
			return trace.Wrap(s.serveDiagnostics(gctx))
		})
	}
	return trace.Wrap(group.Wait())
}

// serveDiagnostics exposes prometheus metrics and a liveness check until
// ctx is canceled.
func (s *Service) serveDiagnostics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: s.cfg.Worker.DiagAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.DiagServiceTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.InfoContext(ctx, "Starting diagnostic service.", "listen_addr", s.cfg.Worker.DiagAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}
