package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/crm-sync-server/handler"
	"github.com/stevemurr/crm-sync-server/remote"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, background flush and remote sync",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr := a.manager(cfg, logger, reg, cfg.SeedMockData)
	mgr.Initialize(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsMiddleware(handler.New(mgr, a.schemas, reg, logger), cfg.Origins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("CRM sync server starting",
		zap.String("addr", srv.Addr),
		zap.String("store", cfg.StoreBackend),
		zap.String("data", cfg.DataDir),
		zap.Bool("remote", cfg.RemoteURL != ""),
		zap.Bool("mock_data", mgr.UsingMockData()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		remote.WatchConnectivity(gctx, a.pinger, cfg.ProbeEvery(), mgr.NotifyOnline, logger)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("CRM sync server stopped", zap.Error(err))
	return err
}
