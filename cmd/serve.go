package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-fetch-cache/internal/api"
	"github.com/proxy-fetch-cache/internal/cache"
	"github.com/proxy-fetch-cache/internal/fetcher"
	"github.com/proxy-fetch-cache/internal/metrics"
	"github.com/proxy-fetch-cache/internal/pool"
	"github.com/proxy-fetch-cache/internal/resume"
	"github.com/proxy-fetch-cache/internal/snapshot"
	"github.com/proxy-fetch-cache/internal/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveWarm bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management API over a live proxy pool.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Infof("Starting proxy-fetch-cache v%s", version)

		metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)

		store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		p := pool.NewFromConfig(cfg, metricsCollector)
		defer p.Close()

		snapshotMgr := snapshot.NewManager(p, store, cfg.Pool.SnapshotInterval)
		if err := snapshotMgr.LoadFromStorage(); err != nil {
			log.Warnf("Failed to load pool snapshot: %v (starting fresh)", err)
		}

		var ledger *resume.Ledger
		if cfg.Runner.ResumeFile != "" {
			ledger, err = resume.Open(cfg.Runner.ResumeFile)
			if err != nil {
				return err
			}
		}

		f := fetcher.New(p, cache.New(cfg.Fetcher.CacheDir), fetcher.OptionsFromConfig(cfg, metricsCollector))

		ctx := cmd.Context()
		if serveWarm {
			go func() {
				added, err := p.Refill(ctx)
				if err != nil {
					log.Warnf("Warm-up refill skipped: %v", err)
					return
				}
				log.Infof("Warm-up refill added %d proxies", added)
			}()
		}

		apiServer := api.NewServer(cfg, api.Deps{
			Pool:     p,
			Fetcher:  f,
			Snapshot: snapshotMgr,
			Ledger:   ledger,
			Metrics:  metricsCollector,
		})

		serverErr := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		log.Infof("Service started on %s (GOMAXPROCS=%d, cache=%s)",
			cfg.API.Addr, runtime.GOMAXPROCS(0), filepath.Clean(cfg.Fetcher.CacheDir))

		select {
		case <-ctx.Done():
			log.Info("Shutting down gracefully...")
		case err := <-serverErr:
			log.Errorf("API server failed: %v", err)
			snapshotMgr.Close()
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
		if err := snapshotMgr.Close(); err != nil {
			log.Errorf("Final snapshot failed: %v", err)
		}

		log.Info("Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWarm, "warm", true, "start a refill immediately instead of waiting for the first request")
	rootCmd.AddCommand(serveCmd)
}
