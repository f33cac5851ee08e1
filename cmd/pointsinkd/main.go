// Command pointsinkd runs the pointsink scan ingestion daemon.
//
// Devices stream binary point-cloud scans over a websocket; scans flow
// through a bounded admission queue into blob files and a DuckDB metastore.
// A retention sweeper ages old scans out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/pointsink/pointsink/internal/auth"
	"github.com/pointsink/pointsink/internal/blob"
	cfgpkg "github.com/pointsink/pointsink/internal/config"
	"github.com/pointsink/pointsink/internal/ingest"
	"github.com/pointsink/pointsink/internal/logging"
	"github.com/pointsink/pointsink/internal/metastore"
	"github.com/pointsink/pointsink/internal/metrics"
	"github.com/pointsink/pointsink/internal/queue"
	"github.com/pointsink/pointsink/internal/registry"
	"github.com/pointsink/pointsink/internal/retention"
	"github.com/pointsink/pointsink/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml")
		listen     = flag.String("listen", "", "listen address (overrides config)")
		dataDir    = flag.String("data-dir", "", "data directory (overrides config)")
		apiKey     = flag.String("api-key", "", "ingestion API key (overrides config; prefer POINTSINK_API_KEY)")
	)
	flag.Parse()

	if err := run(*configPath, *listen, *dataDir, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "pointsinkd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listen, dataDir, apiKey string) error {
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiKey != "" {
		cfg.Auth.APIKey = apiKey
	}
	if cfg.Auth.APIKey == "" {
		return fmt.Errorf("no API key configured (set auth.api_key, -api-key, or POINTSINK_API_KEY)")
	}

	logging.Init(parseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	metaCfg := metastore.DefaultConfig()
	metaCfg.DSN = cfg.MetastorePath()
	meta, err := metastore.New(metaCfg)
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	defer meta.Close()

	blobs, err := blob.New(cfg.BlobDir())
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	q := queue.New(cfg.Queue.MaxCount, cfg.Queue.MaxBytes)
	reg := registry.New()

	m := metrics.New(q, reg)
	q.AddListener(m)

	// The result callback routes acks through the server, which is built
	// below; it cannot fire before ing.Start.
	var srv *server.Server
	ing, err := ingest.New(ingest.Config{IdleSleep: cfg.Ingest.IdleSleep}, q, blobs, meta,
		func(res ingest.Result) {
			m.ObserveResult(res)
			srv.RouteResult(res)
		})
	if err != nil {
		return err
	}

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		sweeper = retention.New(retention.Config{
			MaxAge:   cfg.Retention.MaxAge,
			Interval: cfg.Retention.SweepInterval,
		}, meta, blobs)
	}

	srv = server.New(cfg.Listen, server.Options{
		Gate:                 auth.NewGate(cfg.Auth.APIKey),
		Registry:             reg,
		Queue:                q,
		Meta:                 meta,
		Metrics:              m,
		Ingest:               ing,
		Sweeper:              sweeper,
		MaxFrameBytes:        cfg.Server.MaxFrameBytes,
		CompressionThreshold: cfg.Server.CompressionThreshold,
		SendBufferSize:       cfg.Server.SendBufferSize,
		WriteTimeout:         cfg.Server.WriteTimeout,
	})

	if err := ing.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if sweeper != nil {
		g.Go(func() error {
			if err := sweeper.Run(gctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	log.Info("pointsink started",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"queue_max_count", cfg.Queue.MaxCount,
		"queue_max_bytes", cfg.Queue.MaxBytes,
		"retention_enabled", cfg.Retention.Enabled)

	err = g.Wait()

	// Connections are gone; drain whatever the queue still holds before
	// the metastore closes.
	if stopErr := ing.Stop(); stopErr != nil {
		log.Error("ingest stop failed", "error", stopErr)
	}

	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("pointsink stopped")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
