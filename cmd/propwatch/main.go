// propwatch keeps a set of property watches alive against a remote JSON
// WebSocket endpoint and fans the values out to history, MQTT and HTTP.
// Usage: propwatch --config configs/propwatch.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/propwatch/internal/config"
	"github.com/rickgao/propwatch/internal/connection"
	"github.com/rickgao/propwatch/internal/database"
	"github.com/rickgao/propwatch/internal/httpapi"
	"github.com/rickgao/propwatch/internal/logging"
	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/publisher"
	"github.com/rickgao/propwatch/internal/router"
	"github.com/rickgao/propwatch/internal/subscription"
	"github.com/rickgao/propwatch/internal/trace"
	"github.com/rickgao/propwatch/internal/version"
	"github.com/rickgao/propwatch/internal/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/propwatch.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, cfg.Instance.ID, version.Version)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("propwatch failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting propwatch",
		"version", version.Version,
		"commit", version.Commit,
		"endpoint", cfg.Endpoint.URL,
		"watches", len(cfg.Watches),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder trace.Recorder = trace.NopRecorder{}
	if cfg.Trace.Path != "" {
		fileRec, err := trace.NewFileRecorder(cfg.Trace.Path, logger)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer fileRec.Close()
		recorder = fileRec
		logger.Info("frame trace enabled", "path", cfg.Trace.Path)
	}

	vars := projection.NewVariables()
	rtr := router.NewRouter(router.DefaultRouterConfig(), logger)

	mgr := connection.NewManager(managerConfig(cfg), projection.Fanout{vars, rtr}, logger,
		connection.WithRecorder(recorder),
		connection.WithOnReady(func(ready bool) {
			logger.Info("endpoint readiness changed", "ready", ready)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)

	var history *writer.HistoryWriter
	if cfg.History.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		history = writer.NewHistoryWriter(writer.WriterConfig{
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, rtr.RegisterWithMax("history", cfg.History.BufferSize), pool, logger)

		if err := history.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := history.Start(gctx); err != nil {
			return fmt.Errorf("start history writer: %w", err)
		}
	}

	if cfg.MQTT.Enabled {
		pub, err := publisher.Connect(cfg.MQTT, rtr.RegisterWithMax("mqtt", cfg.MQTT.BufferSize), logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		g.Go(func() error {
			return pub.Run(gctx)
		})
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		var err error
		api, err = httpapi.New(httpapi.Deps{
			Config:    cfg.HTTP,
			Logger:    logger,
			Engine:    mgr,
			Variables: vars,
			Router:    rtr,
			Version:   version.Version,
		})
		if err != nil {
			return err
		}
		if err := api.Start(ctx); err != nil {
			return err
		}
	}

	if err := mgr.Start(gctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	for _, w := range cfg.Watches {
		key := subscription.Key{Object: w.Object, Property: w.Property}
		if err := mgr.Subscribe(ctx, key, w.Requestor, w.Name, w.UpdateFrequencyMs); err != nil {
			logger.Warn("failed to add watch", "requestor", w.Requestor, "key", key.String(), "error", err)
		}
	}

	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	logger.Info("propwatch running", "instance_id", cfg.Instance.ID)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := mgr.Destroy(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("destroy manager: %w", err))
		}
		rtr.Close()
		if history != nil {
			if err := history.Stop(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if api != nil {
			if err := api.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	logger.Info("propwatch stopped")
	return err
}

// managerConfig maps the file configuration onto the connection manager.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.URL = cfg.Endpoint.URL
	mc.Token = cfg.Endpoint.Token
	mc.HandshakeTimeout = cfg.Endpoint.HandshakeTimeout
	mc.WriteTimeout = cfg.Endpoint.WriteTimeout
	mc.PingInterval = cfg.Endpoint.PingInterval
	mc.PingTimeout = cfg.Endpoint.PingTimeout
	mc.BufferSize = cfg.Endpoint.BufferSize

	mc.Reconnect = connection.BackoffConfig{
		Initial:    cfg.Reconnect.Interval,
		Max:        cfg.Reconnect.MaxInterval,
		Multiplier: cfg.Reconnect.Multiplier,
		Jitter:     cfg.Reconnect.Jitter,
	}
	mc.Subscriptions = subscription.Config{
		PendingTimeout:     cfg.Subscriptions.PendingTimeout,
		ErrorThreshold:     cfg.Subscriptions.ErrorThreshold,
		ResubscribeDropped: cfg.Subscriptions.ResubscribeDropped,
	}
	mc.SweepInterval = cfg.Subscriptions.SweepInterval
	return mc
}
