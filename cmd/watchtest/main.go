// watchtest connects to a property endpoint, watches one property and prints
// every value to the console. With --dump it prints a recorded frame trace
// instead.
//
// Usage:
//
//	go run ./cmd/watchtest --url ws://127.0.0.1:9000/props --object live_set --property tempo
//	go run ./cmd/watchtest --dump session.cbor --direction in
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/propwatch/internal/connection"
	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/subscription"
	"github.com/rickgao/propwatch/internal/trace"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:9000", "endpoint WebSocket URL")
	token := flag.String("token", os.Getenv("PROPWATCH_TOKEN"), "bearer token")
	object := flag.String("object", "", "object address expression")
	property := flag.String("property", "", "property path expression")
	freq := flag.Int("freq", 0, "update frequency in ms (0 = server default)")
	tracePath := flag.String("trace", "", "record frames to this CBOR file")
	dump := flag.String("dump", "", "print a recorded trace file and exit")
	direction := flag.String("direction", "", "with --dump: in or out")
	session := flag.String("session", "", "with --dump: session id")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *dump != "" {
		if err := dumpTrace(*dump, *session, *direction); err != nil {
			logger.Error("dump failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *object == "" || *property == "" {
		fmt.Fprintln(os.Stderr, "--object and --property are required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder trace.Recorder = trace.NopRecorder{}
	if *tracePath != "" {
		rec, err := trace.NewFileRecorder(*tracePath, logger)
		if err != nil {
			logger.Error("failed to open trace", "error", err)
			os.Exit(1)
		}
		defer rec.Close()
		recorder = rec
	}

	cfg := connection.DefaultManagerConfig()
	cfg.URL = *url
	cfg.Token = *token

	printer := projection.NotifierFunc(func(u projection.Update) {
		fmt.Printf("[%s] %s id=%d value=%v\n", u.State, u.DisplayName, u.SubscriptionID, u.Value)
	})

	mgr := connection.NewManager(cfg, printer, logger,
		connection.WithRecorder(recorder),
		connection.WithOnReady(func(ready bool) {
			logger.Info("ready", "ready", ready)
		}),
	)

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}

	key := subscription.Key{Object: *object, Property: *property}
	if err := mgr.Subscribe(ctx, key, "watchtest", key.String(), *freq); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := mgr.Stats(ctx)
				if err != nil {
					return
				}
				logger.Info("stats",
					"state", stats.State,
					"connects", stats.Connects,
					"frames_in", stats.FramesIn,
					"frames_out", stats.FramesOut,
					"malformed", stats.Malformed,
					"pending", stats.Subscriptions.Pending,
					"active", stats.Subscriptions.Active,
				)
			}
		}
	}()

	logger.Info("watching - press Ctrl+C to stop", "key", key.String())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Destroy(shutdownCtx); err != nil {
		logger.Warn("destroy", "error", err)
	}
	logger.Info("shutdown complete")
}

func dumpTrace(path, session, direction string) error {
	filter := trace.Filter{SessionID: session}
	switch direction {
	case "":
	case "in":
		d := trace.DirectionIn
		filter.Direction = &d
	case "out":
		d := trace.DirectionOut
		filter.Direction = &d
	default:
		return fmt.Errorf("unknown direction %q", direction)
	}

	r, err := trace.OpenReader(path, filter)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch e.Kind {
		case trace.KindFrame:
			fmt.Printf("%s %s %-3s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.Direction, e.Frame)
		case trace.KindState:
			fmt.Printf("%s %s state %s\n", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.State)
		case trace.KindError:
			fmt.Printf("%s %s error %s\n", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.Error)
		}
	}
}
