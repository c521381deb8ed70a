package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rickgao/propwatch/internal/config"
	"github.com/rickgao/propwatch/internal/connection"
	"github.com/rickgao/propwatch/internal/router"
	"github.com/rickgao/propwatch/internal/subscription"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readTimeout             = 10 * time.Second
	writeTimeout            = 10 * time.Second
	idleTimeout             = 60 * time.Second
)

// Engine is the part of *connection.Manager the API drives.
type Engine interface {
	Subscribe(ctx context.Context, key subscription.Key, requestorID, displayName string, updateFrequencyMs int) error
	Unsubscribe(ctx context.Context, requestorID string) error
	SetValue(ctx context.Context, requestorID string, value any) error
	IsReady() bool
	Stats(ctx context.Context) (connection.Stats, error)
	Subscriptions(ctx context.Context) ([]subscription.View, error)
}

// VariableSource provides the named variable snapshot.
type VariableSource interface {
	Snapshot() map[string]any
}

// RouterStats provides update router counters.
type RouterStats interface {
	Stats() router.RouterStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.HTTPConfig
	Logger    *slog.Logger
	Engine    Engine
	Variables VariableSource // optional
	Router    RouterStats    // optional
	Version   string
}

// Server is the HTTP control API.
type Server struct {
	cfg       config.HTTPConfig
	logger    *slog.Logger
	engine    Engine
	variables VariableSource
	router    RouterStats
	version   string
	server    *http.Server
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       deps.Config,
		logger:    logger.With("component", "httpapi"),
		engine:    deps.Engine,
		variables: deps.Variables,
		router:    deps.Router,
		version:   deps.Version,
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start listens in the background. A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, fmt.Sprint(s.cfg.Port))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http api listening", "address", ln.Addr().String())
	return nil
}

// Close waits for in-flight requests, then closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("http api shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http api: %w", err)
	}
	return nil
}
