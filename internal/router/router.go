package router

import (
	"log/slog"
	"sync"

	"github.com/rickgao/propwatch/internal/projection"
)

// Router fans projected updates out to per-sink buffers. It implements
// projection.Notifier and never blocks the caller; each sink drains its own
// buffer at its own pace.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	mu       sync.RWMutex
	names    []string
	sinks    map[string]*GrowableBuffer[projection.Update]
	closed   bool
	received int64
	routed   int64
	rejected int64
}

// NewRouter creates an update router with no sinks.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultRouterConfig().BufferSize
	}

	return &Router{
		cfg:    cfg,
		logger: logger.With("component", "router"),
		sinks:  make(map[string]*GrowableBuffer[projection.Update]),
	}
}

// Register returns the buffer feeding the named sink, creating it on first use.
func (r *Router) Register(name string) *GrowableBuffer[projection.Update] {
	return r.RegisterWithMax(name, r.cfg.MaxBufferSize)
}

// RegisterWithMax is Register with a sink-specific capacity cap.
// The cap only applies when the sink is created.
func (r *Router) RegisterWithMax(name string, maxBufferSize int) *GrowableBuffer[projection.Update] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.sinks[name]; ok {
		return buf
	}

	buf := NewBoundedBuffer[projection.Update](r.cfg.BufferSize, maxBufferSize)
	if r.closed {
		buf.Close()
	}
	r.sinks[name] = buf
	r.names = append(r.names, name)

	r.logger.Debug("sink registered",
		"sink", name,
		"buffer", r.cfg.BufferSize,
		"max_buffer", maxBufferSize,
	)
	return buf
}

// Notify copies u into every sink buffer.
func (r *Router) Notify(u projection.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received++
	if r.closed {
		r.rejected++
		return
	}

	for _, name := range r.names {
		if r.sinks[name].Send(u) {
			r.routed++
		} else {
			r.rejected++
		}
	}
}

// Close closes every sink buffer. Consumers receive what is left and then
// see the closed signal.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, name := range r.names {
		r.sinks[name].Close()
	}
	r.logger.Info("update router closed", "received", r.received, "routed", r.routed)
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RouterStats{
		UpdatesReceived: r.received,
		UpdatesRouted:   r.routed,
		Rejected:        r.rejected,
		Sinks:           make(map[string]BufferStats, len(r.sinks)),
	}
	for name, buf := range r.sinks {
		stats.Sinks[name] = buf.Stats()
	}
	return stats
}
