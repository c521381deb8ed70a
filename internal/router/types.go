package router

// RouterConfig holds configuration for the update router.
type RouterConfig struct {
	BufferSize    int // Initial per-sink buffer capacity. Default: 1000
	MaxBufferSize int // Per-sink cap; oldest updates are dropped beyond it. 0 = unbounded. Default: 100000
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BufferSize:    1000,
		MaxBufferSize: 100000,
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	UpdatesReceived int64                  `json:"updates_received"`
	UpdatesRouted   int64                  `json:"updates_routed"`
	Rejected        int64                  `json:"rejected"`
	Sinks           map[string]BufferStats `json:"sinks"`
}
