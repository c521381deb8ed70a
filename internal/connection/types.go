package connection

import (
	"errors"
	"time"

	"github.com/rickgao/propwatch/internal/subscription"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrStaleConnection     = errors.New("connection stale (no pong)")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrClosed              = errors.New("manager closed")
	ErrNotStarted          = errors.New("manager not started")
	ErrAlreadyStarted      = errors.New("manager already started")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnknownFrame        = errors.New("unknown frame")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// State is the connection state.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed // After Destroy; terminal
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://127.0.0.1:8765/ws)
	Token            string        // Bearer token (empty = no Authorization header)
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	PingInterval     time.Duration // Keepalive ping period
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale (0 = never)
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	BufferSize       int

	Reconnect     BackoffConfig
	Subscriptions subscription.Config
	SweepInterval time.Duration // upper bound between sweeps; 0 = deadline only
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	client := DefaultClientConfig()
	return ManagerConfig{
		HandshakeTimeout: client.HandshakeTimeout,
		WriteTimeout:     client.WriteTimeout,
		PingInterval:     client.PingInterval,
		PingTimeout:      client.PingTimeout,
		BufferSize:       client.BufferSize,
		Reconnect: BackoffConfig{
			Initial:    DefaultReconnectInterval,
			Max:        DefaultReconnectInterval,
			Multiplier: 1,
		},
		Subscriptions: subscription.DefaultConfig(),
	}
}

// clientConfig derives the per-dial client settings.
func (c ManagerConfig) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              c.URL,
		Token:            c.Token,
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		WriteTimeout:     c.WriteTimeout,
		BufferSize:       c.BufferSize,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State         string              `json:"state"`
	URL           string              `json:"url"`
	SessionID     string              `json:"session_id,omitempty"`
	ConnectedAt   time.Time           `json:"connected_at,omitzero"`
	Connects      int64               `json:"connects"`
	Reconnects    int64               `json:"reconnect_attempts"`
	FramesIn      int64               `json:"frames_in"`
	FramesOut     int64               `json:"frames_out"`
	Malformed     int64               `json:"malformed_frames"`
	SendFailures  int64               `json:"send_failures"`
	RemoteErrors  int64               `json:"remote_errors"`
	Swept         int64               `json:"swept"`
	Subscriptions subscription.Counts `json:"subscriptions"`
}
