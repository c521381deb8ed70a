package config

import "time"

// Config is the root configuration for a propwatch instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Endpoint      EndpointConfig      `yaml:"endpoint"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Watches       []WatchConfig       `yaml:"watches"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DBConfig            `yaml:"database"`
	History       HistoryConfig       `yaml:"history"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http"`
	Trace         TraceConfig         `yaml:"trace"`
}

// InstanceConfig identifies this watcher.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// EndpointConfig holds the remote WebSocket endpoint settings.
type EndpointConfig struct {
	URL              string        `yaml:"url"`   // ws://host:port/path
	Token            string        `yaml:"token"` // Optional bearer token for the handshake
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// ReconnectConfig holds the reconnect delay policy.
// With MaxInterval equal to Interval the delay is fixed.
type ReconnectConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// SubscriptionsConfig holds subscription lifecycle settings.
type SubscriptionsConfig struct {
	PendingTimeout     time.Duration `yaml:"pending_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ErrorThreshold     int           `yaml:"error_threshold"`
	ResubscribeDropped bool          `yaml:"resubscribe_dropped"`
}

// WatchConfig is a statically configured property watch.
type WatchConfig struct {
	Requestor         string `yaml:"requestor"`
	Object            string `yaml:"object"`
	Property          string `yaml:"property"`
	Name              string `yaml:"name"`
	UpdateFrequencyMs int    `yaml:"update_frequency_ms"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HistoryConfig holds the value history writer settings.
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MQTTConfig holds the MQTT publisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Retained    bool   `yaml:"retained"`
	BufferSize  int    `yaml:"buffer_size"`
}

// HTTPConfig holds the control API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// TraceConfig controls the CBOR frame trace.
type TraceConfig struct {
	Path string `yaml:"path"` // Empty disables tracing
}
