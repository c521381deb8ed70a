package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "propwatch"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 90 * time.Second
	DefaultEndpointBuffer    = 1000
	DefaultReconnectInterval = 5 * time.Second
	DefaultReconnectFactor   = 2.0
	DefaultPendingTimeout    = 30 * time.Second
	DefaultErrorThreshold    = 3
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogOutput         = "stdout"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 10000
	DefaultMQTTClientID      = "propwatch"
	DefaultMQTTTopicPrefix   = "propwatch"
	DefaultHTTPPort          = 8080
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Endpoint defaults
	if c.Endpoint.HandshakeTimeout == 0 {
		c.Endpoint.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Endpoint.WriteTimeout == 0 {
		c.Endpoint.WriteTimeout = DefaultWriteTimeout
	}
	if c.Endpoint.PingInterval == 0 {
		c.Endpoint.PingInterval = DefaultPingInterval
	}
	if c.Endpoint.PingTimeout == 0 {
		c.Endpoint.PingTimeout = DefaultPingTimeout
	}
	if c.Endpoint.BufferSize == 0 {
		c.Endpoint.BufferSize = DefaultEndpointBuffer
	}

	// Reconnect defaults: fixed interval unless a larger max is configured
	if c.Reconnect.Interval == 0 {
		c.Reconnect.Interval = DefaultReconnectInterval
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = c.Reconnect.Interval
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultReconnectFactor
	}

	// Subscription defaults
	if c.Subscriptions.PendingTimeout == 0 {
		c.Subscriptions.PendingTimeout = DefaultPendingTimeout
	}
	if c.Subscriptions.ErrorThreshold == 0 {
		c.Subscriptions.ErrorThreshold = DefaultErrorThreshold
	}
	for i := range c.Watches {
		if c.Watches[i].Name == "" {
			c.Watches[i].Name = c.Watches[i].Requestor
		}
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}

	applyDBDefaults(&c.Database)

	// History defaults
	if c.History.BatchSize == 0 {
		c.History.BatchSize = DefaultBatchSize
	}
	if c.History.FlushInterval == 0 {
		c.History.FlushInterval = DefaultFlushInterval
	}
	if c.History.BufferSize == 0 {
		c.History.BufferSize = DefaultBufferSize
	}

	// MQTT defaults
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.MQTT.BufferSize == 0 {
		c.MQTT.BufferSize = DefaultBufferSize
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
