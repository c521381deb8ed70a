package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return errors.New("endpoint.url is required")
	}
	u, err := url.Parse(c.Endpoint.URL)
	if err != nil {
		return fmt.Errorf("endpoint.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint.url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.Reconnect.Interval <= 0 {
		return errors.New("reconnect.interval must be > 0")
	}
	if c.Reconnect.MaxInterval < c.Reconnect.Interval {
		return fmt.Errorf("reconnect.max_interval (%v) cannot be less than reconnect.interval (%v)",
			c.Reconnect.MaxInterval, c.Reconnect.Interval)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1, got %v", c.Reconnect.Jitter)
	}

	if c.Subscriptions.PendingTimeout <= 0 {
		return errors.New("subscriptions.pending_timeout must be > 0")
	}
	if c.Subscriptions.SweepInterval < 0 {
		return errors.New("subscriptions.sweep_interval must be >= 0")
	}
	if c.Subscriptions.ErrorThreshold < 1 {
		return errors.New("subscriptions.error_threshold must be >= 1")
	}

	seen := make(map[string]struct{}, len(c.Watches))
	for i, w := range c.Watches {
		if w.Requestor == "" {
			return fmt.Errorf("watches[%d].requestor is required", i)
		}
		if w.Object == "" || w.Property == "" {
			return fmt.Errorf("watches[%d] (%s): object and property are required", i, w.Requestor)
		}
		if w.UpdateFrequencyMs < 0 {
			return fmt.Errorf("watches[%d] (%s): update_frequency_ms must be >= 0", i, w.Requestor)
		}
		if _, dup := seen[w.Requestor]; dup {
			return fmt.Errorf("watches[%d]: duplicate requestor %q", i, w.Requestor)
		}
		seen[w.Requestor] = struct{}{}
	}

	if c.History.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.History.BatchSize < 1 {
			return errors.New("history.batch_size must be >= 1")
		}
		if c.History.BufferSize < 1 {
			return errors.New("history.buffer_size must be >= 1")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
