package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rickgao/propwatch/internal/config"
	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/router"
)

// Broker is the subset of pahomqtt.Client the publisher uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Metrics holds publisher counters.
type Metrics struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Publisher drains a router buffer and publishes each update.
type Publisher struct {
	cfg    config.MQTTConfig
	input  *router.GrowableBuffer[projection.Update]
	broker Broker
	logger *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// Connect dials the broker and returns a publisher for input.
func Connect(cfg config.MQTTConfig, input *router.GrowableBuffer[projection.Update], logger *slog.Logger) (*Publisher, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	opts := buildClientOptions(cfg)
	var p *Publisher
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		if p != nil {
			p.announce("online", "")
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if p != nil {
			p.logger.Warn("mqtt connection lost", "error", err)
		}
	})

	client := pahomqtt.NewClient(opts)
	p = New(cfg, input, client, logger)

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p.logger.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return p, nil
}

// New wraps an existing broker connection.
func New(cfg config.MQTTConfig, input *router.GrowableBuffer[projection.Update], broker Broker, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		input:  input,
		broker: broker,
		logger: logger.With("component", "publisher"),
	}
}

// Run publishes updates until the input buffer is closed or ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.input.Close()
		case <-stop:
		}
	}()

	for {
		u, ok := p.input.Receive()
		if !ok {
			return nil
		}
		if err := p.Publish(u); err != nil {
			p.logger.Warn("publish failed",
				"name", u.DisplayName,
				"error", err,
			)
		}
	}
}

// Publish sends one update and waits for the broker to accept it.
func (p *Publisher) Publish(u projection.Update) error {
	err := p.publish(u)

	p.mu.Lock()
	if err != nil {
		p.metrics.Failed++
	} else {
		p.metrics.Published++
	}
	p.mu.Unlock()

	return err
}

func (p *Publisher) publish(u projection.Update) error {
	if u.DisplayName == "" {
		return ErrInvalidTopic
	}
	if !p.broker.IsConnected() {
		return ErrNotConnected
	}

	payload, err := Payload(u)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	token := p.broker.Publish(Topic(p.cfg.TopicPrefix, u.DisplayName), byte(p.cfg.QoS), p.cfg.Retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Stats returns current counters.
func (p *Publisher) Stats() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Close publishes a graceful offline status and disconnects.
func (p *Publisher) Close() error {
	if p.broker.IsConnected() {
		token := p.announce("offline", "graceful_shutdown")
		token.WaitTimeout(defaultPublishTimeout)
	}
	p.broker.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (p *Publisher) announce(status, reason string) pahomqtt.Token {
	return p.broker.Publish(StatusTopic(p.cfg.TopicPrefix), 1, true, statusPayload(p.cfg.ClientID, status, reason))
}
