package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/subscription"
	"github.com/rickgao/propwatch/internal/trace"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecorder traces frames and state changes.
func WithRecorder(rec trace.Recorder) ManagerOption {
	return func(m *Manager) {
		if rec != nil {
			m.recorder = rec
		}
	}
}

// WithOnReady sets the connectivity callback. It runs on the manager
// goroutine and must not call back into the manager.
func WithOnReady(fn func(ready bool)) ManagerOption {
	return func(m *Manager) {
		m.onReady = fn
	}
}

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.newClient = f
		}
	}
}

// dialResult is posted back to the loop by a dial goroutine.
type dialResult struct {
	session uuid.UUID
	client  Client
	err     error
}

// Manager owns the connection to the property endpoint and the
// subscription registry.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	recorder  trace.Recorder
	onReady   func(bool)
	newClient ClientFactory

	cmds  chan func()
	dials chan dialResult

	lifeMu  sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Lock-free mirrors for IsReady/State.
	stateVal atomic.Uint32

	// Everything below is owned by the run goroutine.
	registry        *subscription.Registry
	backoff         *Backoff
	state           State
	url             string
	shouldReconnect bool
	client          Client
	session         uuid.UUID
	dialing         uuid.UUID
	dialCancel      context.CancelFunc
	broken          error
	reconnectTimer  *time.Timer
	sweepTimer      *time.Timer
	sweepAt         time.Time
	connectedAt     time.Time
	stats           Stats
}

// NewManager creates a new Connection Manager. Call Start to run it.
func NewManager(cfg ManagerConfig, notifier projection.Notifier, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval < 0 {
		cfg.SweepInterval = 0
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "connection"),
		recorder:  trace.NopRecorder{},
		newClient: NewClient,
		cmds:      make(chan func()),
		dials:     make(chan dialResult),
		done:      make(chan struct{}),
		backoff:   NewBackoff(cfg.Reconnect),
		url:       cfg.URL,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registry = subscription.NewRegistry(cfg.Subscriptions, loopSender{m}, notifier, logger.With("component", "registry"))
	return m
}

// Start runs the manager loop until ctx is cancelled or Destroy is called.
// It does not connect; call Connect.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	go m.run()
	return nil
}

// Destroy stops both timers, closes the connection, clears every table and
// stops the loop. No callback runs after it returns nil.
func (m *Manager) Destroy(ctx context.Context) error {
	m.lifeMu.Lock()
	if !m.closed {
		m.closed = true
		if m.started {
			m.cancel()
		} else {
			m.stateVal.Store(uint32(StateClosed))
			close(m.done)
		}
	}
	m.lifeMu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout waiting for manager loop")
		return ctx.Err()
	}
}

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Connect starts connecting to the configured URL and enables automatic
// reconnection. It returns before the connection is established.
func (m *Manager) Connect(ctx context.Context) error {
	return m.do(ctx, func() {
		m.shouldReconnect = true
		m.connect()
	})
}

// Disconnect closes the connection without scheduling a reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, func() {
		m.shouldReconnect = false
		m.stopReconnectTimer()
		m.teardownConnection("operator disconnect")
	})
}

// SetURL changes the endpoint. A live or in-progress connection to the old
// endpoint is replaced by one to the new endpoint.
func (m *Manager) SetURL(ctx context.Context, url string) error {
	return m.do(ctx, func() {
		if url == m.url {
			return
		}
		m.logger.Info("endpoint changed", "old", m.url, "new", url)
		m.url = url

		if m.state == StateConnecting || m.state == StateConnected {
			m.teardownConnection("endpoint changed")
			m.connect()
		}
	})
}

// Subscribe asks to watch key on behalf of requestorID. Values are delivered
// to the notifier under displayName.
func (m *Manager) Subscribe(ctx context.Context, key subscription.Key, requestorID, displayName string, updateFrequencyMs int) error {
	if requestorID == "" || key.Object == "" || key.Property == "" {
		return fmt.Errorf("%w: requestor, object and property are required", ErrInvalidRequest)
	}
	if displayName == "" {
		displayName = requestorID
	}
	return m.do(ctx, func() {
		m.registry.RequestSubscribe(key, requestorID, displayName, updateFrequencyMs)
	})
}

// Unsubscribe drops requestorID's watch.
func (m *Manager) Unsubscribe(ctx context.Context, requestorID string) error {
	var found bool
	if err := m.do(ctx, func() {
		found = m.registry.Unsubscribe(requestorID)
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("requestor %q: %w", requestorID, ErrUnknownSubscription)
	}
	return nil
}

// SetValue writes value to the property watched by requestorID.
func (m *Manager) SetValue(ctx context.Context, requestorID string, value any) error {
	var sendErr error
	var found bool
	if err := m.do(ctx, func() {
		id, ok := m.registry.ActiveID(requestorID)
		if !ok {
			return
		}
		found = true
		sendErr = m.sendSet(id, value)
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("requestor %q: %w", requestorID, ErrUnknownSubscription)
	}
	return sendErr
}

// SetValueByID writes value to the active subscription id.
func (m *Manager) SetValueByID(ctx context.Context, id int64, value any) error {
	var sendErr error
	var found bool
	if err := m.do(ctx, func() {
		if !m.registry.IsActive(id) {
			return
		}
		found = true
		sendErr = m.sendSet(id, value)
	}); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("subscription %d: %w", id, ErrUnknownSubscription)
	}
	return sendErr
}

// GetValue returns the last value delivered for requestorID.
func (m *Manager) GetValue(ctx context.Context, requestorID string) (any, bool) {
	var v any
	var ok bool
	if err := m.do(ctx, func() {
		v, ok = m.registry.Value(requestorID)
	}); err != nil {
		return nil, false
	}
	return v, ok
}

// GetValueByID returns the last value of an active subscription.
func (m *Manager) GetValueByID(ctx context.Context, id int64) (any, bool) {
	var v any
	var ok bool
	if err := m.do(ctx, func() {
		v, ok = m.registry.ValueByID(id)
	}); err != nil {
		return nil, false
	}
	return v, ok
}

// IsReady reports whether the connection is established.
func (m *Manager) IsReady() bool {
	return m.State() == StateConnected
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.stateVal.Load())
}

// Stats returns current statistics.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.do(ctx, func() {
		s = m.stats
		s.State = m.state.String()
		s.URL = m.url
		s.ConnectedAt = m.connectedAt
		if m.session != uuid.Nil {
			s.SessionID = m.session.String()
		}
		s.Subscriptions = m.registry.Counts()
	})
	return s, err
}

// Subscriptions lists every requestor's watch.
func (m *Manager) Subscriptions(ctx context.Context) ([]subscription.View, error) {
	var views []subscription.View
	err := m.do(ctx, func() {
		views = m.registry.Views()
	})
	return views, err
}

// do runs fn on the manager goroutine and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	m.lifeMu.Lock()
	started, closed := m.started, m.closed
	m.lifeMu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	ran := make(chan struct{})
	cmd := func() {
		defer close(ran)
		fn()
	}

	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-ran
	return nil
}

// run is the manager loop. It is the only goroutine touching registry state.
func (m *Manager) run() {
	defer close(m.done)
	defer m.shutdown()

	m.logger.Info("connection manager started", "url", m.url)

	for {
		var (
			msgs <-chan TimestampedMessage
			errs <-chan error
		)
		if m.client != nil {
			msgs = m.client.Messages()
			errs = m.client.Errors()
		}

		select {
		case <-m.ctx.Done():
			return
		case fn := <-m.cmds:
			fn()
		case res := <-m.dials:
			m.handleDial(res)
		case msg := <-msgs:
			m.handleFrame(msg)
		case err := <-errs:
			m.logger.Warn("connection lost", "error", err, "session", m.session)
			m.dropConnection(err)
		case <-timerC(m.reconnectTimer):
			m.reconnectTimer = nil
			m.onReconnectTimer()
		case <-timerC(m.sweepTimer):
			m.sweepTimer = nil
			m.onSweepTimer()
		}

		if m.broken != nil {
			m.dropConnection(m.broken)
		}
		m.scheduleSweep()
	}
}

// shutdown runs on the loop goroutine as it exits.
func (m *Manager) shutdown() {
	m.shouldReconnect = false
	m.stopReconnectTimer()
	m.teardownConnection("shutdown")
	m.registry.Clear()

	m.lifeMu.Lock()
	m.closed = true
	m.lifeMu.Unlock()
	m.setState(StateClosed, "shutdown")

	m.logger.Info("connection manager stopped")
}

// connect starts a dial unless one is in progress or the connection is up.
func (m *Manager) connect() {
	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	m.stopReconnectTimer()
	m.closeClient()

	session := uuid.New()
	m.dialing = session
	dialCtx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel

	cfg := m.cfg.clientConfig()
	cfg.URL = m.url
	logger := m.logger.With("session", session.String())
	m.setState(StateConnecting, "")

	m.logger.Info("connecting", "url", cfg.URL, "session", session)

	go func() {
		c := m.newClient(cfg, logger)
		err := c.Connect(dialCtx)
		select {
		case m.dials <- dialResult{session: session, client: c, err: err}:
		case <-m.done:
			c.Close()
		}
	}()
}

func (m *Manager) handleDial(res dialResult) {
	if res.session != m.dialing || m.state != StateConnecting {
		m.logger.Debug("discarding stale dial result", "session", res.session)
		res.client.Close()
		return
	}

	m.dialing = uuid.Nil
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	if res.err != nil {
		res.client.Close()
		m.logger.Warn("connect failed", "url", m.url, "error", res.err)
		m.recordError(res.err)
		m.setState(StateDisconnected, res.err.Error())
		m.scheduleReconnect()
		return
	}

	m.client = res.client
	m.session = res.session
	m.broken = nil
	m.connectedAt = time.Now()
	m.stats.Connects++

	m.stopReconnectTimer()
	m.backoff.Reset()
	m.setState(StateConnected, "")

	n := m.registry.Resync()
	m.logger.Info("connected",
		"url", m.url,
		"session", m.session,
		"resubscribed", n,
	)
}

// dropConnection handles an unexpected loss of the connection.
func (m *Manager) dropConnection(cause error) {
	if m.state != StateConnected {
		m.broken = nil
		return
	}
	m.recordError(cause)
	m.teardownConnection(cause.Error())
	m.scheduleReconnect()
}

// teardownConnection closes any connection or dial in progress and
// invalidates every pending and active subscription. Intents are kept.
func (m *Manager) teardownConnection(reason string) {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.dialing = uuid.Nil
	m.broken = nil

	m.stopSweep()
	m.closeClient()
	m.registry.Reset()
	m.session = uuid.Nil
	m.connectedAt = time.Time{}

	if m.state != StateDisconnected && m.state != StateClosed {
		m.setState(StateDisconnected, reason)
	}
}

func (m *Manager) closeClient() {
	if m.client == nil {
		return
	}
	if err := m.client.Close(); err != nil {
		m.logger.Debug("close failed", "error", err)
	}
	m.client = nil
}

func (m *Manager) setState(s State, reason string) {
	if s == m.state {
		return
	}
	prev := m.state
	m.state = s
	m.stateVal.Store(uint32(s))

	m.recorder.Record(trace.Event{
		Timestamp: time.Now(),
		SessionID: m.sessionString(),
		Kind:      trace.KindState,
		State:     s.String(),
		Error:     reason,
	})
	m.logger.Debug("state changed", "from", prev, "to", s, "reason", reason)

	if m.onReady == nil {
		return
	}
	switch {
	case s == StateConnected:
		m.onReady(true)
	case prev == StateConnected:
		m.onReady(false)
	}
}

// scheduleReconnect arms the one-shot reconnect timer, replacing any
// previous one. It never arms while reconnection is disabled.
func (m *Manager) scheduleReconnect() {
	if !m.shouldReconnect {
		return
	}
	m.stopReconnectTimer()

	delay := m.backoff.Next()
	m.reconnectTimer = time.NewTimer(delay)
	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", m.backoff.Attempts())
}

func (m *Manager) stopReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) onReconnectTimer() {
	if !m.shouldReconnect || m.state != StateDisconnected {
		return
	}
	m.stats.Reconnects++
	m.connect()
}

// scheduleSweep keeps the sweep timer aimed just past the earliest pending
// deadline, or SweepInterval from now when that is sooner. With nothing
// pending or no connection the timer is stopped.
func (m *Manager) scheduleSweep() {
	if m.state != StateConnected {
		m.stopSweep()
		return
	}
	deadline, ok := m.registry.NextExpiry()
	if !ok {
		m.stopSweep()
		return
	}

	// Expiry is strict, so fire just after the deadline.
	at := deadline.Add(time.Millisecond)
	if m.cfg.SweepInterval > 0 {
		if limit := time.Now().Add(m.cfg.SweepInterval); limit.Before(at) {
			if m.sweepTimer != nil && !m.sweepAt.After(limit) {
				return
			}
			at = limit
		}
	}
	if m.sweepTimer != nil && m.sweepAt.Equal(at) {
		return
	}

	m.stopSweep()
	m.sweepAt = at
	m.sweepTimer = time.NewTimer(time.Until(at))
}

func (m *Manager) stopSweep() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
		m.sweepTimer = nil
	}
	m.sweepAt = time.Time{}
}

func (m *Manager) onSweepTimer() {
	m.sweepAt = time.Time{}
	if m.state != StateConnected {
		return
	}
	if n := m.registry.Sweep(time.Now()); n > 0 {
		m.stats.Swept += int64(n)
		m.logger.Info("expired unconfirmed subscriptions", "count", n)
	}
}

// handleFrame dispatches one server frame. Bad frames are logged and dropped.
func (m *Manager) handleFrame(msg TimestampedMessage) {
	m.stats.FramesIn++
	m.recorder.Record(trace.Event{
		Timestamp: msg.ReceivedAt,
		SessionID: m.sessionString(),
		Direction: trace.DirectionIn,
		Kind:      trace.KindFrame,
		Frame:     msg.Data,
	})

	in, err := DecodeFrame(msg.Data)
	if err != nil {
		m.stats.Malformed++
		m.logger.Warn("dropping frame", "error", err, "bytes", len(msg.Data))
		return
	}

	if in.HasError {
		m.stats.RemoteErrors++
		if key, ok := m.registry.FailPendingByMessage(in.Error); ok {
			m.logger.Debug("remote error matched pending subscription", "key", key.String())
		} else {
			m.logger.Warn("server error", "message", in.Error)
		}
	}

	if in.HasSnapshot {
		m.registry.Reconcile(in.Snapshot)
	}

	for _, vc := range in.Values {
		m.registry.ApplyValueUpdate(vc)
	}
}

// loopSender gives the registry access to send. Only called on the loop.
type loopSender struct {
	m *Manager
}

func (s loopSender) SendSubscribe(key subscription.Key, updateFrequencyMs int) error {
	data, err := EncodeSubscribe(key, updateFrequencyMs)
	if err != nil {
		return err
	}
	return s.m.send(data)
}

func (s loopSender) SendUnsubscribe(id int64) error {
	data, err := EncodeUnsubscribe(id)
	if err != nil {
		return err
	}
	return s.m.send(data)
}

func (m *Manager) sendSet(id int64, value any) error {
	data, err := EncodeSet(id, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m.send(data)
}

// send writes a frame on the loop goroutine. A write failure closes the
// client at once; the loop then drops the session and schedules a reconnect.
func (m *Manager) send(data []byte) error {
	if m.state != StateConnected || m.client == nil || m.broken != nil {
		m.logger.Warn("send while not connected", "state", m.state, "bytes", len(data))
		return ErrNotConnected
	}

	if err := m.client.Send(data); err != nil {
		m.stats.SendFailures++
		m.logger.Warn("send failed, closing connection", "error", err)
		m.broken = fmt.Errorf("send: %w", err)
		m.closeClient()
		return m.broken
	}

	m.stats.FramesOut++
	m.recorder.Record(trace.Event{
		Timestamp: time.Now(),
		SessionID: m.sessionString(),
		Direction: trace.DirectionOut,
		Kind:      trace.KindFrame,
		Frame:     data,
	})
	return nil
}

func (m *Manager) recordError(err error) {
	m.recorder.Record(trace.Event{
		Timestamp: time.Now(),
		SessionID: m.sessionString(),
		Kind:      trace.KindError,
		Error:     err.Error(),
	})
}

func (m *Manager) sessionString() string {
	if m.session == uuid.Nil {
		return ""
	}
	return m.session.String()
}

// timerC returns t's channel, or nil so a select case never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
