package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/subscription"
)

var lenKey = subscription.Key{Object: "track:track_1", Property: "object.lengthInBeats"}

const lenSubscribe = `{"subscribe":{"object":"track:track_1","properties":["object.lengthInBeats"]}}`

// peer is one server-side connection of the fake endpoint.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs []map[string]any
}

func (p *peer) sendRaw(t *testing.T, data string) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// endpoint is a fake property server. With confirm set it answers each
// subscribe or unsubscribe with a full snapshot for that connection.
type endpoint struct {
	url     string
	frames  chan string
	conns   chan *peer
	confirm bool

	mu     sync.Mutex
	nextID int64
}

func newEndpoint(t *testing.T, confirm bool) *endpoint {
	t.Helper()
	e := &endpoint{
		frames:  make(chan string, 100),
		conns:   make(chan *peer, 10),
		confirm: confirm,
		nextID:  42,
	}
	server := mockWSServer(t, func(conn *websocket.Conn) {
		p := &peer{conn: conn, subs: []map[string]any{}}
		e.conns <- p
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if e.confirm {
				e.answer(p, data)
			}
			e.frames <- string(data)
		}
	})
	t.Cleanup(server.Close)
	e.url = wsURL(server)
	return e
}

func (e *endpoint) answer(p *peer, data []byte) {
	var f struct {
		Subscribe   *SubscribeParams   `json:"subscribe"`
		Unsubscribe *UnsubscribeParams `json:"unsubscribe"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case f.Subscribe != nil:
		e.mu.Lock()
		id := e.nextID
		e.nextID++
		e.mu.Unlock()
		p.subs = append(p.subs, map[string]any{
			"id":           id,
			"objectPath":   f.Subscribe.Object,
			"propertyPath": f.Subscribe.Properties[0],
		})
	case f.Unsubscribe != nil:
		kept := p.subs[:0]
		for _, s := range p.subs {
			if s["id"] != f.Unsubscribe.ID {
				kept = append(kept, s)
			}
		}
		p.subs = kept
	default:
		return
	}
	p.conn.WriteJSON(map[string]any{"subscriptions": p.subs})
}

func (e *endpoint) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-e.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return ""
	}
}

func (e *endpoint) expectFrame(t *testing.T, want string) {
	t.Helper()
	if got := e.nextFrame(t); got != want {
		t.Fatalf("frame = %s, want %s", got, want)
	}
}

func (e *endpoint) nextPeer(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-e.conns:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.PingInterval = 0
	cfg.Reconnect = BackoffConfig{Initial: 20 * time.Millisecond}
	return cfg
}

// readiness records OnReady transitions.
type readiness struct {
	mu     sync.Mutex
	states []bool
}

func (r *readiness) record(ready bool) {
	r.mu.Lock()
	r.states = append(r.states, ready)
	r.mu.Unlock()
}

func (r *readiness) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func startManager(t *testing.T, cfg ManagerConfig, opts ...ManagerOption) (*Manager, chan projection.Update) {
	t.Helper()
	updates := make(chan projection.Update, 100)
	notifier := projection.NotifierFunc(func(u projection.Update) { updates <- u })

	m := NewManager(cfg, notifier, slog.Default(), opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Destroy(ctx)
	})
	return m, updates
}

func connectAndWait(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "ready", m.IsReady)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func nextUpdate(t *testing.T, updates <-chan projection.Update) projection.Update {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
		return projection.Update{}
	}
}

func activeID(t *testing.T, m *Manager, requestor string) int64 {
	t.Helper()
	views, err := m.Subscriptions(context.Background())
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	for _, v := range views {
		if v.RequestorID == requestor && v.Phase == subscription.PhaseActive {
			return v.ID
		}
	}
	return 0
}

func TestManager_SubscribeConfirmValue(t *testing.T) {
	e := newEndpoint(t, true)
	m, updates := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()

	if err := m.Subscribe(ctx, lenKey, "f1", "len", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	e.expectFrame(t, lenSubscribe)
	p := e.nextPeer(t)

	waitFor(t, "active id 42", func() bool { return activeID(t, m, "f1") == 42 })

	p.sendRaw(t, `{"valuesChanged":[{"id":42,"value":120,"changeTimestamp":1,"messageTimestamp":2}]}`)
	u := nextUpdate(t, updates)
	if u.DisplayName != "len" || u.Value != 120.0 || u.State != projection.StateValue {
		t.Errorf("update = %+v", u)
	}

	v, ok := m.GetValue(ctx, "f1")
	if !ok || v != 120.0 {
		t.Errorf("GetValue = %v, %v", v, ok)
	}
	v, ok = m.GetValueByID(ctx, 42)
	if !ok || v != 120.0 {
		t.Errorf("GetValueByID = %v, %v", v, ok)
	}

	if err := m.SetValue(ctx, "f1", 64); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	e.expectFrame(t, `{"set":[{"id":42,"value":64}]}`)

	if err := m.SetValueByID(ctx, 42, "x"); err != nil {
		t.Fatalf("SetValueByID: %v", err)
	}
	e.expectFrame(t, `{"set":[{"id":42,"value":"x"}]}`)

	if err := m.Unsubscribe(ctx, "f1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	e.expectFrame(t, `{"unsubscribe":{"id":42}}`)

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.State != "connected" || stats.Connects != 1 || stats.FramesOut != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SessionID == "" {
		t.Error("expected session id")
	}
}

func TestManager_UnknownRequestor(t *testing.T) {
	e := newEndpoint(t, true)
	m, _ := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()

	if err := m.Unsubscribe(ctx, "nobody"); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Unsubscribe err = %v", err)
	}
	if err := m.SetValue(ctx, "nobody", 1); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("SetValue err = %v", err)
	}
	if err := m.SetValueByID(ctx, 99, 1); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("SetValueByID err = %v", err)
	}
	if err := m.Subscribe(ctx, subscription.Key{Object: "a"}, "r", "", 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Subscribe err = %v", err)
	}
	if _, ok := m.GetValue(ctx, "nobody"); ok {
		t.Error("GetValue should miss")
	}
}

func TestManager_ReconnectReplaysIntents(t *testing.T) {
	e := newEndpoint(t, true)
	ready := &readiness{}
	m, _ := startManager(t, testManagerConfig(e.url), WithOnReady(ready.record))
	connectAndWait(t, m)
	ctx := context.Background()

	if err := m.Subscribe(ctx, lenKey, "f1", "len", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	e.expectFrame(t, lenSubscribe)
	first := e.nextPeer(t)
	waitFor(t, "active id 42", func() bool { return activeID(t, m, "f1") == 42 })

	// Server drops the session.
	first.conn.Close()

	second := e.nextPeer(t)
	e.expectFrame(t, lenSubscribe)
	waitFor(t, "active id 43", func() bool { return activeID(t, m, "f1") == 43 })

	// A value for the old session's id is ignored.
	second.sendRaw(t, `{"valuesChanged":[{"id":42,"value":1}]}`)
	if _, ok := m.GetValueByID(ctx, 42); ok {
		t.Error("old id should not be tracked")
	}

	got := ready.get()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("readiness = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("readiness = %v, want %v", got, want)
		}
	}

	stats, _ := m.Stats(ctx)
	if stats.Connects != 2 || stats.Reconnects != 1 {
		t.Errorf("connects=%d reconnects=%d", stats.Connects, stats.Reconnects)
	}
}

func TestManager_SnapshotRestoresOnlyWantedKeys(t *testing.T) {
	e := newEndpoint(t, false)
	m, _ := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()
	p := e.nextPeer(t)

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)

	p.sendRaw(t, `{"subscriptions":[
		{"id":42,"objectPath":"track:track_1","propertyPath":"object.lengthInBeats"},
		{"id":7,"objectPath":"other","propertyPath":"client"}]}`)
	waitFor(t, "active id 42", func() bool { return activeID(t, m, "f1") == 42 })

	stats, _ := m.Stats(ctx)
	if stats.Subscriptions.Active != 1 {
		t.Errorf("active = %d, want 1", stats.Subscriptions.Active)
	}
}

func TestManager_RemoteSubscribeError(t *testing.T) {
	e := newEndpoint(t, false)
	m, updates := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()
	p := e.nextPeer(t)

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)

	p.sendRaw(t, `{"error":"Unable to subscribe to track:track_1 / object.lengthInBeats - no such object"}`)
	u := nextUpdate(t, updates)
	if u.Value != projection.TokenError || u.State != projection.StateFailed || u.DisplayName != "len" {
		t.Errorf("update = %+v", u)
	}

	views, _ := m.Subscriptions(ctx)
	if len(views) != 0 {
		t.Errorf("views = %+v, want none", views)
	}
}

func TestManager_PendingTimeout(t *testing.T) {
	e := newEndpoint(t, false)
	cfg := testManagerConfig(e.url)
	cfg.Subscriptions.PendingTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	m, updates := startManager(t, cfg)
	connectAndWait(t, m)

	m.Subscribe(context.Background(), lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)

	u := nextUpdate(t, updates)
	if u.Value != projection.TokenError || u.DisplayName != "len" {
		t.Errorf("update = %+v", u)
	}

	select {
	case extra := <-updates:
		t.Errorf("unexpected second update %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_PendingTimeoutDefaultSweep(t *testing.T) {
	const timeout = 300 * time.Millisecond

	e := newEndpoint(t, false)
	cfg := testManagerConfig(e.url)
	cfg.Subscriptions.PendingTimeout = timeout
	m, updates := startManager(t, cfg)

	// Subscribed before connecting, so the pending entry comes from the resync.
	if err := m.Subscribe(context.Background(), lenKey, "f1", "len", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	start := time.Now()
	connectAndWait(t, m)
	e.expectFrame(t, lenSubscribe)

	u := nextUpdate(t, updates)
	elapsed := time.Since(start)
	if u.Value != projection.TokenError || u.DisplayName != "len" {
		t.Errorf("update = %+v", u)
	}
	if elapsed < timeout {
		t.Errorf("expired after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+200*time.Millisecond {
		t.Errorf("expired after %v, want close to %v", elapsed, timeout)
	}
	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Swept != 1 {
		t.Errorf("Swept = %d, want 1", stats.Swept)
	}
}

func TestManager_ErrorThreshold(t *testing.T) {
	e := newEndpoint(t, true)
	m, updates := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)
	p := e.nextPeer(t)
	waitFor(t, "active id 42", func() bool { return activeID(t, m, "f1") == 42 })

	bad := `{"valuesChanged":[{"id":42,"value":{"errorType":"X","message":"bad path"}}]}`
	for i := 0; i < 3; i++ {
		p.sendRaw(t, bad)
	}

	e.expectFrame(t, `{"unsubscribe":{"id":42}}`)

	var last projection.Update
	for i := 0; i < 3; i++ {
		last = nextUpdate(t, updates)
	}
	if last.Value != projection.TokenUnsubscribed || last.State != projection.StateFailed {
		t.Errorf("last update = %+v", last)
	}
	if _, ok := m.GetValueByID(ctx, 42); ok {
		t.Error("id 42 should be gone")
	}
}

func TestManager_MalformedFramesDropped(t *testing.T) {
	e := newEndpoint(t, true)
	m, updates := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	ctx := context.Background()

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)
	p := e.nextPeer(t)
	waitFor(t, "active id 42", func() bool { return activeID(t, m, "f1") == 42 })

	p.sendRaw(t, `not json`)
	p.sendRaw(t, `{"hello":1}`)
	p.sendRaw(t, `{"valuesChanged":[{"id":42,"value":"ok"}]}`)

	u := nextUpdate(t, updates)
	if u.Value != "ok" {
		t.Errorf("update = %+v", u)
	}

	stats, _ := m.Stats(ctx)
	if stats.Malformed != 2 {
		t.Errorf("malformed = %d, want 2", stats.Malformed)
	}
	if !m.IsReady() {
		t.Error("bad frames must not drop the connection")
	}
}

func TestManager_DisconnectDoesNotReconnect(t *testing.T) {
	e := newEndpoint(t, true)
	m, _ := startManager(t, testManagerConfig(e.url))
	connectAndWait(t, m)
	e.nextPeer(t)
	ctx := context.Background()

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)

	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v", m.State())
	}

	select {
	case <-e.conns:
		t.Fatal("manager reconnected after Disconnect")
	case <-time.After(150 * time.Millisecond):
	}

	// The intent survives and is replayed on the next Connect.
	views, _ := m.Subscriptions(ctx)
	if len(views) != 1 || views[0].Phase != subscription.PhaseWanted {
		t.Errorf("views = %+v", views)
	}

	connectAndWait(t, m)
	e.expectFrame(t, lenSubscribe)
}

func TestManager_SetURL(t *testing.T) {
	a := newEndpoint(t, true)
	b := newEndpoint(t, true)
	m, _ := startManager(t, testManagerConfig(a.url))
	connectAndWait(t, m)
	a.nextPeer(t)
	ctx := context.Background()

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	a.expectFrame(t, lenSubscribe)

	if err := m.SetURL(ctx, b.url); err != nil {
		t.Fatalf("SetURL: %v", err)
	}
	b.nextPeer(t)
	b.expectFrame(t, lenSubscribe)

	stats, _ := m.Stats(ctx)
	if stats.URL != b.url {
		t.Errorf("url = %s", stats.URL)
	}
}

func TestManager_ConnectFailureRetries(t *testing.T) {
	m, _ := startManager(t, testManagerConfig("ws://127.0.0.1:1/unreachable"))
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "reconnect attempts", func() bool {
		s, err := m.Stats(context.Background())
		return err == nil && s.Reconnects >= 2
	})
	if m.IsReady() {
		t.Error("should not be ready")
	}
}

// fakeClient is a Client whose Send can be made to fail.
type fakeClient struct {
	msgs    chan TimestampedMessage
	errs    chan error
	sendErr error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeClient(sendErr error) *fakeClient {
	return &fakeClient{
		msgs:    make(chan TimestampedMessage, 10),
		errs:    make(chan error, 1),
		sendErr: sendErr,
	}
}

func (c *fakeClient) Connect(context.Context) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.msgs }
func (c *fakeClient) Errors() <-chan error               { return c.errs }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestManager_SendFailureReconnects(t *testing.T) {
	var (
		mu      sync.Mutex
		clients []*fakeClient
	)
	factory := func(ClientConfig, *slog.Logger) Client {
		mu.Lock()
		defer mu.Unlock()
		var c *fakeClient
		if len(clients) == 0 {
			c = newFakeClient(errors.New("broken pipe"))
		} else {
			c = newFakeClient(nil)
		}
		clients = append(clients, c)
		return c
	}
	clientAt := func(i int) *fakeClient {
		mu.Lock()
		defer mu.Unlock()
		if i < len(clients) {
			return clients[i]
		}
		return nil
	}

	m, _ := startManager(t, testManagerConfig("ws://fake"), WithClientFactory(factory))
	connectAndWait(t, m)
	ctx := context.Background()

	if err := m.Subscribe(ctx, lenKey, "f1", "len", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, "second client", func() bool { return clientAt(1) != nil })
	waitFor(t, "replayed subscribe", func() bool { return len(clientAt(1).sentFrames()) == 1 })

	if got := clientAt(1).sentFrames()[0]; got != lenSubscribe {
		t.Errorf("replayed frame = %s", got)
	}
	if !clientAt(0).isClosed() {
		t.Error("failed client should be closed")
	}

	stats, _ := m.Stats(ctx)
	if stats.SendFailures != 1 || stats.Reconnects != 1 {
		t.Errorf("send_failures=%d reconnects=%d", stats.SendFailures, stats.Reconnects)
	}
}

func TestManager_TransportErrorReconnects(t *testing.T) {
	var (
		mu      sync.Mutex
		clients []*fakeClient
	)
	factory := func(ClientConfig, *slog.Logger) Client {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeClient(nil)
		clients = append(clients, c)
		return c
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(clients)
	}

	m, _ := startManager(t, testManagerConfig("ws://fake"), WithClientFactory(factory))
	connectAndWait(t, m)

	mu.Lock()
	first := clients[0]
	mu.Unlock()
	first.errs <- ErrStaleConnection

	waitFor(t, "second client", func() bool { return count() == 2 })
	waitFor(t, "ready again", m.IsReady)
}

func TestManager_Destroy(t *testing.T) {
	e := newEndpoint(t, true)
	ready := &readiness{}
	m, _ := startManager(t, testManagerConfig(e.url), WithOnReady(ready.record))
	connectAndWait(t, m)
	ctx := context.Background()

	m.Subscribe(ctx, lenKey, "f1", "len", 0)
	e.expectFrame(t, lenSubscribe)

	if err := m.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.State() != StateClosed || m.IsReady() {
		t.Errorf("state = %v", m.State())
	}
	n := len(ready.get())

	if err := m.Subscribe(ctx, lenKey, "f2", "len", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Destroy: %v", err)
	}
	if err := m.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Destroy: %v", err)
	}
	if err := m.Destroy(ctx); err != nil {
		t.Errorf("second Destroy: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if len(ready.get()) != n {
		t.Error("callback fired after Destroy")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestManager_NotStarted(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, nil)

	if err := m.Connect(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Connect before Start: %v", err)
	}
	if err := m.Destroy(context.Background()); err != nil {
		t.Errorf("Destroy: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Destroy: %v", err)
	}
}
