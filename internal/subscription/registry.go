package subscription

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rickgao/propwatch/internal/projection"
)

// remoteSubscribeErrorPrefix starts the server's error text for a rejected subscribe:
// "Unable to subscribe to <object> / <property> - <reason>".
const remoteSubscribeErrorPrefix = "Unable to subscribe to "

// Registry is the authoritative table of intents, pending and active subscriptions.
type Registry struct {
	cfg    Config
	sender Sender
	notify projection.Notifier
	health *HealthPolicy
	logger *slog.Logger
	now    func() time.Time

	intents     map[string]*Intent // requestor ID → intent
	pending     map[Key]*Pending
	active      map[int64]*Active
	activeByKey map[Key]int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, sender Sender, notify projection.Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = projection.Nop{}
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.ErrorThreshold < 1 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}

	return &Registry{
		cfg:         cfg,
		sender:      sender,
		notify:      notify,
		health:      NewHealthPolicy(cfg.ErrorThreshold),
		logger:      logger,
		now:         time.Now,
		intents:     make(map[string]*Intent),
		pending:     make(map[Key]*Pending),
		active:      make(map[int64]*Active),
		activeByKey: make(map[Key]int64),
	}
}

// SetClock replaces the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// RequestSubscribe records a requestor's intent to watch key and, unless the key is
// already pending or active, sends a subscribe frame for it.
//
// A requestor watching a different key releases that one first. Repeating a
// request for a key that is still pending is ignored.
func (r *Registry) RequestSubscribe(key Key, requestorID, displayName string, updateFrequencyMs int) {
	if existing, ok := r.intents[requestorID]; ok {
		if existing.Key == key {
			if _, isPending := r.pending[key]; isPending {
				r.logger.Warn("duplicate subscribe while pending, ignoring",
					"requestor", requestorID,
					"key", key.String(),
				)
				return
			}

			existing.DisplayName = displayName
			existing.UpdateFrequencyMs = updateFrequencyMs
			if a := r.activeFor(key); a != nil {
				if a.HasValue {
					r.emit(existing, a.ID, a.LastValue, projection.StateValue)
				}
				return
			}

			r.startPending(key, updateFrequencyMs)
			return
		}

		r.logger.Debug("requestor switching key",
			"requestor", requestorID,
			"old_key", existing.Key.String(),
			"new_key", key.String(),
		)
		r.release(existing)
	}

	intent := &Intent{
		RequestorID:       requestorID,
		Key:               key,
		DisplayName:       displayName,
		UpdateFrequencyMs: updateFrequencyMs,
		CreatedAt:         r.now(),
	}
	r.intents[requestorID] = intent

	if a := r.activeFor(key); a != nil {
		r.logger.Debug("joined active subscription", "requestor", requestorID, "id", a.ID)
		if a.HasValue {
			r.emit(intent, a.ID, a.LastValue, projection.StateValue)
		}
		return
	}

	if _, isPending := r.pending[key]; isPending {
		r.logger.Debug("joined pending subscription", "requestor", requestorID, "key", key.String())
		return
	}

	r.startPending(key, updateFrequencyMs)
}

// Unsubscribe drops a requestor's intent. When it was the last owner, an active
// subscription is released on the server and a pending one is cancelled locally.
// It reports whether the requestor had an intent.
func (r *Registry) Unsubscribe(requestorID string) bool {
	intent, ok := r.intents[requestorID]
	if !ok {
		r.logger.Debug("unsubscribe for unknown requestor", "requestor", requestorID)
		return false
	}
	r.release(intent)
	return true
}

// Reconcile rebuilds the active table from the server's full snapshot.
//
// Pending entries whose key appears are promoted with the listed id; active
// entries whose id appears are carried over unchanged; everything else in the
// snapshot is ignored. Active entries missing from the snapshot are dropped.
func (r *Registry) Reconcile(entries []SnapshotEntry) {
	next := make(map[int64]*Active, len(entries))
	nextByKey := make(map[Key]int64, len(entries))
	promoted := 0

	for _, e := range entries {
		if _, dup := next[e.ID]; dup {
			r.logger.Warn("snapshot lists id twice", "id", e.ID)
			continue
		}

		if _, ok := r.pending[e.Key]; ok {
			if _, taken := nextByKey[e.Key]; taken {
				// Already confirmed by an earlier entry in this snapshot.
				delete(r.pending, e.Key)
				continue
			}
			delete(r.pending, e.Key)
			next[e.ID] = &Active{ID: e.ID, Key: e.Key}
			nextByKey[e.Key] = e.ID
			promoted++
			r.logger.Debug("subscription confirmed", "id", e.ID, "key", e.Key.String())
			continue
		}

		if prev, ok := r.active[e.ID]; ok {
			if _, taken := nextByKey[prev.Key]; taken {
				continue
			}
			next[e.ID] = prev
			nextByKey[prev.Key] = e.ID
			continue
		}

		// Another client's subscription, or one this session already released.
	}

	var dropped []Key
	for id, prev := range r.active {
		if _, kept := next[id]; kept {
			continue
		}
		r.logger.Info("subscription dropped by server", "id", id, "key", prev.Key.String())
		dropped = append(dropped, prev.Key)
	}

	r.active = next
	r.activeByKey = nextByKey

	if r.cfg.ResubscribeDropped {
		sortKeys(dropped)
		for _, key := range dropped {
			if r.activeFor(key) != nil || r.pending[key] != nil {
				continue
			}
			owners := r.owners(key)
			if len(owners) == 0 {
				continue
			}
			r.logger.Info("resubscribing dropped subscription", "key", key.String(), "owners", len(owners))
			r.startPending(key, owners[0].UpdateFrequencyMs)
		}
	}

	r.logger.Debug("snapshot reconciled",
		"entries", len(entries),
		"promoted", promoted,
		"active", len(r.active),
		"dropped", len(dropped),
		"pending", len(r.pending),
	)
}

// ApplyValueUpdate records a value change for an active subscription and
// projects it to every owner. Unknown ids are ignored.
func (r *Registry) ApplyValueUpdate(vc ValueChange) {
	a, ok := r.active[vc.ID]
	if !ok {
		r.logger.Debug("value for untracked subscription", "id", vc.ID)
		return
	}

	a.LastChangeTime = vc.ChangeTime
	a.LastMessageTime = vc.MessageTime
	a.LastUpdateAt = r.now()

	outcome, remote := r.health.Observe(a, vc.Value)
	switch outcome {
	case OutcomeHealthy:
		a.LastValue = projection.Project(vc.Value)
		a.HasValue = true
		r.emitAll(a.Key, a.ID, a.LastValue, projection.StateValue, vc.ChangeTime)

	case OutcomeDegraded:
		a.LastValue = projection.Degraded(remote)
		a.HasValue = true
		r.logger.Warn("subscription reported error",
			"id", a.ID,
			"key", a.Key.String(),
			"error_type", remote.Type,
			"message", remote.Message,
			"consecutive", a.ConsecutiveErrors,
		)
		r.emitAll(a.Key, a.ID, a.LastValue, projection.StateDegraded, vc.ChangeTime)

	case OutcomeExhausted:
		r.logger.Warn("unsubscribing after repeated errors",
			"id", a.ID,
			"key", a.Key.String(),
			"errors", a.ConsecutiveErrors,
		)
		if err := r.sender.SendUnsubscribe(a.ID); err != nil {
			r.logger.Warn("unsubscribe send failed", "id", a.ID, "error", err)
		}
		delete(r.active, a.ID)
		delete(r.activeByKey, a.Key)
		r.failOwners(a.Key, a.ID, projection.TokenUnsubscribed)
	}
}

// FailPendingByMessage matches a server error message of the form
// "Unable to subscribe to <object> / <property> - ..." to a pending entry and
// fails it. It returns the matched key.
func (r *Registry) FailPendingByMessage(msg string) (Key, bool) {
	if !strings.HasPrefix(msg, remoteSubscribeErrorPrefix) {
		return Key{}, false
	}
	rest := strings.TrimPrefix(msg, remoteSubscribeErrorPrefix)

	// Longest match wins when one key is a prefix of another.
	var (
		best    Key
		bestLen = -1
	)
	for key := range r.pending {
		s := key.String()
		if rest != s && !strings.HasPrefix(rest, s+" - ") {
			continue
		}
		if len(s) > bestLen {
			best, bestLen = key, len(s)
		}
	}
	if bestLen < 0 {
		return Key{}, false
	}

	r.logger.Warn("subscribe rejected by server", "key", best.String(), "error", msg)
	r.FailPending(best)
	return best, true
}

// FailPending removes the pending entry for key; its owners receive the error
// token and lose their intent. It reports whether an entry existed.
func (r *Registry) FailPending(key Key) bool {
	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	r.failOwners(key, 0, projection.TokenError)
	return true
}

// Sweep expires pending entries older than the pending timeout and returns
// how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	var expired []Key
	for key, p := range r.pending {
		if now.Sub(p.CreatedAt) > r.cfg.PendingTimeout {
			expired = append(expired, key)
		}
	}
	sortKeys(expired)

	for _, key := range expired {
		r.logger.Warn("subscribe not confirmed in time",
			"key", key.String(),
			"timeout", r.cfg.PendingTimeout,
		)
		r.FailPending(key)
	}
	return len(expired)
}

// NextExpiry returns when the oldest pending entry times out.
func (r *Registry) NextExpiry() (time.Time, bool) {
	var oldest time.Time
	for _, p := range r.pending {
		if oldest.IsZero() || p.CreatedAt.Before(oldest) {
			oldest = p.CreatedAt
		}
	}
	if oldest.IsZero() {
		return time.Time{}, false
	}
	return oldest.Add(r.cfg.PendingTimeout), true
}

// Resync starts a new session: pending and active entries are discarded and a
// subscribe is sent for every distinct key still wanted. It returns the number
// of subscribe requests issued.
func (r *Registry) Resync() int {
	r.Reset()

	keys := make([]Key, 0, len(r.intents))
	freq := make(map[Key]int, len(r.intents))
	for _, in := range r.sortedIntents() {
		if _, seen := freq[in.Key]; seen {
			continue
		}
		freq[in.Key] = in.UpdateFrequencyMs
		keys = append(keys, in.Key)
	}
	sortKeys(keys)

	for _, key := range keys {
		r.startPending(key, freq[key])
	}
	return len(keys)
}

// Reset drops every pending and active entry. Intents are kept.
func (r *Registry) Reset() {
	r.pending = make(map[Key]*Pending)
	r.active = make(map[int64]*Active)
	r.activeByKey = make(map[Key]int64)
}

// Clear drops everything, intents included.
func (r *Registry) Clear() {
	r.Reset()
	r.intents = make(map[string]*Intent)
}

// Value returns the last projected value seen for a requestor's subscription.
func (r *Registry) Value(requestorID string) (any, bool) {
	in, ok := r.intents[requestorID]
	if !ok {
		return nil, false
	}
	a := r.activeFor(in.Key)
	if a == nil || !a.HasValue {
		return nil, false
	}
	return a.LastValue, true
}

// ValueByID returns the last projected value of an active subscription.
func (r *Registry) ValueByID(id int64) (any, bool) {
	a, ok := r.active[id]
	if !ok || !a.HasValue {
		return nil, false
	}
	return a.LastValue, true
}

// ActiveID returns the server id backing a requestor's watch.
func (r *Registry) ActiveID(requestorID string) (int64, bool) {
	in, ok := r.intents[requestorID]
	if !ok {
		return 0, false
	}
	id, ok := r.activeByKey[in.Key]
	return id, ok
}

// IsActive reports whether id is a tracked active subscription.
func (r *Registry) IsActive(id int64) bool {
	_, ok := r.active[id]
	return ok
}

// Active returns a copy of the active entry with the given id.
func (r *Registry) Active(id int64) (Active, bool) {
	a, ok := r.active[id]
	if !ok {
		return Active{}, false
	}
	return *a, true
}

// ActiveIDs returns the tracked server ids in ascending order.
func (r *Registry) ActiveIDs() []int64 {
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PendingKeys returns the outstanding pending keys in order.
func (r *Registry) PendingKeys() []Key {
	keys := make([]Key, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Counts returns the table sizes.
func (r *Registry) Counts() Counts {
	return Counts{
		Intents: len(r.intents),
		Pending: len(r.pending),
		Active:  len(r.active),
	}
}

// Views summarizes every requestor's watch, ordered by requestor id.
func (r *Registry) Views() []View {
	intents := r.sortedIntents()
	views := make([]View, 0, len(intents))
	for _, in := range intents {
		v := View{
			RequestorID: in.RequestorID,
			DisplayName: in.DisplayName,
			Object:      in.Key.Object,
			Property:    in.Key.Property,
			Phase:       PhaseWanted,
		}
		if a := r.activeFor(in.Key); a != nil {
			v.Phase = PhaseActive
			v.ID = a.ID
			v.ConsecutiveErrors = a.ConsecutiveErrors
			v.UpdatedAt = a.LastUpdateAt
			if a.HasValue {
				v.Value = a.LastValue
			}
		} else if _, ok := r.pending[in.Key]; ok {
			v.Phase = PhasePending
		}
		views = append(views, v)
	}
	return views
}

// startPending records a pending entry and sends its subscribe frame. A send
// failure keeps the entry; it is retried on reconnect or expired by Sweep.
func (r *Registry) startPending(key Key, updateFrequencyMs int) {
	r.pending[key] = &Pending{
		Key:               key,
		CreatedAt:         r.now(),
		UpdateFrequencyMs: updateFrequencyMs,
	}

	if err := r.sender.SendSubscribe(key, updateFrequencyMs); err != nil {
		r.logger.Warn("subscribe send failed, keeping pending entry",
			"key", key.String(),
			"error", err,
		)
	}
}

// release removes an intent and frees the shared entry when it has no owners left.
func (r *Registry) release(intent *Intent) {
	delete(r.intents, intent.RequestorID)

	if len(r.owners(intent.Key)) > 0 {
		return
	}

	if id, ok := r.activeByKey[intent.Key]; ok {
		if err := r.sender.SendUnsubscribe(id); err != nil {
			r.logger.Warn("unsubscribe send failed", "id", id, "error", err)
		}
		delete(r.active, id)
		delete(r.activeByKey, intent.Key)
		r.logger.Debug("subscription released", "id", id, "key", intent.Key.String())
		return
	}

	if _, ok := r.pending[intent.Key]; ok {
		// Never confirmed, nothing to tell the server. A late confirmation
		// shows up as an untracked snapshot entry.
		delete(r.pending, intent.Key)
		r.logger.Debug("pending subscription cancelled", "key", intent.Key.String())
	}
}

// failOwners removes every intent for key and sends each owner a terminal token.
func (r *Registry) failOwners(key Key, id int64, token string) {
	for _, in := range r.owners(key) {
		delete(r.intents, in.RequestorID)
		r.emit(in, id, token, projection.StateFailed)
	}
}

func (r *Registry) activeFor(key Key) *Active {
	id, ok := r.activeByKey[key]
	if !ok {
		return nil
	}
	return r.active[id]
}

// owners returns the intents watching key, ordered by requestor id.
func (r *Registry) owners(key Key) []*Intent {
	var out []*Intent
	for _, in := range r.intents {
		if in.Key == key {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestorID < out[j].RequestorID })
	return out
}

func (r *Registry) sortedIntents() []*Intent {
	out := make([]*Intent, 0, len(r.intents))
	for _, in := range r.intents {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestorID < out[j].RequestorID })
	return out
}

func (r *Registry) emitAll(key Key, id int64, value any, state projection.State, changeTime int64) {
	for _, in := range r.owners(key) {
		r.notify.Notify(projection.Update{
			RequestorID:    in.RequestorID,
			DisplayName:    in.DisplayName,
			SubscriptionID: id,
			Object:         key.Object,
			Property:       key.Property,
			Value:          value,
			State:          state,
			ChangeTime:     changeTime,
			At:             r.now(),
		})
	}
}

func (r *Registry) emit(in *Intent, id int64, value any, state projection.State) {
	r.notify.Notify(projection.Update{
		RequestorID:    in.RequestorID,
		DisplayName:    in.DisplayName,
		SubscriptionID: id,
		Object:         in.Key.Object,
		Property:       in.Key.Property,
		Value:          value,
		State:          state,
		At:             r.now(),
	})
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
}
