package projection

import (
	"sort"
	"sync"
	"time"
)

// State classifies a projected update.
type State uint8

const (
	// StateValue is an ordinary value.
	StateValue State = iota

	// StateDegraded is a value-level error below the teardown threshold.
	StateDegraded

	// StateFailed means the subscription is gone and must be re-requested.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateValue:
		return "value"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is one value delivered to one watcher.
type Update struct {
	RequestorID    string
	DisplayName    string
	SubscriptionID int64 // 0 when the subscription was never confirmed
	Object         string
	Property       string
	Value          any
	State          State
	ChangeTime     int64 // Server change timestamp, 0 if none
	At             time.Time
}

// Notifier receives projected updates.
// Implementations must not block and must not call back into the manager.
type Notifier interface {
	Notify(u Update)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Update)

// Notify calls f(u).
func (f NotifierFunc) Notify(u Update) {
	f(u)
}

// Fanout delivers each update to every notifier in order.
type Fanout []Notifier

// Notify forwards u to all notifiers.
func (fo Fanout) Notify(u Update) {
	for _, n := range fo {
		if n != nil {
			n.Notify(u)
		}
	}
}

// Nop discards updates.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Update) {}

// Variables is a named-variable table fed by projected updates.
// It is safe for concurrent use.
type Variables struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewVariables creates an empty variable table.
func NewVariables() *Variables {
	return &Variables{vals: make(map[string]any)}
}

// Notify stores u.Value under u.DisplayName.
func (v *Variables) Notify(u Update) {
	if u.DisplayName == "" {
		return
	}
	v.mu.Lock()
	v.vals[u.DisplayName] = u.Value
	v.mu.Unlock()
}

// Get returns the current value of a variable.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[name]
	return val, ok
}

// Snapshot returns a copy of all variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.vals))
	for k, val := range v.vals {
		out[k] = val
	}
	return out
}

// Names returns the variable names in sorted order.
func (v *Variables) Names() []string {
	v.mu.RLock()
	names := make([]string, 0, len(v.vals))
	for k := range v.vals {
		names = append(names, k)
	}
	v.mu.RUnlock()
	sort.Strings(names)
	return names
}
