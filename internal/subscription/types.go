package subscription

import (
	"encoding/json"
	"time"
)

// Key correlates a subscribe request with the server's confirmation.
// Both parts are opaque to this package.
type Key struct {
	Object   string
	Property string
}

// String renders the key the way the server reports it in error messages.
func (k Key) String() string {
	return k.Object + " / " + k.Property
}

// less orders keys for deterministic iteration.
func (k Key) less(o Key) bool {
	if k.Object != o.Object {
		return k.Object < o.Object
	}
	return k.Property < o.Property
}

// Intent is a requestor's standing request to watch a key.
type Intent struct {
	RequestorID       string
	Key               Key
	DisplayName       string
	UpdateFrequencyMs int
	CreatedAt         time.Time
}

// Pending is a subscribe request that the server has not confirmed yet.
type Pending struct {
	Key               Key
	CreatedAt         time.Time
	UpdateFrequencyMs int
}

// Active is a confirmed subscription identified by its server-assigned id.
type Active struct {
	ID                int64
	Key               Key
	LastValue         any
	HasValue          bool
	LastChangeTime    int64 // Server changeTimestamp
	LastMessageTime   int64 // Server messageTimestamp
	LastUpdateAt      time.Time
	ConsecutiveErrors int
}

// SnapshotEntry is one subscription in the server's authoritative list.
type SnapshotEntry struct {
	ID  int64
	Key Key
}

// ValueChange is one value update addressed by subscription id.
type ValueChange struct {
	ID          int64
	Value       json.RawMessage
	ChangeTime  int64
	MessageTime int64
}

// Sender puts subscription frames on the wire.
type Sender interface {
	SendSubscribe(key Key, updateFrequencyMs int) error
	SendUnsubscribe(id int64) error
}

// Config holds registry settings.
type Config struct {
	PendingTimeout     time.Duration
	ErrorThreshold     int
	ResubscribeDropped bool
}

// Default settings.
const (
	DefaultPendingTimeout = 30 * time.Second
	DefaultErrorThreshold = 3
)

// DefaultConfig returns the default registry settings.
func DefaultConfig() Config {
	return Config{
		PendingTimeout: DefaultPendingTimeout,
		ErrorThreshold: DefaultErrorThreshold,
	}
}

// Phase is the lifecycle phase of a requestor's watch.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseActive  Phase = "active"
	PhaseWanted  Phase = "wanted" // Requested, but nothing outstanding in this session
)

// View is a read-only summary of one requestor's watch.
type View struct {
	RequestorID       string    `json:"requestor_id"`
	DisplayName       string    `json:"name"`
	Object            string    `json:"object"`
	Property          string    `json:"property"`
	Phase             Phase     `json:"phase"`
	ID                int64     `json:"id,omitempty"`
	Value             any       `json:"value,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
}

// Counts summarizes the table sizes.
type Counts struct {
	Intents int `json:"intents"`
	Pending int `json:"pending"`
	Active  int `json:"active"`
}
