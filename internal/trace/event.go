package trace

import "time"

// Event is one traced occurrence on a connection session.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the connection session (UUID).
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Direction of the frame; unset for state and error events.
	Direction Direction `cbor:"3,keyasint"`

	// Kind classifies the event.
	Kind Kind `cbor:"4,keyasint"`

	// Frame holds the raw JSON frame for KindFrame events.
	Frame []byte `cbor:"5,keyasint,omitempty"`

	// State is the new connection state for KindState events.
	State string `cbor:"6,keyasint,omitempty"`

	// Error is the error text for KindError events.
	Error string `cbor:"7,keyasint,omitempty"`
}

// Direction indicates frame flow.
type Direction uint8

const (
	DirectionNone Direction = 0
	DirectionIn   Direction = 1
	DirectionOut  Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "-"
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies an event.
type Kind uint8

const (
	KindFrame Kind = 0
	KindState Kind = 1
	KindError Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "FRAME"
	case KindState:
		return "STATE"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Recorder receives trace events. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	Record(event Event)
}

// NopRecorder discards events.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(Event) {}
