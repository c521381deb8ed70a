package subscription

import (
	"encoding/json"

	"github.com/rickgao/propwatch/internal/projection"
)

// Outcome is the HealthPolicy verdict for one value update.
type Outcome uint8

const (
	// OutcomeHealthy means the update carried a real value.
	OutcomeHealthy Outcome = iota

	// OutcomeDegraded means the update was an error below the threshold.
	OutcomeDegraded

	// OutcomeExhausted means the error threshold was reached and the
	// subscription must be torn down.
	OutcomeExhausted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// HealthPolicy counts consecutive error-shaped updates per subscription.
type HealthPolicy struct {
	threshold int
}

// NewHealthPolicy creates a policy that gives up after threshold consecutive errors.
func NewHealthPolicy(threshold int) *HealthPolicy {
	if threshold < 1 {
		threshold = DefaultErrorThreshold
	}
	return &HealthPolicy{threshold: threshold}
}

// Threshold returns the configured error threshold.
func (h *HealthPolicy) Threshold() int {
	return h.threshold
}

// Observe classifies raw and updates a.ConsecutiveErrors.
// A non-error value resets the counter.
func (h *HealthPolicy) Observe(a *Active, raw json.RawMessage) (Outcome, projection.RemoteError) {
	remote, isErr := projection.ParseRemoteError(raw)
	if !isErr {
		a.ConsecutiveErrors = 0
		return OutcomeHealthy, projection.RemoteError{}
	}

	a.ConsecutiveErrors++
	if a.ConsecutiveErrors >= h.threshold {
		return OutcomeExhausted, remote
	}
	return OutcomeDegraded, remote
}
