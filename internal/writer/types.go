package writer

import (
	"time"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// historyRow is one row of the property_values table.
type historyRow struct {
	ReceivedAt     int64 // Microseconds
	SubscriptionID int64
	ObjectPath     string
	PropertyPath   string
	DisplayName    string
	ValueText      *string
	ValueNum       *float64
	ValueBool      *bool
	IsError        bool
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts int64 `json:"inserts"`
	Errors  int64 `json:"errors"`
	Flushes int64 `json:"flushes"`
}
