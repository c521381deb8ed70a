package trace

import (
	"log/slog"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileRecorder appends events to a file. Safe for concurrent use.
type FileRecorder struct {
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
	written int64
	failed  int64
}

// NewFileRecorder opens path for appending, creating it if needed.
func NewFileRecorder(path string, logger *slog.Logger) (*FileRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileRecorder{
		logger:  logger.With("component", "trace"),
		file:    f,
		encoder: NewEncoder(f),
	}, nil
}

// Record writes event. Encoding errors are logged and counted.
func (r *FileRecorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if err := r.encoder.Encode(event); err != nil {
		r.failed++
		// Log the first failure only.
		if r.failed == 1 {
			r.logger.Warn("trace write failed", "error", err)
		}
		return
	}
	r.written++
}

// Written returns the number of events recorded.
func (r *FileRecorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes and closes the file. Further events are dropped.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
