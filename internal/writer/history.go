package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/propwatch/internal/projection"
	"github.com/rickgao/propwatch/internal/router"
)

// Schema creates the history table when it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS property_values (
	received_at     BIGINT  NOT NULL,
	subscription_id BIGINT  NOT NULL,
	object_path     TEXT    NOT NULL,
	property_path   TEXT    NOT NULL,
	display_name    TEXT    NOT NULL,
	value_text      TEXT,
	value_num       DOUBLE PRECISION,
	value_bool      BOOLEAN,
	is_error        BOOLEAN NOT NULL DEFAULT FALSE
)`

const insertHistory = `
	INSERT INTO property_values (received_at, subscription_id, object_path, property_path, display_name, value_text, value_num, value_bool, is_error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// DB is the subset of *pgxpool.Pool the writer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// HistoryWriter consumes updates from a router buffer and appends them to
// the property_values table.
type HistoryWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[projection.Update]
	db    DB

	batch       []historyRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewHistoryWriter creates a new HistoryWriter.
func NewHistoryWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[projection.Update],
	db DB,
	logger *slog.Logger,
) *HistoryWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	return &HistoryWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger.With("component", "history_writer"),
		batch:  make([]historyRow, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the history table if needed.
func (w *HistoryWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create property_values: %w", err)
	}
	return nil
}

// Start begins consuming updates and writing to the database.
func (w *HistoryWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("history writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down and flushes whatever is left, bounded by ctx.
func (w *HistoryWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping history writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("history writer stop timed out")
	}

	for _, u := range w.input.DrainTo(0) {
		w.handleUpdate(ctx, u)
	}
	w.flush(ctx)

	w.logger.Info("history writer stopped", "inserts", w.Stats().Inserts)
	return nil
}

// Stats returns current metrics.
func (w *HistoryWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *HistoryWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			u, ok := w.input.TryReceive()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleUpdate(w.ctx, u)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *HistoryWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *HistoryWriter) handleUpdate(ctx context.Context, u projection.Update) {
	row := transform(u)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// transform converts an update to a history row.
func transform(u projection.Update) historyRow {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	row := historyRow{
		ReceivedAt:     at.UnixMicro(),
		SubscriptionID: u.SubscriptionID,
		ObjectPath:     u.Object,
		PropertyPath:   u.Property,
		DisplayName:    u.DisplayName,
		IsError:        u.State != projection.StateValue,
	}

	switch v := u.Value.(type) {
	case float64:
		row.ValueNum = &v
	case bool:
		row.ValueBool = &v
	case string:
		row.ValueText = &v
	case nil:
	default:
		s := fmt.Sprint(v)
		row.ValueText = &s
	}
	return row
}

// flush writes the current batch to the database.
func (w *HistoryWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]historyRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed property values",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *HistoryWriter) batchInsert(ctx context.Context, rows []historyRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertHistory,
			r.ReceivedAt, r.SubscriptionID, r.ObjectPath, r.PropertyPath, r.DisplayName,
			r.ValueText, r.ValueNum, r.ValueBool, r.IsError,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
