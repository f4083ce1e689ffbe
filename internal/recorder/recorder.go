package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/hyperliquid-stream/internal/queue"
	"github.com/rickgao/hyperliquid-stream/internal/subscription"
)

// TradeRecorder consumes events from its queue and writes trades to the
// trades table. Non-trade events are counted and dropped.
type TradeRecorder struct {
	cfg    Config
	logger *slog.Logger

	// Input from the connection manager
	input *queue.Queue[subscription.Event]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []tradeRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewTradeRecorder creates a new TradeRecorder.
func NewTradeRecorder(
	cfg Config,
	input *queue.Queue[subscription.Event],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *TradeRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeRecorder{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]tradeRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (r *TradeRecorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	// Consumer goroutine
	r.wg.Add(1)
	go r.consumeLoop()

	// Flush ticker goroutine
	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("trade recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *TradeRecorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping trade recorder")

	if r.cancel != nil {
		r.cancel()
	}

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("trade recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("trade recorder stop timed out")
	}

	// Final flush
	r.flush()

	return nil
}

// Queue returns the input queue the manager should deliver into.
func (r *TradeRecorder) Queue() *queue.Queue[subscription.Event] {
	return r.input
}

// Stats returns current metrics.
func (r *TradeRecorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop reads from the input queue and accumulates batches.
func (r *TradeRecorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
			// Use TryPop with context check for responsiveness
			ev, ok := r.input.TryPop()
			if !ok {
				// Queue empty, wait a bit before trying again
				select {
				case <-r.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			r.handleEvent(ev)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *TradeRecorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

// handleEvent transforms a trade batch event and adds its rows to the
// pending batch. Anything that is not a trade batch is skipped.
func (r *TradeRecorder) handleEvent(ev subscription.Event) {
	trades, ok := ev.(subscription.TradesEvent)
	if !ok {
		r.batchMu.Lock()
		r.metrics.Skipped++
		r.batchMu.Unlock()
		return
	}

	receivedAt := time.Now()

	r.batchMu.Lock()
	for _, t := range trades.Trades {
		r.batch = append(r.batch, r.transform(t, receivedAt))
	}
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

// transform converts a Trade to a tradeRow.
func (r *TradeRecorder) transform(t subscription.Trade, receivedAt time.Time) tradeRow {
	return tradeRow{
		IngestID:   uuid.New(),
		Coin:       t.Coin,
		Side:       t.Side,
		Price:      t.Px,
		Size:       t.Sz,
		TradeTime:  t.Time,
		Hash:       t.Hash,
		Tid:        t.Tid,
		ReceivedAt: receivedAt.UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (r *TradeRecorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]tradeRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *TradeRecorder) batchInsert(rows []tradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO trades (ingest_id, coin, side, px, sz, trade_time, hash, tid, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tid) DO NOTHING
		`, row.IngestID, row.Coin, row.Side, row.Price, row.Size, row.TradeTime, row.Hash, row.Tid, row.ReceivedAt)
	}

	results := r.db.SendBatch(r.ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
