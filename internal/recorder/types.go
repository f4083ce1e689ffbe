package recorder

import (
	"time"

	"github.com/google/uuid"
)

// Config contains configuration for the trade recorder.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
	}
}

// tradeRow represents a row to be inserted into the trades table.
type tradeRow struct {
	IngestID   uuid.UUID
	Coin       string
	Side       string // "A" = ask/sell aggressor, "B" = bid/buy aggressor
	Price      string // Decimal string, stored as NUMERIC
	Size       string // Decimal string, stored as NUMERIC
	TradeTime  int64  // Exchange timestamp, milliseconds
	Hash       string
	Tid        int64
	ReceivedAt int64 // Microseconds
}

// Metrics holds counters for the recorder.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Skipped   int64
}
