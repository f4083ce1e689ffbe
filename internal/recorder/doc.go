// Package recorder implements the batch trade writer for TimescaleDB.
//
// The recorder subscribes to trade streams like any other consumer: it
// owns an event queue that the connection manager fans out into, and a
// consume loop that drains it. Trade batches are inserted append-only
// with ON CONFLICT DO NOTHING, so replays after a reconnect are safe.
package recorder
