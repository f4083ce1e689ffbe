// Package database manages the TimescaleDB connection pool used by the
// trade recorder.
package database
