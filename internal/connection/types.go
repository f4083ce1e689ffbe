package connection

import (
	"errors"
	"time"

	"github.com/rickgao/hyperliquid-stream/internal/subscription"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrAlreadySubscribed    = errors.New("userEvents already has a subscriber")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrQueueClosed          = errors.New("subscriber queue closed")
)

// Transport is the duplex frame channel the Manager drives. The write
// half is shared between the façade and the keepalive loop; the read
// half is owned exclusively by the dispatcher. A closed connection is
// reported from NextFrame as ErrConnectionClosed.
type Transport interface {
	SendText(data []byte) error
	NextFrame() ([]byte, error)
	Close() error
}

// command is the outbound control frame envelope. Subscription is nil
// for pings.
type command struct {
	Method       string                    `json:"method"`
	Subscription subscription.Subscription `json:"subscription,omitempty"`
}

// ClientConfig configures the WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://api.hyperliquid.xyz/ws)
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// ManagerConfig configures the subscription manager.
type ManagerConfig struct {
	PingInterval time.Duration // Keepalive ping cadence
}

// DefaultManagerConfig returns sensible defaults. The exchange drops
// idle connections after 60s, so pings go out every 50s.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PingInterval: 50 * time.Second,
	}
}

// ManagerStats is a snapshot of manager counters.
type ManagerStats struct {
	Topics        int   // distinct upstream subscriptions
	Subscribers   int   // live subscriber handles across all topics
	Received      int64 // frames pulled off the wire
	Routed        int64 // events delivered to at least one subscriber
	Dropped       int64 // events whose identifier matched no topic shape
	ParseErrors   int64 // undecodable frames
	DeliveryFails int64 // pushes onto closed subscriber queues
}
