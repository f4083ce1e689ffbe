package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Client is a single WebSocket connection to the exchange. It
// implements Transport: writes are serialized behind writeMu so
// concurrent senders (façade, keepalive) never interleave frames;
// reads are left to the one goroutine that owns the read half.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// State
	mu     sync.RWMutex
	closed bool
}

// Dial establishes the WebSocket connection. Failure here is fatal to
// the caller; there is no retry.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	logger.Debug("websocket connected", "url", cfg.URL)

	return &Client{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
	}, nil
}

// SendText writes one text frame.
func (c *Client) SendText(data []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NextFrame reads the next frame. A closed connection, whether by the
// peer or by Close, returns ErrConnectionClosed; other failures are
// transport errors the caller may survive. Binary frames that are not
// valid UTF-8 count as transport errors.
func (c *Client) NextFrame() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.isClosed() || isCloseError(err) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	if mt == websocket.BinaryMessage && !utf8.Valid(data) {
		return nil, errors.New("binary frame is not valid text")
	}
	return data, nil
}

// Close gracefully closes the connection. A read parked in NextFrame
// returns ErrConnectionClosed once the underlying socket closes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// isCloseError reports whether a read error means the connection is
// gone rather than a recoverable frame-level failure.
func isCloseError(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
