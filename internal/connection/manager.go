package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/hyperliquid-stream/internal/queue"
	"github.com/rickgao/hyperliquid-stream/internal/subscription"
)

// EventQueue is the caller-owned delivery queue for one subscriber.
type EventQueue = queue.Queue[subscription.Event]

// subscriberHandle pairs a subscription id with its delivery queue.
// Handles live in the registry entry they are attached to.
type subscriberHandle struct {
	id uint64
	q  *EventQueue
}

// Manager multiplexes local subscribers over one Transport. Subscribe
// and Unsubscribe may be called from any goroutine; the dispatcher and
// keepalive loops run in the background between Start and Stop.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Registry. mu is held across both the list mutation and the
	// upstream send decision so concurrent Subscribe/Unsubscribe calls
	// never observe a transient empty list and issue a redundant or
	// missing upstream command. Subscription changes therefore
	// serialize against network latency; that is intentional.
	mu     sync.Mutex
	topics map[string][]*subscriberHandle
	byID   map[uint64]subscription.Subscription
	nextID uint64

	// Counters
	statsMu       sync.Mutex
	received      int64
	routed        int64
	dropped       int64
	parseErrors   int64
	deliveryFails int64
}

// NewManager creates a manager driving the given transport.
func NewManager(cfg ManagerConfig, transport Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultManagerConfig().PingInterval
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		topics:    make(map[string][]*subscriberHandle),
		byID:      make(map[uint64]subscription.Subscription),
	}
}

// Start launches the dispatcher and keepalive loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.keepaliveLoop()

	m.logger.Info("connection manager started", "ping_interval", m.cfg.PingInterval)
	return nil
}

// Stop cancels the loops, closes the transport, and waits for the
// loops to observe the stop signal. Cancellation is cooperative: a
// loop parked on a read only notices once the closed socket returns.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}
	m.transport.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
	}
	return nil
}

// Subscribe registers q for the stream described by sub and returns
// the subscription id. The upstream subscribe command goes out only
// for the first subscriber of a topic; later subscribers share the
// upstream stream. A userEvents subscription fails with
// ErrAlreadySubscribed while another one is active.
func (m *Manager) Subscribe(sub subscription.Subscription, q *EventQueue) (uint64, error) {
	topic, err := subscription.Topic(sub)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	handles := m.topics[topic]

	if topic == subscription.TopicUserEvents && len(handles) > 0 {
		return 0, ErrAlreadySubscribed
	}

	if len(handles) == 0 {
		if err := m.sendCommand("subscribe", sub); err != nil {
			return 0, err
		}
	}

	id := m.nextID
	m.nextID++
	m.byID[id] = sub
	m.topics[topic] = append(handles, &subscriberHandle{id: id, q: q})

	m.logger.Debug("subscribed", "topic", topic, "id", id, "subscribers", len(handles)+1)
	return id, nil
}

// Unsubscribe removes the subscriber registered under id. The upstream
// unsubscribe command goes out only when the topic's last subscriber
// leaves. The id is retired even if that send fails.
func (m *Manager) Unsubscribe(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	topic, err := subscription.Topic(sub)
	if err != nil {
		return err
	}

	delete(m.byID, id)

	handles := m.topics[topic]
	idx := -1
	for i, h := range handles {
		if h.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSubscriptionNotFound
	}

	handles = append(handles[:idx], handles[idx+1:]...)
	if len(handles) == 0 {
		delete(m.topics, topic)
		m.logger.Debug("unsubscribed", "topic", topic, "id", id)
		return m.sendCommand("unsubscribe", sub)
	}

	m.topics[topic] = handles
	m.logger.Debug("unsubscribed", "topic", topic, "id", id, "subscribers", len(handles))
	return nil
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	topics := len(m.topics)
	subscribers := 0
	for _, handles := range m.topics {
		subscribers += len(handles)
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return ManagerStats{
		Topics:        topics,
		Subscribers:   subscribers,
		Received:      m.received,
		Routed:        m.routed,
		Dropped:       m.dropped,
		ParseErrors:   m.parseErrors,
		DeliveryFails: m.deliveryFails,
	}
}

// sendCommand marshals and sends an outbound control frame. Caller
// holds m.mu when the command carries a subscription.
func (m *Manager) sendCommand(method string, sub subscription.Subscription) error {
	payload, err := json.Marshal(command{Method: method, Subscription: sub})
	if err != nil {
		return fmt.Errorf("encode %s command: %w", method, err)
	}
	if err := m.transport.SendText(payload); err != nil {
		return fmt.Errorf("send %s command: %w", method, err)
	}
	return nil
}

// dispatchLoop owns the read half: it classifies each inbound frame,
// derives its topic, and fans it out. The loop ends when the stop
// signal is observed or the connection closes; on close it broadcasts
// the terminal NoDataEvent first.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("dispatcher stopped")
			return
		default:
		}

		frame, err := m.transport.NextFrame()
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				m.logger.Warn("connection closed, dispatcher exiting")
				m.broadcast(subscription.NoDataEvent{})
				return
			}
			m.logger.Warn("transport error", "error", err)
			m.broadcast(subscription.ErrorEvent{Message: err.Error()})
			continue
		}

		if err := m.dispatch(frame); err != nil {
			m.logger.Error("dispatch failed", "error", err)
		}
	}
}

// dispatch routes one inbound frame. Delivery failures are aggregated
// so one closed queue never starves the remaining subscribers of the
// same event.
func (m *Manager) dispatch(frame []byte) error {
	m.statsMu.Lock()
	m.received++
	m.statsMu.Unlock()

	// Non-JSON noise, e.g. plain-text acknowledgements.
	if len(frame) == 0 || frame[0] != '{' {
		return nil
	}

	ev, err := subscription.ParseEvent(frame)
	if err != nil {
		m.statsMu.Lock()
		m.parseErrors++
		m.statsMu.Unlock()
		return err
	}

	ident, err := subscription.Identifier(ev)
	if err != nil {
		m.statsMu.Lock()
		m.parseErrors++
		m.statsMu.Unlock()
		return err
	}
	if ident == "" {
		m.statsMu.Lock()
		m.dropped++
		m.statsMu.Unlock()
		return nil
	}

	m.mu.Lock()
	handles := m.topics[ident]
	var errs []error
	for _, h := range handles {
		if !h.q.Push(ev) {
			errs = append(errs, fmt.Errorf("subscriber %d: %w", h.id, ErrQueueClosed))
		}
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	if len(handles) > 0 {
		m.routed++
	}
	m.deliveryFails += int64(len(errs))
	m.statsMu.Unlock()

	return errors.Join(errs...)
}

// broadcast delivers a synthetic event to every current subscriber
// across all topics.
func (m *Manager) broadcast(ev subscription.Event) {
	m.mu.Lock()
	var fails int64
	for _, handles := range m.topics {
		for _, h := range handles {
			if !h.q.Push(ev) {
				fails++
			}
		}
	}
	m.mu.Unlock()

	if fails > 0 {
		m.statsMu.Lock()
		m.deliveryFails += fails
		m.statsMu.Unlock()
		m.logger.Warn("broadcast hit closed queues", "channel", ev.Channel(), "failed", fails)
	}
}

// keepaliveLoop pings the exchange on a fixed cadence. A failed tick
// is logged and skipped; the next tick proceeds normally.
func (m *Manager) keepaliveLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("keepalive stopped")
			return
		case <-ticker.C:
			if err := m.sendCommand("ping", nil); err != nil {
				m.logger.Error("keepalive ping failed", "error", err)
			}
		}
	}
}
