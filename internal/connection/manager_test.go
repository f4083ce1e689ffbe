package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/rickgao/hyperliquid-stream/internal/queue"
	"github.com/rickgao/hyperliquid-stream/internal/subscription"
)

// frameResult is one NextFrame outcome queued on the fake transport.
type frameResult struct {
	data []byte
	err  error
}

// fakeTransport records outbound frames and replays scripted inbound
// frames to the dispatcher.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	frames chan frameResult
	done   chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan frameResult, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) SendText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) NextFrame() ([]byte, error) {
	select {
	case fr := <-f.frames:
		return fr.data, fr.err
	case <-f.done:
		return nil, ErrConnectionClosed
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) push(frame string) {
	f.frames <- frameResult{data: []byte(frame)}
}

func (f *fakeTransport) pushErr(err error) {
	f.frames <- frameResult{err: err}
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	m := NewManager(ManagerConfig{PingInterval: time.Hour}, transport, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m, transport
}

func waitEvent(t *testing.T, q *EventQueue) subscription.Event {
	t.Helper()
	done := make(chan subscription.Event, 1)
	go func() {
		ev, ok := q.Pop()
		if ok {
			done <- ev
		}
		close(done)
	}()

	select {
	case ev, ok := <-done:
		if !ok {
			t.Fatal("queue closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoEvent(t *testing.T, q *EventQueue) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if ev, ok := q.TryPop(); ok {
		t.Fatalf("unexpected event delivered: %T", ev)
	}
}

func TestManager_SubscriptionIDsMonotonic(t *testing.T) {
	m, _ := newTestManager(t)

	q := queue.New[subscription.Event](8)

	id0, err := m.Subscribe(subscription.AllMids{}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	id1, err := m.Subscribe(subscription.Trades{Coin: "BTC"}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.Unsubscribe(id0); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	// Retired ids are never reused.
	id2, err := m.Subscribe(subscription.AllMids{}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if id0 != 0 || id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d,%d,%d, want 0,1,2", id0, id1, id2)
	}
}

func TestManager_SharedTopicSendsOneSubscribe(t *testing.T) {
	m, transport := newTestManager(t)

	q1 := queue.New[subscription.Event](8)
	q2 := queue.New[subscription.Event](8)

	if _, err := m.Subscribe(subscription.AllMids{}, q1); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.AllMids{}, q2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sent := transport.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1 (second subscriber shares the upstream stream)", len(sent))
	}
	if sent[0] != `{"method":"subscribe","subscription":{"type":"allMids"}}` {
		t.Errorf("subscribe frame = %s", sent[0])
	}
}

func TestManager_UnsubscribeSendsOnLastOnly(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)

	id0, _ := m.Subscribe(subscription.Trades{Coin: "BTC"}, q)
	id1, _ := m.Subscribe(subscription.Trades{Coin: "BTC"}, q)

	if err := m.Unsubscribe(id0); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if n := len(transport.sentFrames()); n != 1 {
		t.Fatalf("sent %d frames after first Unsubscribe, want 1 (no unsubscribe yet)", n)
	}

	if err := m.Unsubscribe(id1); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	sent := transport.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if sent[1] != `{"method":"unsubscribe","subscription":{"type":"trades","coin":"BTC"}}` {
		t.Errorf("unsubscribe frame = %s", sent[1])
	}
}

func TestManager_UserEventsExclusive(t *testing.T) {
	m, transport := newTestManager(t)

	userA, _ := subscription.ParseAddress("0x1234567890abcdef1234567890abcdef12345678")
	userB, _ := subscription.ParseAddress("0xffffffffffffffffffffffffffffffffffffffff")

	q := queue.New[subscription.Event](8)

	id, err := m.Subscribe(subscription.UserEvents{User: userA}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Coalescing means a different user still hits the same topic.
	if _, err := m.Subscribe(subscription.UserEvents{User: userB}, q); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second userEvents Subscribe err = %v, want ErrAlreadySubscribed", err)
	}
	if n := len(transport.sentFrames()); n != 1 {
		t.Errorf("sent %d frames, want 1 (rejected subscribe sends nothing)", n)
	}

	// After the active one leaves, a new one is accepted.
	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.UserEvents{User: userB}, q); err != nil {
		t.Fatalf("Subscribe after Unsubscribe failed: %v", err)
	}
}

func TestManager_OrderUpdatesShared(t *testing.T) {
	m, transport := newTestManager(t)

	userA, _ := subscription.ParseAddress("0x1234567890abcdef1234567890abcdef12345678")
	userB, _ := subscription.ParseAddress("0xffffffffffffffffffffffffffffffffffffffff")

	q := queue.New[subscription.Event](8)

	// Unlike userEvents, orderUpdates tolerates multiple local
	// subscribers on the coalesced topic.
	if _, err := m.Subscribe(subscription.OrderUpdates{User: userA}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.OrderUpdates{User: userB}, q); err != nil {
		t.Fatalf("second orderUpdates Subscribe failed: %v", err)
	}
	if n := len(transport.sentFrames()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
}

func TestManager_UnsubscribeNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Unsubscribe(42); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Unsubscribe(42) err = %v, want ErrSubscriptionNotFound", err)
	}

	q := queue.New[subscription.Event](8)
	id, _ := m.Subscribe(subscription.AllMids{}, q)
	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := m.Unsubscribe(id); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("double Unsubscribe err = %v, want ErrSubscriptionNotFound", err)
	}

	stats := m.Stats()
	if stats.Subscribers != 0 || stats.Topics != 0 {
		t.Errorf("stats = %+v, want empty registry", stats)
	}
}

func TestManager_SubscribeSendFailureMutatesNothing(t *testing.T) {
	m, transport := newTestManager(t)

	transport.setSendErr(errors.New("write: broken pipe"))

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q); err == nil {
		t.Fatal("Subscribe succeeded despite send failure")
	}

	stats := m.Stats()
	if stats.Subscribers != 0 || stats.Topics != 0 {
		t.Errorf("stats = %+v, want empty registry after failed Subscribe", stats)
	}

	// The failed attempt must not have consumed an id.
	transport.setSendErr(nil)
	id, err := m.Subscribe(subscription.AllMids{}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}
}

func TestManager_L2BookScenario(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)

	id, err := m.Subscribe(subscription.L2Book{Coin: "BTC"}, q)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id != 0 {
		t.Errorf("id = %d, want 0", id)
	}

	sent := transport.sentFrames()
	if len(sent) != 1 || sent[0] != `{"method":"subscribe","subscription":{"type":"l2Book","coin":"BTC"}}` {
		t.Fatalf("subscribe frames = %v", sent)
	}

	transport.push(`{"channel":"l2Book","data":{"coin":"BTC","time":1681923833266,"levels":[[{"px":"29790.0","sz":"1.5","n":3}],[]]}}`)

	ev := waitEvent(t, q)
	book, ok := ev.(subscription.L2BookEvent)
	if !ok {
		t.Fatalf("event type = %T, want L2BookEvent", ev)
	}
	if book.Book.Coin != "BTC" || book.Book.Levels[0][0].Px != "29790.0" {
		t.Errorf("delivered event mutated: %+v", book.Book)
	}

	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	sent = transport.sentFrames()
	if len(sent) != 2 || sent[1] != `{"method":"unsubscribe","subscription":{"type":"l2Book","coin":"BTC"}}` {
		t.Fatalf("frames after Unsubscribe = %v", sent)
	}

	// Further BTC book frames go nowhere.
	transport.push(`{"channel":"l2Book","data":{"coin":"BTC","time":1681923833267,"levels":[[],[]]}}`)
	expectNoEvent(t, q)
}

func TestManager_FanOutToAllSubscribers(t *testing.T) {
	m, transport := newTestManager(t)

	q1 := queue.New[subscription.Event](8)
	q2 := queue.New[subscription.Event](8)
	other := queue.New[subscription.Event](8)

	if _, err := m.Subscribe(subscription.AllMids{}, q1); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.AllMids{}, q2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.Trades{Coin: "ETH"}, other); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.push(`{"channel":"allMids","data":{"mids":{"BTC":"29792.0"}}}`)

	ev1 := waitEvent(t, q1)
	ev2 := waitEvent(t, q2)

	m1, ok1 := ev1.(subscription.AllMidsEvent)
	m2, ok2 := ev2.(subscription.AllMidsEvent)
	if !ok1 || !ok2 {
		t.Fatalf("event types = %T, %T, want AllMidsEvent", ev1, ev2)
	}
	if m1.Mids["BTC"] != "29792.0" || m2.Mids["BTC"] != "29792.0" {
		t.Errorf("deliveries differ: %v vs %v", m1.Mids, m2.Mids)
	}

	// The trades subscriber sees nothing.
	expectNoEvent(t, other)
}

func TestManager_EmptyTradeBatchDropped(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.Trades{Coin: "BTC"}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.push(`{"channel":"trades","data":[]}`)
	expectNoEvent(t, q)

	deadline := time.Now().Add(time.Second)
	for m.Stats().Dropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Dropped counter never incremented")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_NonJSONNoiseIgnored(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.push(`Websocket connection established.`)
	transport.push(`{"channel":"allMids","data":{"mids":{"BTC":"1.0"}}}`)

	// Only the JSON frame arrives; the noise was discarded silently.
	ev := waitEvent(t, q)
	if _, ok := ev.(subscription.AllMidsEvent); !ok {
		t.Fatalf("event type = %T, want AllMidsEvent", ev)
	}
	expectNoEvent(t, q)
}

func TestManager_UnknownChannelCountsParseError(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.push(`{"channel":"ticker","data":{}}`)

	deadline := time.Now().Add(time.Second)
	for m.Stats().ParseErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ParseErrors counter never incremented")
		}
		time.Sleep(5 * time.Millisecond)
	}
	expectNoEvent(t, q)
}

func TestManager_TransportErrorBroadcastThenContinues(t *testing.T) {
	m, transport := newTestManager(t)

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.pushErr(errors.New("bad frame"))

	ev := waitEvent(t, q)
	errEv, ok := ev.(subscription.ErrorEvent)
	if !ok {
		t.Fatalf("event type = %T, want ErrorEvent", ev)
	}
	if errEv.Message != "bad frame" {
		t.Errorf("Message = %q, want bad frame", errEv.Message)
	}

	// The loop survives the error.
	transport.push(`{"channel":"allMids","data":{"mids":{"BTC":"1.0"}}}`)
	if _, ok := waitEvent(t, q).(subscription.AllMidsEvent); !ok {
		t.Error("dispatcher stopped after transport error")
	}
}

func TestManager_DisconnectBroadcastsNoData(t *testing.T) {
	m, transport := newTestManager(t)

	q1 := queue.New[subscription.Event](8)
	q2 := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q1); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.Trades{Coin: "BTC"}, q2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	transport.Close()

	for _, q := range []*EventQueue{q1, q2} {
		ev := waitEvent(t, q)
		if _, ok := ev.(subscription.NoDataEvent); !ok {
			t.Errorf("terminal event type = %T, want NoDataEvent", ev)
		}
	}
}

func TestManager_ClosedQueueDoesNotStarvePeers(t *testing.T) {
	m, transport := newTestManager(t)

	closed := queue.New[subscription.Event](8)
	open := queue.New[subscription.Event](8)

	if _, err := m.Subscribe(subscription.AllMids{}, closed); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := m.Subscribe(subscription.AllMids{}, open); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	closed.Close()
	transport.push(`{"channel":"allMids","data":{"mids":{"BTC":"1.0"}}}`)

	if _, ok := waitEvent(t, open).(subscription.AllMidsEvent); !ok {
		t.Error("open queue missed delivery alongside a closed peer")
	}

	deadline := time.Now().Add(time.Second)
	for m.Stats().DeliveryFails == 0 {
		if time.Now().After(deadline) {
			t.Fatal("DeliveryFails counter never incremented")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_Keepalive(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(ManagerConfig{PingInterval: 20 * time.Millisecond}, transport, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		for _, frame := range transport.sentFrames() {
			if frame == `{"method":"ping"}` {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no ping sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := newFakeTransport()
	m := NewManager(ManagerConfig{PingInterval: 20 * time.Millisecond}, transport, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.AllMids{}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestManager_SubscribeFrameIsValidJSON(t *testing.T) {
	m, transport := newTestManager(t)

	user, _ := subscription.ParseAddress("0x1234567890abcdef1234567890abcdef12345678")
	q := queue.New[subscription.Event](8)
	if _, err := m.Subscribe(subscription.UserFills{User: user}, q); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var cmd struct {
		Method       string          `json:"method"`
		Subscription json.RawMessage `json:"subscription"`
	}
	sent := transport.sentFrames()
	if err := json.Unmarshal([]byte(sent[0]), &cmd); err != nil {
		t.Fatalf("subscribe frame is not valid JSON: %v", err)
	}
	if cmd.Method != "subscribe" {
		t.Errorf("method = %s, want subscribe", cmd.Method)
	}
	if _, err := subscription.Parse(cmd.Subscription); err != nil {
		t.Errorf("subscription payload does not round-trip: %v", err)
	}
}
