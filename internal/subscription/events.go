package subscription

import (
	"encoding/json"
	"fmt"
)

// Event is a parsed inbound frame, discriminated by the wire "channel"
// tag. Two synthetic variants never arrive on the wire: NoDataEvent is
// broadcast when the connection ends, ErrorEvent when a transport or
// decode failure occurs mid-stream.
type Event interface {
	// Channel returns the wire "channel" tag.
	Channel() string
}

// Trade is one element of a trades event batch.
type Trade struct {
	Coin  string   `json:"coin"`
	Side  string   `json:"side"`
	Px    string   `json:"px"`
	Sz    string   `json:"sz"`
	Time  int64    `json:"time"`
	Hash  string   `json:"hash"`
	Tid   int64    `json:"tid"`
	Users []string `json:"users,omitempty"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2BookData is the payload of an l2Book event: bids and asks as two
// level arrays plus the exchange timestamp.
type L2BookData struct {
	Coin   string        `json:"coin"`
	Levels [][]BookLevel `json:"levels"`
	Time   int64         `json:"time"`
}

// CandleData is the payload of a candle event. The exchange uses
// single-letter keys for candle fields.
type CandleData struct {
	Coin      string `json:"s"`
	Interval  string `json:"i"`
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int64  `json:"n"`
}

// LedgerUpdatesData is the payload of a userNonFundingLedgerUpdates
// event. Only the user field participates in topic derivation; the
// update entries themselves stay opaque.
type LedgerUpdatesData struct {
	IsSnapshot bool            `json:"isSnapshot"`
	User       Address         `json:"user"`
	Updates    json.RawMessage `json:"nonFundingLedgerUpdates"`
}

// AllMidsEvent carries mid prices for all coins.
type AllMidsEvent struct {
	Mids map[string]string
}

// TradesEvent carries a batch of trades for one coin.
type TradesEvent struct {
	Trades []Trade
}

// L2BookEvent carries an order book snapshot.
type L2BookEvent struct {
	Book L2BookData
}

// CandleEvent carries one candle update.
type CandleEvent struct {
	Candle CandleData
}

// UserEvent carries account activity (fills, fundings, liquidations)
// on the generic user channel. The payload stays opaque.
type UserEvent struct {
	Data json.RawMessage
}

// UserFillsEvent carries account fills. The payload stays opaque.
type UserFillsEvent struct {
	Data json.RawMessage
}

// OrderUpdatesEvent carries order status changes. The payload stays
// opaque.
type OrderUpdatesEvent struct {
	Data json.RawMessage
}

// UserFundingsEvent carries funding payments. The payload stays opaque.
type UserFundingsEvent struct {
	Data json.RawMessage
}

// LedgerUpdatesEvent carries non-funding ledger updates.
type LedgerUpdatesEvent struct {
	Data LedgerUpdatesData
}

// NotificationEvent carries one account notification.
type NotificationEvent struct {
	Data json.RawMessage
}

// SubscriptionResponseEvent acknowledges a subscribe or unsubscribe
// command. It matches no topic and is dropped by the dispatcher.
type SubscriptionResponseEvent struct {
	Data json.RawMessage
}

// PongEvent answers a keepalive ping. Dropped by the dispatcher.
type PongEvent struct{}

// NoDataEvent is the synthetic terminal event broadcast to every
// subscriber when the connection ends. No further events follow it.
type NoDataEvent struct{}

// ErrorEvent carries the text of a transport or decode failure. It is
// broadcast to every subscriber and also parsed from the exchange's
// error channel.
type ErrorEvent struct {
	Message string
}

func (AllMidsEvent) Channel() string              { return "allMids" }
func (TradesEvent) Channel() string               { return "trades" }
func (L2BookEvent) Channel() string               { return "l2Book" }
func (CandleEvent) Channel() string               { return "candle" }
func (UserEvent) Channel() string                 { return "user" }
func (UserFillsEvent) Channel() string            { return "userFills" }
func (OrderUpdatesEvent) Channel() string         { return "orderUpdates" }
func (UserFundingsEvent) Channel() string         { return "userFundings" }
func (LedgerUpdatesEvent) Channel() string        { return "userNonFundingLedgerUpdates" }
func (NotificationEvent) Channel() string         { return "notification" }
func (SubscriptionResponseEvent) Channel() string { return "subscriptionResponse" }
func (PongEvent) Channel() string                 { return "pong" }
func (NoDataEvent) Channel() string               { return "noData" }
func (ErrorEvent) Channel() string                { return "error" }

// ParseEvent decodes an inbound frame into its Event variant. Unknown
// channel tags are an error, never a default variant.
func ParseEvent(data []byte) (Event, error) {
	var env struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch env.Channel {
	case "allMids":
		var d struct {
			Mids map[string]string `json:"mids"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode allMids event: %w", err)
		}
		return AllMidsEvent{Mids: d.Mids}, nil
	case "trades":
		var trades []Trade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return nil, fmt.Errorf("decode trades event: %w", err)
		}
		return TradesEvent{Trades: trades}, nil
	case "l2Book":
		var book L2BookData
		if err := json.Unmarshal(env.Data, &book); err != nil {
			return nil, fmt.Errorf("decode l2Book event: %w", err)
		}
		return L2BookEvent{Book: book}, nil
	case "candle":
		var candle CandleData
		if err := json.Unmarshal(env.Data, &candle); err != nil {
			return nil, fmt.Errorf("decode candle event: %w", err)
		}
		return CandleEvent{Candle: candle}, nil
	case "user":
		return UserEvent{Data: env.Data}, nil
	case "userFills":
		return UserFillsEvent{Data: env.Data}, nil
	case "orderUpdates":
		return OrderUpdatesEvent{Data: env.Data}, nil
	case "userFundings":
		return UserFundingsEvent{Data: env.Data}, nil
	case "userNonFundingLedgerUpdates":
		var d LedgerUpdatesData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode userNonFundingLedgerUpdates event: %w", err)
		}
		return LedgerUpdatesEvent{Data: d}, nil
	case "notification":
		return NotificationEvent{Data: env.Data}, nil
	case "subscriptionResponse":
		return SubscriptionResponseEvent{Data: env.Data}, nil
	case "pong":
		return PongEvent{}, nil
	case "error":
		var msg string
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			msg = string(env.Data)
		}
		return ErrorEvent{Message: msg}, nil
	case "":
		return nil, fmt.Errorf("event missing channel tag")
	default:
		return nil, fmt.Errorf("unknown event channel %q", env.Channel)
	}
}

// Identifier derives the topic an inbound event belongs to. An empty
// identifier means the event matches no subscription and is dropped.
func Identifier(ev Event) (string, error) {
	switch e := ev.(type) {
	case AllMidsEvent:
		return Topic(AllMids{})
	case TradesEvent:
		if len(e.Trades) == 0 {
			return "", nil
		}
		return Topic(Trades{Coin: e.Trades[0].Coin})
	case L2BookEvent:
		return Topic(L2Book{Coin: e.Book.Coin})
	case CandleEvent:
		return Topic(Candle{Coin: e.Candle.Coin, Interval: e.Candle.Interval})
	case UserEvent:
		return TopicUserEvents, nil
	case UserFillsEvent:
		return "userFills", nil
	case OrderUpdatesEvent:
		return TopicOrderUpdates, nil
	case UserFundingsEvent:
		return "userFundings", nil
	case LedgerUpdatesEvent:
		data, err := json.Marshal(UserNonFundingLedgerUpdates{User: e.Data.User})
		if err != nil {
			return "", fmt.Errorf("serialize ledger updates identifier: %w", err)
		}
		return string(data), nil
	case NotificationEvent:
		return "notification", nil
	default:
		// Acks, pongs and synthetic events match no topic.
		return "", nil
	}
}
