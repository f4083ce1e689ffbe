package subscription

import (
	"encoding/json"
	"fmt"
)

// Coalesced topic keys. The exchange maintains a single upstream stream
// per account channel for these, so every descriptor maps onto the same
// literal key regardless of its user field.
const (
	TopicUserEvents   = "userEvents"
	TopicOrderUpdates = "orderUpdates"
)

// Subscription describes one upstream data stream. The set of variants
// is closed; each marshals to the tagged wire form
// {"type":"<tag>", ...variant fields} used in subscribe and unsubscribe
// commands.
type Subscription interface {
	json.Marshaler

	// Type returns the wire "type" tag.
	Type() string
}

// AllMids streams mid prices for all coins.
type AllMids struct{}

// Trades streams trades for one coin.
type Trades struct {
	Coin string
}

// L2Book streams order book snapshots for one coin.
type L2Book struct {
	Coin string
}

// UserEvents streams fills, fundings and liquidations for one account.
type UserEvents struct {
	User Address
}

// UserFills streams fills for one account.
type UserFills struct {
	User Address
}

// Candle streams candles for one coin and interval (e.g. "1m", "1h").
type Candle struct {
	Coin     string
	Interval string
}

// OrderUpdates streams order status changes for one account.
type OrderUpdates struct {
	User Address
}

// UserFundings streams funding payments for one account.
type UserFundings struct {
	User Address
}

// UserNonFundingLedgerUpdates streams deposits, withdrawals and
// transfers for one account.
type UserNonFundingLedgerUpdates struct {
	User Address
}

// Notification streams notifications for one account.
type Notification struct {
	User Address
}

func (AllMids) Type() string                     { return "allMids" }
func (Trades) Type() string                      { return "trades" }
func (L2Book) Type() string                      { return "l2Book" }
func (UserEvents) Type() string                  { return "userEvents" }
func (UserFills) Type() string                   { return "userFills" }
func (Candle) Type() string                      { return "candle" }
func (OrderUpdates) Type() string                { return "orderUpdates" }
func (UserFundings) Type() string                { return "userFundings" }
func (UserNonFundingLedgerUpdates) Type() string { return "userNonFundingLedgerUpdates" }
func (Notification) Type() string                { return "notification" }

// MarshalJSON produces the tagged wire form. Field order is fixed so
// the serialization doubles as the canonical topic key.
func (s AllMids) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{s.Type()})
}

func (s Trades) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	}{s.Type(), s.Coin})
}

func (s L2Book) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	}{s.Type(), s.Coin})
}

func (s UserEvents) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

func (s UserFills) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

func (s Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Coin     string `json:"coin"`
		Interval string `json:"interval"`
	}{s.Type(), s.Coin, s.Interval})
}

func (s OrderUpdates) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

func (s UserFundings) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

func (s UserNonFundingLedgerUpdates) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

func (s Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		User Address `json:"user"`
	}{s.Type(), s.User})
}

// Topic returns the registry key for a subscription: the descriptor's
// canonical JSON, except that UserEvents and OrderUpdates coalesce onto
// their fixed literal keys.
func Topic(s Subscription) (string, error) {
	switch s.(type) {
	case UserEvents:
		return TopicUserEvents, nil
	case OrderUpdates:
		return TopicOrderUpdates, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize %s subscription: %w", s.Type(), err)
	}
	return string(data), nil
}

// Parse decodes a tagged descriptor, e.g. {"type":"trades","coin":"BTC"}.
// Unknown type tags are rejected.
func Parse(data []byte) (Subscription, error) {
	var env struct {
		Type     string   `json:"type"`
		Coin     *string  `json:"coin"`
		Interval *string  `json:"interval"`
		User     *Address `json:"user"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}

	coin := func() (string, error) {
		if env.Coin == nil {
			return "", fmt.Errorf("%s subscription: missing coin", env.Type)
		}
		return *env.Coin, nil
	}
	user := func() (Address, error) {
		if env.User == nil {
			return Address{}, fmt.Errorf("%s subscription: missing user", env.Type)
		}
		return *env.User, nil
	}

	switch env.Type {
	case "allMids":
		return AllMids{}, nil
	case "trades":
		c, err := coin()
		if err != nil {
			return nil, err
		}
		return Trades{Coin: c}, nil
	case "l2Book":
		c, err := coin()
		if err != nil {
			return nil, err
		}
		return L2Book{Coin: c}, nil
	case "candle":
		c, err := coin()
		if err != nil {
			return nil, err
		}
		if env.Interval == nil {
			return nil, fmt.Errorf("candle subscription: missing interval")
		}
		return Candle{Coin: c, Interval: *env.Interval}, nil
	case "userEvents":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return UserEvents{User: u}, nil
	case "userFills":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return UserFills{User: u}, nil
	case "orderUpdates":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return OrderUpdates{User: u}, nil
	case "userFundings":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return UserFundings{User: u}, nil
	case "userNonFundingLedgerUpdates":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return UserNonFundingLedgerUpdates{User: u}, nil
	case "notification":
		u, err := user()
		if err != nil {
			return nil, err
		}
		return Notification{User: u}, nil
	case "":
		return nil, fmt.Errorf("subscription missing type tag")
	default:
		return nil, fmt.Errorf("unknown subscription type %q", env.Type)
	}
}
