// Package subscription defines the Hyperliquid WebSocket vocabulary:
// subscription descriptors, inbound events, and the derivation of the
// topic key that ties an inbound event back to the subscriptions it
// belongs to.
//
// Key concepts:
//   - Subscription: typed descriptor of one upstream data stream,
//     marshaling to the tagged wire form {"type":"l2Book","coin":"BTC"}.
//   - Topic: canonical registry key for a subscription. Most topics are
//     the descriptor's canonical JSON; userEvents and orderUpdates
//     coalesce onto fixed literal keys.
//   - Event: parsed inbound frame, discriminated by the wire "channel"
//     tag. Unknown tags are a decode error.
//   - Identifier: event → topic derivation used by the dispatcher to
//     look up subscribers. An empty identifier means the event matches
//     no topic and is dropped.
package subscription
