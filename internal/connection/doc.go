// Package connection maintains the persistent WebSocket connection to
// the Hyperliquid real-time API and multiplexes local subscribers over
// it.
//
// Client is the transport: one duplex text-frame connection with a
// serialized write half and an exclusively-owned read half. Manager
// owns the subscription registry, sends subscribe/unsubscribe commands
// upstream only on the first/last subscriber of a topic, keeps the
// connection alive with periodic pings, and fans every inbound event
// out to the subscribers whose topic it matches.
//
// There is no reconnection. When the connection ends, the dispatcher
// broadcasts a terminal NoDataEvent to every subscriber and exits;
// callers detect disconnection through their event queues.
package connection
