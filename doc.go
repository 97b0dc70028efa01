// Package duplexflow runs request/response calls, value streams and topic
// subscriptions in both directions over a single duplex connection. Either
// side registers handlers on a Channel and talks to the other side through a
// Sender, so a server can call into its clients just as clients call into
// the server.
//
// A Channel maps paths to call handlers, stream handlers and Subscriptions.
// Serve hosts it on a transport Listener; Connect dials a server and keeps
// the connection alive, reconnecting after DefaultReconnectDelay and
// replaying requests that were never answered. Process runs a Channel
// in-process, which is handy for tests.
//
// # Transports
//
// Transports register themselves under a URL scheme when their package is
// imported:
//   - mem: in-process pipes for tests and embedding
//   - ws, wss: WebSocket via gorilla/websocket
//   - nats: sessions over NATS subjects
//
// # Broker bridge
//
// A Subscription only reaches the connections of one process. NewBridge
// exports its events to a Watermill broker (channel, nats, kafka, rabbitmq
// or aws) and forwards the events other processes publish back to local
// subscribers. By default every instance receives every event; shared
// delivery splits them across a consumer group instead.
//
// # Observability
//
// Channels log through a Logger, report Prometheus metrics with
// WithMetrics, trace every invocation with OpenTelemetry and expose
// per-route statistics via Routes. DispatchHooks add custom callbacks
// around each call.
package duplexflow
