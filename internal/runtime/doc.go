/*
Package runtime implements the duplexflow protocol engine: calls, lazy value
streams and topic subscriptions multiplexed over one duplex connection.

# Architecture Overview

Both sides of a connection run the same machinery. A Channel holds the
handler registry and turns inbound messages into handler invocations or
response deliveries. Every connection gets an Endpoint, which binds the
Channel to a Connection, and a Sender, through which the local side calls
the other side.

# Package Structure

## Registry and dispatch (channel.go, dispatch.go)

Channel keeps exact call and stream routes, ordered pattern routes and the
named subscriptions. ReceiveOne branches on the first present field of a
message:
  - path: call a handler, answer with one response (none without an id)
  - stream: pull a stream handler, answer with values followed by done
  - cancel: cancel an active call or stream of this connection
  - sub: resolve a subscription topic and register interest in it
  - unsub: drop interest in a topic
  - topic: an event, possibly doubling as a response
  - id: a response to one of this side's requests

Handlers run on their own goroutines and may call back through their Sender.

## Sender, Call and Values (sender.go, values.go)

The Sender owns the requests this side issued (the pending table) and the
requests the other side issued that are still running (the active tables).
Values is the lazy consumer side of a stream; nothing is sent before the
first pull and closing it early cancels the remote producer.

## Subscriptions (subscription.go, endpoint.go)

A Subscription derives topics and payloads from keys and hands events to
every Endpoint that subscribed to one of its topics.

## Connections (connection.go, wireconn.go, loopback.go, client.go)

Connection is the contract a transport provides. The server side writes
straight to a transport.Conn, Process wires a Sender to its own Channel
without a transport, and Client keeps a connection open with reconnects,
replay of unsettled requests and adaptive write batching (batcher.go).

## Observability (hooks.go, metrics.go, tracing.go, routes.go)

DispatchHooks observe every dispatched request. Prometheus metrics,
OpenTelemetry spans and per-route statistics hang off the same points.
*/
package runtime
