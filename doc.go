// Package toolwire implements a bidirectional RPC client over a persistent
// websocket connection. A Client sends named tool calls and correlates the
// server's responses by request id while asynchronously pushed events fan out
// to subscribers on an event bus. Connection lifecycle, keepalive pings, and
// exponential-backoff reconnection are handled internally.
package toolwire
