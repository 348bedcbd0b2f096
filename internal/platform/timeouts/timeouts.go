// Package timeouts defines shared timeout constants used across the bridge
// binaries.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown, including draining the task queue.
const Shutdown = 5 * time.Second

// Exchange is the default wait for an interactive correlated reply.
const Exchange = 5 * time.Second

// BatchExchange is the default wait for replies requested by queued tasks.
const BatchExchange = 30 * time.Second

// Auth bounds how long a new connection may take to authenticate.
const Auth = 30 * time.Second

// Write caps a single WebSocket frame write.
const Write = 10 * time.Second
