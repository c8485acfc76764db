// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay-gateway
// server. It owns the Direct Line backend client, the session registry,
// the relay coordinator, the optional transcript store, the delivery
// dedupe guard and the HTTP server that exposes them.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/conversations - Pre-warm a backend session for a conversation key
//   - POST /api/send - Relay a user message and stream the agent's reply (SSE)
//   - GET /api/conversations - List recorded conversations
//   - GET /api/conversations/{key}/history - Stored transcript for a conversation
//   - GET /api/conversations/{key}/events - Live observer stream (SSE)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # SSE Streaming
//
// A relayed turn is streamed back as Server-Sent Events:
//
//	event: started
//	data: {"conversation_key": "...", "session_id": "..."}
//
//	event: activities
//	data: {"activities": [...]}
//
//	event: done
//	data: {"outcome": "completed", "relayed": 2}
//
// A turn that fails after the stream opens ends with an "error" event
// instead of "done". Observer streams carry "connected" followed by
// "message" and "turn" events.
//
// # Delivery Dedupe
//
// Channels retry deliveries; a send carrying an already-seen delivery_id
// is acknowledged with 202 Accepted and never reaches the backend. The
// guard is in-memory by default and Redis-backed when configured, and
// the gateway fails open if the guard itself errors.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	err = gw.Run(ctx)
//
// Run blocks until the context is canceled, then performs a graceful
// shutdown of the HTTP server, the optional tsnet node, the store, the
// dedupe guard, the registry and the broadcaster.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and SSE streaming
//   - broadcaster.go: Observer event fanout
//   - recorder.go: Transcript recording hooks for the relay coordinator
package gateway
