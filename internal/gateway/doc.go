// Package gateway wires the nexus-gateway components into one HTTP server.
//
// # Overview
//
// A Gateway owns the backend registry, the background health checker, the
// dispatcher, the session orchestrator, and the session history store
// (SQLite, or in-memory when no database path is configured). New
// builds the wiring and the route table; Run binds the listener (plain TCP
// or a Tailscale tsnet node), starts the health loop, and blocks until the
// context is canceled or the server fails. Shutdown drains in-flight
// requests under a deadline, stops the health loop, and closes the store.
//
// # HTTP surface
//
// Admin:
//
//	POST   /admin/servers/register   register a backend {kind, url, api_key?}
//	GET    /admin/servers            list backends with health state (?kind= filter)
//	DELETE /admin/servers/{id}       deregister a backend
//
// POST on /admin/servers itself is accepted as an alias for register.
//
// Sessions:
//
//	POST   /responses                 one request/reply turn {session_id, user_message, model?}
//	GET    /chat/sessions             list session ids with stored history
//	DELETE /chat/sessions/{session}   drop a session
//	GET    /chat/history/{session}    stored turns in order
//	DELETE /chat/history/{session}    alias for session deletion
//
// OpenAI-compatible passthrough:
//
//	GET  /v1/models               aggregated models across all backends
//	POST /v1/chat/completions     and the other capability endpoints,
//	                              relayed verbatim (streaming included)
//
// Liveness and readiness live at /health and /health/ready; readiness means
// at least one backend is registered.
//
// # Error mapping
//
// Validation failures are 400, unknown ids 404, no eligible backend 503,
// transport failure after the single retry 502. A reachable backend's
// non-2xx response is relayed to the client verbatim and never remapped.
// A persistence failure after a successful backend reply still returns the
// reply, with a warning field instead of an error status.
package gateway
