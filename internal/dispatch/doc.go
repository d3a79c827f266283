// Package dispatch forwards capability requests to backend instances.
//
// # Routing
//
// Each capability kind maps to a fixed OpenAI-compatible sub-path appended
// to the selected instance's base URL. The registry picks the instance;
// the dispatcher only moves bytes. Two entry points exist: Do buffers the
// whole response for programmatic callers like the session orchestrator,
// and Relay streams the response straight to an http.ResponseWriter for
// the proxy handlers.
//
// # Failure handling
//
// A transport-level failure before any response bytes exist is retried
// exactly once against a different eligible instance of the same kind.
// Request bodies are buffered to make that retry possible. Once the
// backend has produced response bytes there is no retry: mid-stream
// failures surface to the caller as-is. Non-2xx responses from a reachable
// backend are application errors, relayed verbatim and never retried.
//
// # Timeouts
//
// Non-streaming dispatches run under a generous overall deadline.
// Streaming dispatches have no overall deadline; instead an idle timeout
// bounds the gap between chunks, and a silent backend gets its connection
// canceled. Client disconnects cancel the backend request through the
// inbound request context.
package dispatch
