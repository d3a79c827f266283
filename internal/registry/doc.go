// Package registry tracks the live pool of downstream inference backends.
//
// # Overview
//
// The registry is the single authoritative owner of backend instances. Every
// instance belongs to exactly one capability kind (chat, embeddings, image,
// transcribe, translate, tts) for its whole lifetime, carries an optional
// bearer credential, and advertises a set of model names refreshed by the
// health checker.
//
// # Registry
//
// The Registry supports:
//
//   - Register(kind, baseURL, apiKey): add an instance, status Unknown
//   - Deregister(id): remove an instance immediately
//   - List(kinds...): point-in-time snapshots
//   - Select(kind, model, exclude...): round-robin pick for dispatch
//   - RecordCheckResult(id, ok, models): health checker feedback
//
// # Selection policy
//
// Select walks the kind's pool round-robin, considering only Healthy
// instances first. If no healthy instance is eligible it falls back to
// Unknown instances (registered but not yet probed), so a freshly added
// backend can serve traffic before its first probe. Unhealthy instances are
// never selected. When a model name is given, only instances advertising
// that model are eligible.
//
// # Health state transitions
//
// Instances flip to Unhealthy after a configurable number of consecutive
// failed probes (default 1: the first failure removes the instance from
// rotation, trading flapping tolerance for availability correctness). A
// successful probe always restores Healthy and resets the counter. Hard
// removal on repeated failure is opt-in and disabled by default, so a
// flapping backend recovers without re-registration.
//
// # Concurrency
//
// A single RWMutex guards both indexes. All read operations return deep
// copies, so callers never observe a partially-applied mutation.
package registry
