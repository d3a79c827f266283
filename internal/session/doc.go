// Package session drives the request/reply conversation flow.
//
// The orchestrator owns one turn end to end: load the session's stored
// history, compose an OpenAI chat completion from a fixed system preamble
// plus that history plus the new user message, dispatch it to a chat
// backend, and persist both the user message and the assistant reply as a
// single atomic append.
//
// Concurrent turns against the same session id serialize on a per-session
// lock, so each turn sees the previous turn's history and appends land in
// order. Turns on different sessions never contend. Lock entries for idle
// sessions are swept on a TTL.
//
// Persistence failures after a successful backend reply do not discard the
// reply: they surface as ErrTurnNotPersisted alongside it so the transport
// layer can deliver the answer with a warning.
package session
