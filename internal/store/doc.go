// Package store persists chat session history.
//
// # Overview
//
// A session is identified by a client-supplied opaque id and owns an
// append-only, time-ordered sequence of turns (user or assistant messages).
// The Store interface has two implementations selected at startup by
// configuration:
//
//   - SQLiteStore: durable storage via modernc.org/sqlite; the chat_turns
//     table is created automatically on first open.
//   - MemoryStore: a process-lifetime map; history is lost on restart.
//
// # Atomic appends
//
// AppendTurns writes all given turns or none. The SQLite implementation
// uses a transaction; the memory implementation holds its lock across the
// whole append. The session orchestrator relies on this to keep a user turn
// and its assistant reply contiguous.
package store
