// Package storage provides the keyed snapshot store behind the engine's
// durable state.
//
// Every stateful component (rate budget, risk profile, delivery queue,
// notification queue) round-trips one JSON document per namespaced key.
// Backends are interchangeable: a local file tree, a SQLite database, or a
// Redis server. Storage failures are never fatal; callers log and keep
// their in-memory state authoritative.
package storage
