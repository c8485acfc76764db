// ABOUTME: Package documentation for transcript persistence
// ABOUTME: Explains the append-only model and its place outside the relay path

// Package store persists relayed conversation transcripts to SQLite.
//
// The transcript is strictly an audit trail: the relay core never reads
// it, sessions are not reconstructed from it, and a store failure never
// blocks a turn. Entries are append-only, ordered by an insertion
// sequence so batches delivered within the same second keep their order.
//
// The store is optional. When no database path is configured the gateway
// runs without one and the history endpoints report the store as
// disabled.
package store
