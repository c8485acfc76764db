// ABOUTME: Package documentation for delivery deduplication
// ABOUTME: Explains the guard contract and when to pick each implementation

// Package dedupe keeps retried channel deliveries from turning into
// duplicate agent turns. Adapters send a stable delivery ID with each
// user message; the gateway asks the guard whether that ID was already
// relayed within the tracking window and skips the turn if so.
//
// MemoryGuard is the default: an in-process TTL map with a size cap,
// right for a single gateway instance. RedisGuard shares the window
// across replicas using SET NX with expiry. Guard errors are advisory —
// the gateway relays on error rather than dropping user messages.
package dedupe
