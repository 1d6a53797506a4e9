// ABOUTME: Package publish owns the downstream event publisher pool.
// ABOUTME: A fixed set of broker clients leased one at a time, round-robin.

// Package publish delivers per-turn events to the downstream reasoning
// pipeline through a fixed pool of broker clients. A client is leased for
// exactly one publish and returned afterwards; a publisher channel is never
// shared between two in-flight publishes.
package publish
