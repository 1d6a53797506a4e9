// ABOUTME: Package gateway wires every component into the running service.
// ABOUTME: Owns the HTTP server, the frame dispatcher, and the shutdown order.

// Package gateway assembles the conversation routing service: session
// registry, conversation state machine, queue coordinator, publisher pool,
// and the per-channel adapters. Inbound frames flow through the dispatcher;
// the HTTP surface handles ingress, history lookups, and health checks.
package gateway
