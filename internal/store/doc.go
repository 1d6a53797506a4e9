// Package store provides durable persistence for conversations that have
// reached a terminal or checkpoint state, and the shared conversation model
// types used across the gateway.
package store
