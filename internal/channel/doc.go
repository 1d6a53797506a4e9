// ABOUTME: Package channel adapts external chat channels onto the session layer.
// ABOUTME: Websocket dialing from endpoint templates plus the inbound frame read loop.

// Package channel provides per-channel websocket adapters. An adapter turns
// a channel's endpoint template and an external identity into a session
// Connector, and supplies the Listener that decodes inbound frames and hands
// them to the gateway dispatcher.
package channel
