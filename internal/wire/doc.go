// Package wire defines the channel-agnostic JSON envelope exchanged with
// external chat channels and the event payloads published downstream.
package wire
