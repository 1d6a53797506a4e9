// ABOUTME: Package ticket is the client for the external ticketing system.
// ABOUTME: Handed-off conversations open a ticket; resolution closes it.

// Package ticket talks to the external ticketing system over HTTP. The
// client is optional: with no base URL configured, every call is a no-op and
// conversation flow proceeds without tickets.
package ticket
