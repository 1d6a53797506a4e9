// Package convo owns the conversation document lifecycle: the ephemeral
// cache holding live documents, the state transition rules, and the Machine
// that applies inbound triggers.
//
// # State machine
//
// BOT_ONGOING is the initial state. A handoff moves the conversation to
// CSR_ONGOING. CSR_RESOLVED, BOT_RESOLVED, and CLOSED are terminal: the
// document is written to the durable store and evicted from the cache. A new
// trigger for a terminal conversation reopens it with a fresh stats interval.
//
// # Serialization
//
// Every mutating operation locks the conversation key, loads the document,
// mutates it, and commits the whole document back to the cache in one write.
// Triggers for different conversations run in parallel.
package convo
