// Package dedupe drops duplicate inbound frames by message id. Channels
// redeliver frames after reconnects; a bounded TTL window keeps each turn
// from being applied twice.
package dedupe
