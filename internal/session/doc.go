// Package session owns the live connection and background listener for each
// external identity.
//
// # Registry
//
// The Registry guarantees that at any instant there is at most one live
// duplex connection and at most one listener per external identity:
//
//	conn, err := registry.Acquire(ctx, "user-42", connector)
//	registry.AttachListener("user-42", listener)
//	err = registry.Send("user-42", payload)
//	registry.Release("user-42")
//
// Operations on the same identity are serialized through a per-session
// mutex; operations on different identities run in parallel.
//
// # Idle reaping
//
// The Reaper periodically tears down sessions whose last activity exceeds a
// configurable threshold. A reaped session is re-established lazily on the
// next inbound trigger; the conversation document is untouched.
package session
