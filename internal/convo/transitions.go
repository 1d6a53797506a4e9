// ABOUTME: Conversation state transition graph and validation.
// ABOUTME: Invalid edges are rejected at the boundary instead of trusting callers.

package convo

import (
	"errors"
	"fmt"

	"github.com/2389/parley-gateway/internal/store"
)

// ErrInvalidTransition indicates an edge not present in the transition graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the full edge set of the conversation lifecycle. Terminal
// states only lead back to BOT_ONGOING through reopen semantics.
var transitions = map[store.State][]store.State{
	store.StateBotOngoing:  {store.StateCSROngoing, store.StateBotResolved, store.StateClosed},
	store.StateCSROngoing:  {store.StateCSRResolved, store.StateClosed},
	store.StateCSRResolved: {store.StateBotOngoing},
	store.StateBotResolved: {store.StateBotOngoing},
	store.StateClosed:      {store.StateBotOngoing},
}

// ValidTransition reports whether from -> to is an edge in the graph.
func ValidTransition(from, to store.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyTransition mutates doc.State after validating the edge.
func ApplyTransition(doc *store.Conversation, to store.State) error {
	if !ValidTransition(doc.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.State, to)
	}
	doc.State = to
	return nil
}
