// ABOUTME: Store interface and conversation model types for parley-gateway
// ABOUTME: Defines Conversation, Message, stats and assignment structs plus the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// State is the lifecycle state of a conversation.
type State string

const (
	StateBotOngoing  State = "BOT_ONGOING"
	StateCSROngoing  State = "CSR_ONGOING"
	StateCSRResolved State = "CSR_RESOLVED"
	StateBotResolved State = "BOT_RESOLVED"
	StateClosed      State = "CLOSED"
)

// Terminal reports whether the state persists the conversation and evicts it
// from the ephemeral cache.
func (s State) Terminal() bool {
	switch s {
	case StateCSRResolved, StateBotResolved, StateClosed:
		return true
	}
	return false
}

// Source identifies who authored a message.
type Source string

const (
	SourceUser Source = "user"
	SourceBot  Source = "bot"
	SourceCSR  Source = "csr"
)

// Assignment status values.
const (
	AssignmentActive   = "Active"
	AssignmentInactive = "Inactive"
)

// Message is one turn in a conversation. ParentID links to the previously
// appended message, forming a singly linked reply chain. Only Marker is
// mutated after append.
type Message struct {
	ID              string    `json:"id"`
	Source          Source    `json:"source"`
	Text            string    `json:"text"`
	Marker          string    `json:"marker,omitempty"`
	MediaRefs       []string  `json:"media_refs,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	RegenerateLevel int       `json:"regenerate_level"`
}

// CSRAssignment records one CSR's involvement in a conversation. At most one
// assignment is Active at a time once the conversation is CSR-assisted.
type CSRAssignment struct {
	CSRID      string    `json:"csr_id"`
	AssignedAt time.Time `json:"assigned_at"`
	Status     string    `json:"status"`
}

// StatsInterval holds the lifecycle timestamps of one open-to-resolution
// span. A reopened conversation appends a fresh interval.
type StatsInterval struct {
	StartedAt       time.Time  `json:"started_at"`
	FirstAssignedAt *time.Time `json:"first_assigned_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Conversation is the authoritative record of one conversation. While open it
// lives in the ephemeral cache; on terminal transitions it is written here.
type Conversation struct {
	ConversationID string            `json:"conversation_uuid"`
	State          State             `json:"state"`
	UserDetails    map[string]string `json:"user_details,omitempty"`
	CSRAssignments []CSRAssignment   `json:"csr_info,omitempty"`
	CSRHandOff     bool              `json:"csr_hand_off"`
	Messages       []*Message        `json:"messages"`
	Stats          []StatsInterval   `json:"stats"`
	TicketRef      string            `json:"ticket_ref,omitempty"`
	Feedback       string            `json:"feedback,omitempty"`
	TaskDetails    string            `json:"task_details,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	ApplicationID  string            `json:"application_uuid,omitempty"`
	CustomerID     string            `json:"customer_uuid,omitempty"`
	ChannelID      string            `json:"channel_id,omitempty"`
	LastIntent     string            `json:"previous_intent,omitempty"`
}

// LastMessage returns the most recently appended message, or nil when empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// ActiveAssignment returns the Active CSR assignment, or nil if none.
func (c *Conversation) ActiveAssignment() *CSRAssignment {
	for i := range c.CSRAssignments {
		if c.CSRAssignments[i].Status == AssignmentActive {
			return &c.CSRAssignments[i]
		}
	}
	return nil
}

// CurrentStats returns the most recent stats interval, or nil when empty.
func (c *Conversation) CurrentStats() *StatsInterval {
	if len(c.Stats) == 0 {
		return nil
	}
	return &c.Stats[len(c.Stats)-1]
}

// Store defines the interface for durable conversation persistence
type Store interface {
	// SaveConversation upserts the full conversation record.
	SaveConversation(ctx context.Context, conv *Conversation) error

	// GetConversation loads a persisted conversation by id.
	// Returns ErrNotFound when no record exists.
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)

	// ListConversationsByCustomer returns persisted conversations for a
	// customer, newest first.
	ListConversationsByCustomer(ctx context.Context, customerID string, limit int) ([]*Conversation, error)

	// Close releases any resources held by the store
	Close() error
}
