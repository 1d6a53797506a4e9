// ABOUTME: HTTP ticketing client: open on handoff, close on resolution.
// ABOUTME: All calls are best-effort from the caller's point of view.

package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/store"
)

const requestTimeout = 10 * time.Second

// Client creates and closes tickets for CSR-assisted conversations.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

type openRequest struct {
	ConversationID string            `json:"conversation_uuid"`
	CustomerID     string            `json:"customer_uuid"`
	ChannelID      string            `json:"channel_id"`
	UserDetails    map[string]string `json:"user_details,omitempty"`
}

type openResponse struct {
	TicketRef string `json:"ticket_ref"`
}

type closeRequest struct {
	Summary string `json:"summary,omitempty"`
}

// NewClient builds a ticketing client from configuration. Returns nil when
// no base URL is configured; callers treat a nil client as disabled.
func NewClient(cfg config.TicketingConfig, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout)
	if cfg.APIKey != "" {
		http.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:   http,
		logger: logger.With("component", "ticketing"),
	}
}

// OpenTicket creates a ticket for a handed-off conversation and returns its
// reference.
func (c *Client) OpenTicket(ctx context.Context, conv *store.Conversation) (string, error) {
	var result openResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(openRequest{
			ConversationID: conv.ConversationID,
			CustomerID:     conv.CustomerID,
			ChannelID:      conv.ChannelID,
			UserDetails:    conv.UserDetails,
		}).
		SetResult(&result).
		Post("/tickets")
	if err != nil {
		return "", fmt.Errorf("opening ticket: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("opening ticket: status %s", resp.Status())
	}

	c.logger.Info("ticket opened",
		"conversation_id", conv.ConversationID,
		"ticket_ref", result.TicketRef)
	return result.TicketRef, nil
}

// CloseTicket closes a ticket with the conversation's summary.
func (c *Client) CloseTicket(ctx context.Context, ticketRef, summary string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(closeRequest{Summary: summary}).
		Post("/tickets/" + ticketRef + "/close")
	if err != nil {
		return fmt.Errorf("closing ticket %s: %w", ticketRef, err)
	}
	if resp.IsError() {
		return fmt.Errorf("closing ticket %s: status %s", ticketRef, resp.Status())
	}

	c.logger.Info("ticket closed", "ticket_ref", ticketRef)
	return nil
}
