// ABOUTME: Tests for the ticketing client against a stub HTTP server.
// ABOUTME: Covers open/close round trips, auth header, server errors, and disabled config.

package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/store"
)

func TestNewClientDisabled(t *testing.T) {
	assert.Nil(t, NewClient(config.TicketingConfig{}, nil))
}

func TestOpenTicket(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tickets", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"ticket_ref": "TKT-42"})
	}))
	defer srv.Close()

	client := NewClient(config.TicketingConfig{BaseURL: srv.URL, APIKey: "secret"}, nil)
	require.NotNil(t, client)

	ref, err := client.OpenTicket(context.Background(), &store.Conversation{
		ConversationID: "c1",
		CustomerID:     "cust-1",
		ChannelID:      "web",
		UserDetails:    map[string]string{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "TKT-42", ref)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "c1", gotBody["conversation_uuid"])
	assert.Equal(t, "web", gotBody["channel_id"])
}

func TestOpenTicketServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(config.TicketingConfig{BaseURL: srv.URL}, nil)
	_, err := client.OpenTicket(context.Background(), &store.Conversation{ConversationID: "c1"})
	require.Error(t, err)
}

func TestCloseTicket(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(config.TicketingConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, client.CloseTicket(context.Background(), "TKT-42", "order located"))
	assert.Equal(t, "/tickets/TKT-42/close", gotPath)
	assert.Equal(t, "order located", gotBody["summary"])
}

func TestCloseTicketServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(config.TicketingConfig{BaseURL: srv.URL}, nil)
	require.Error(t, client.CloseTicket(context.Background(), "TKT-404", ""))
}
