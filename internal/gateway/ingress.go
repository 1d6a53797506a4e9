// ABOUTME: HTTP handlers for connecting parties and querying history.
// ABOUTME: POST /ingress/{channel} attaches a session; /api/conversations reads the durable store.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/parley-gateway/internal/channel"
	"github.com/2389/parley-gateway/internal/convo"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/wire"
)

const defaultHistoryLimit = 20

type ingressRequest struct {
	Role          string            `json:"role"`
	CustomerID    string            `json:"customer_uuid,omitempty"`
	CSRID         string            `json:"csr_id,omitempty"`
	ApplicationID string            `json:"application_uuid,omitempty"`
	UserDetails   map[string]string `json:"user_details,omitempty"`
}

type ingressResponse struct {
	Status     string `json:"status"`
	SessionKey string `json:"session_key"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleIngress connects (POST) or disconnects (DELETE) a party on a channel.
func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request) {
	channelName := strings.TrimPrefix(r.URL.Path, "/ingress/")
	if channelName == "" || strings.Contains(channelName, "/") {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	switch r.Method {
	case http.MethodPost:
		g.connect(w, r, channelName)
	case http.MethodDelete:
		g.disconnect(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) connect(w http.ResponseWriter, r *http.Request, channelName string) {
	adapter, ok := g.adapters[channelName]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel: "+channelName)
		return
	}

	var req ingressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	identity, dialID, err := identityFrom(req, channelName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := identity.Key()

	if _, err := g.registry.Acquire(r.Context(), key, adapter.Connector(dialID)); err != nil {
		writeError(w, http.StatusBadGateway, "connecting channel: "+err.Error())
		return
	}
	listener := channel.Listener(g.dispatcher.HandlerFor(identity), g.logger)
	if err := g.registry.AttachListener(key, listener); err != nil {
		g.registry.Release(key)
		writeError(w, http.StatusInternalServerError, "attaching listener: "+err.Error())
		return
	}

	if identity.Role == RoleCSR {
		g.coordinator.RegisterCSR(identity.CSRID)
	}

	writeJSON(w, http.StatusOK, ingressResponse{Status: "connected", SessionKey: key})
}

func (g *Gateway) disconnect(w http.ResponseWriter, r *http.Request) {
	var req ingressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch Role(req.Role) {
	case RoleCSR:
		if req.CSRID == "" {
			writeError(w, http.StatusBadRequest, "csr_id is required")
			return
		}
		g.coordinator.UnregisterCSR(req.CSRID)
		g.registry.Release(session.CSRKey(req.CSRID))
	case RoleEndUser:
		if req.CustomerID == "" {
			writeError(w, http.StatusBadRequest, "customer_uuid is required")
			return
		}
		g.registry.Release(session.UserKey(req.CustomerID))
	default:
		writeError(w, http.StatusBadRequest, "role must be endUser or csr")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// identityFrom validates an ingress request and returns the identity plus
// the raw id used for dialing the channel endpoint.
func identityFrom(req ingressRequest, channelName string) (Identity, string, error) {
	identity := Identity{
		Role:          Role(req.Role),
		ChannelID:     channelName,
		CustomerID:    req.CustomerID,
		CSRID:         req.CSRID,
		ApplicationID: req.ApplicationID,
		UserDetails:   req.UserDetails,
	}

	switch identity.Role {
	case RoleEndUser:
		if req.CustomerID == "" {
			return identity, "", errors.New("customer_uuid is required for endUser role")
		}
		return identity, req.CustomerID, nil
	case RoleCSR:
		if req.CSRID == "" {
			return identity, "", errors.New("csr_id is required for csr role")
		}
		return identity, req.CSRID, nil
	default:
		return identity, "", errors.New("role must be endUser or csr")
	}
}

// handleConversations returns a customer's persisted conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	customerID := r.URL.Query().Get("customer_uuid")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "customer_uuid is required")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conversations, err := g.store.ListConversationsByCustomer(r.Context(), customerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing conversations: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, conversations)
}

// handleQueuePosition returns a waiting conversation's 1-based queue position.
func (g *Gateway) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conversationID := r.URL.Query().Get("conversation_uuid")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_uuid is required")
		return
	}

	position, err := g.coordinator.PositionOf(conversationID)
	if err != nil {
		if errors.Is(err, queue.ErrNotAssigned) || errors.Is(err, convo.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_uuid": conversationID,
		"position":          position,
		"notice":            wire.QueueNotice(position),
	})
}
