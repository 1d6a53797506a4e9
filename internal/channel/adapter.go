// ABOUTME: Websocket channel adapter: endpoint templating, dialing, frame listener.
// ABOUTME: A gorilla websocket connection satisfies the session Conn interface directly.

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/wire"
)

const dialTimeout = 10 * time.Second

// Adapter dials one chat channel. The endpoint template carries an {id}
// placeholder replaced with the escaped external identity at dial time.
type Adapter struct {
	name     string
	template string
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewAdapter creates an adapter for a configured channel.
func NewAdapter(name string, cfg config.ChannelConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:     name,
		template: cfg.EndpointTemplate,
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		logger: logger.With("component", "channel", "channel", name),
	}
}

// Name returns the channel's configured name.
func (a *Adapter) Name() string {
	return a.name
}

// Endpoint resolves the dial URL for an external identity.
func (a *Adapter) Endpoint(externalID string) string {
	return strings.ReplaceAll(a.template, "{id}", url.PathEscape(externalID))
}

// Connector returns a session Connector that dials this channel's endpoint
// for the given identity.
func (a *Adapter) Connector(externalID string) session.Connector {
	endpoint := a.Endpoint(externalID)
	return func(ctx context.Context) (session.Conn, error) {
		conn, resp, err := a.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("dialing %s (status %d): %w", endpoint, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
		}
		a.logger.Debug("channel connected", "external_id", externalID)
		return conn, nil
	}
}

// FrameHandler processes one decoded inbound frame.
type FrameHandler func(ctx context.Context, frame *wire.Frame) error

// Listener returns the session read loop for a connected identity. Frames
// are decoded and handed to the handler; handler errors are logged and the
// loop keeps reading. A read error tears the session down unless the context
// was already cancelled.
func Listener(handler FrameHandler, logger *slog.Logger) session.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "channel")

	return func(ctx context.Context, s *session.Session) error {
		for {
			conn := s.Conn()
			if conn == nil {
				return nil
			}

			var frame wire.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading frame: %w", err)
			}
			s.Touch()

			if frame.Kind() == wire.KindUnknown {
				logger.Warn("dropping frame with no recognized payload",
					"external_id", s.ExternalID)
				continue
			}

			if err := handler(ctx, &frame); err != nil {
				logger.Warn("frame handling failed",
					"external_id", s.ExternalID,
					"conversation_id", frame.ConversationID,
					"error", err)
			}
		}
	}
}
