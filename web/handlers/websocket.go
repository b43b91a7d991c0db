package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/helixmcp/internal/notify"
)

const writeTimeout = 10 * time.Second

// EventStream upgrades requests to WebSocket connections and forwards every
// consistency event published on the hub as one JSON text message.
type EventStream struct {
	hub      *notify.Hub
	patterns []string
	logger   *zap.Logger
}

// NewEventStream creates a stream over hub. origins uses the same form as the
// CORS configuration ("http://localhost:*"); requests without an Origin
// header are always accepted.
func NewEventStream(hub *notify.Hub, origins []string, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		patterns = append(patterns, hostPattern(o))
	}
	return &EventStream{hub: hub, patterns: patterns, logger: logger}
}

// ServeHTTP handles WebSocket upgrade requests.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !s.allowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	// The server-wide write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: s.patterns,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	events, cancel := s.hub.Subscribe(notify.DefaultBuffer)
	defer cancel()
	s.logger.Debug("event subscriber connected", zap.Int("subscribers", s.hub.Subscribers()))

	// Incoming frames are discarded; the returned context ends when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.write(ctx, conn, evt); err != nil {
				s.logger.Debug("event write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *EventStream) write(ctx context.Context, conn *websocket.Conn, evt notify.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
}

func (s *EventStream) allowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, u.Host); ok {
			return true
		}
	}
	return false
}

// hostPattern strips the scheme from an origin pattern.
func hostPattern(origin string) string {
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		return rest
	}
	return origin
}
