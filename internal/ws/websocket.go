// Package ws serves the Flow Store's live update feed over a WebSocket: an
// initial snapshot followed by every subsequent change notification.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siphonhq/siphon/internal/config"
	"github.com/siphonhq/siphon/internal/store"
)

// sessionCookieName must match the cookie name used by the api package.
const sessionCookieName = "siphon_session"

// isLocalhostOrigin checks if the Origin header indicates a localhost request.
func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

// Hub serves WebSocket subscribers of the Flow Store's change feed.
type Hub struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger
}

// NewHub creates a Hub backed by st.
func NewHub(cfg *config.Config, st store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{cfg: cfg, store: st, logger: logger}
}

// envelope is the wire shape of every message sent to a subscriber.
type envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type initPayload struct {
	Flows  []*store.Flow            `json:"flows"`
	Events map[string][]*store.Event `json:"events"`
}

type changePayload struct {
	Flow   *store.Flow  `json:"flow,omitempty"`
	FlowID string       `json:"flowId,omitempty"`
	Event  *store.Event `json:"event,omitempty"`
}

// Handler returns an HTTP handler that upgrades to a WebSocket, sends an
// init snapshot, then streams store changes until the client disconnects or
// falls behind (its subscriber buffer overflows, per store.Subscribe).
//
// Authentication modes, checked in order: session cookie (browser), bearer
// token header (CLI), and a ?token= query parameter (WebSocket upgrades
// cannot set arbitrary headers from a browser).
func (h *Hub) Handler(authToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentToken := authToken
		if h.cfg != nil {
			currentToken = h.cfg.Auth.Token
		}

		authenticated := false
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(currentToken)) == 1 {
				authenticated = true
			}
		}
		if !authenticated {
			expectedAuth := "Bearer " + currentToken
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(expectedAuth)) == 1 {
				authenticated = true
			}
		}
		if !authenticated {
			token := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(currentToken)) == 1 {
				authenticated = true
			}
		}

		if origin := r.Header.Get("Origin"); origin != "" && !isLocalhostOrigin(origin) {
			h.logger.Warn("rejected non-localhost WebSocket origin", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}

		if !authenticated {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		h.serve(conn)
	}
}

func (h *Hub) serve(conn *websocket.Conn) {
	sub := h.store.Subscribe()
	send := make(chan []byte, 256)
	closed := make(chan struct{})

	go h.writePump(conn, send, closed)
	go h.readPump(conn, closed)

	snap, err := h.store.Snapshot(context.Background())
	if err == nil {
		msg := envelope{Type: "init", Timestamp: time.Now(), Data: initPayload{Flows: snap.Flows, Events: snap.Events}}
		if data, mErr := json.Marshal(msg); mErr == nil {
			select {
			case send <- data:
			case <-closed:
			}
		}
	}

	for {
		select {
		case <-closed:
			h.store.Unsubscribe(sub)
			close(send)
			return
		case <-sub.Closed():
			close(send)
			return
		case change, ok := <-sub.Changes():
			if !ok {
				close(send)
				return
			}
			msg := envelope{
				Type:      string(change.Kind),
				Timestamp: time.Now(),
				Data:      changePayload{Flow: change.Flow, FlowID: change.FlowID, Event: change.Event},
			}
			data, mErr := json.Marshal(msg)
			if mErr != nil {
				continue
			}
			select {
			case send <- data:
			case <-closed:
			}
		}
	}
}

// writePump pumps queued messages (and periodic pings) to the connection.
func (h *Hub) writePump(conn *websocket.Conn, send <-chan []byte, closed chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readPump drains client frames (this feed is one-way) and notices
// disconnects via read errors, closing the shared done channel.
func (h *Hub) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket error", "error", err)
			}
			return
		}
	}
}
