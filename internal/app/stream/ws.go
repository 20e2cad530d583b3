package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeWS upgrades the request to a WebSocket, registers it, and holds
// it open until the client goes away. The stream is one-way: client
// frames are discarded, pushes arrive via the broadcaster.
func ServeWS(reg *Registry, b *Broadcaster, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			// Browser WebSocket clients cannot set headers.
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		connID, err := reg.Register(userID, wsConn{conn: conn})
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "connection limit reached")
			return
		}
		defer reg.Deregister(userID, connID)

		logger.Info("live connection opened", "user_id", userID, "connection_id", connID)

		hello, _ := json.Marshal(map[string]string{
			"type":          "connection.established",
			"connection_id": connID,
		})
		if err := b.send(r.Context(), wsConn{conn: conn}, hello); err != nil {
			logger.Warn("websocket hello failed", "connection_id", connID, "error", err)
			return
		}

		// CloseRead discards client frames and cancels the context when
		// the connection drops.
		ctx := conn.CloseRead(r.Context())
		<-ctx.Done()

		logger.Info("live connection closed", "user_id", userID, "connection_id", connID)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
