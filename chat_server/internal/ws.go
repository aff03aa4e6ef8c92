package internal

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/tools"
	"chatrelay/tools/logging"
)

const closeGracePeriod = time.Second

// wsConn carries chat lines in WebSocket text messages. A message holding several
// newline separated lines is read as that many lines, one is written per message.
type wsConn struct {
	conn    *websocket.Conn
	pending []string
}

// NewWebSocketConnection adapts an upgraded WebSocket to Connection.
func NewWebSocketConnection(conn *websocket.Conn) Connection {
	conn.SetReadLimit(tools.MaxLineSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadLine() (string, error) {
	for {
		if len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			return line, nil
		}

		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
			c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
		}
	}
}

func (c *wsConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimRight(line, "\r\n")))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close says goodbye with a close frame before dropping the connection.
func (c *wsConn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

// wsHandler upgrades HTTP requests and attaches the resulting sessions to the broker.
type wsHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// WebSocketHandler returns an http.Handler serving chat sessions over WebSocket.
// Origins are not checked; the relay has no notion of trusted peers.
func (b *Broker) WebSocketHandler() http.Handler {
	return &wsHandler{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: b.logger.Named("ws"),
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.broker.State() != StateListening {
		http.Error(w, ErrNotListening.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", logging.Fields{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	if _, err := h.broker.Attach(NewWebSocketConnection(conn)); err != nil {
		conn.Close()
	}
}
