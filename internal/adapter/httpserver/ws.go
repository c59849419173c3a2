package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wcastil/AIStreamSocket/internal/observability"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 90 * time.Second
	wsMaxMessageSize = 1 << 16
)

type wsInbound struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Chunk and done are always present so clients can key on them without
// defaulting absent fields.
type wsOutbound struct {
	Chunk     string `json:"chunk"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Pass      int    `json:"pass,omitempty"`
}

// wsConn serializes writes: the ping ticker and the reply stream share one
// underlying connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StreamHandler upgrades to a WebSocket and serves interview turns over it.
// Each inbound {message} frame produces word-by-word {chunk} frames and a
// closing {done} frame; malformed frames produce an {error} frame without
// closing the connection.
func (s *Server) StreamHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true }, // origin policy enforced by CORS at the proxy
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			LoggerFrom(r).Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		observability.StreamConnections.Inc()
		defer observability.StreamConnections.Dec()
		defer func() { _ = conn.Close() }()

		c := &wsConn{conn: conn}
		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		done := make(chan struct{})
		defer close(done)
		go s.pingLoop(c, done)

		// One session per connection unless the client names its own.
		defaultSession := uuid.NewString()
		log := LoggerFrom(r)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("websocket read failed", slog.Any("error", err))
				}
				return
			}
			var in wsInbound
			if err := json.Unmarshal(payload, &in); err != nil {
				// A malformed frame is answered, not fatal.
				if werr := c.writeJSON(wsOutbound{Error: "invalid frame: expected a json object"}); werr != nil {
					return
				}
				continue
			}
			if strings.TrimSpace(in.Message) == "" {
				if err := c.writeJSON(wsOutbound{Error: "message is required"}); err != nil {
					return
				}
				continue
			}
			sessionID := in.SessionID
			if sessionID == "" {
				sessionID = defaultSession
			}
			reply, err := s.Interview.HandleMessage(r.Context(), sessionID, in.Message)
			if err != nil {
				if werr := c.writeJSON(wsOutbound{Error: err.Error()}); werr != nil {
					return
				}
				continue
			}
			if !s.streamWords(c, reply.Text) {
				return
			}
			if err := c.writeJSON(wsOutbound{Done: true, SessionID: reply.SessionID, Pass: reply.Pass}); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamWords(c *wsConn, text string) bool {
	words := strings.Fields(text)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		if err := c.writeJSON(wsOutbound{Chunk: chunk}); err != nil {
			return false
		}
	}
	return true
}

func (s *Server) pingLoop(c *wsConn, done <-chan struct{}) {
	interval := s.Cfg.WSPingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
