package httpserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.StreamHandler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsOutbound {
	t.Helper()
	var out wsOutbound
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestStreamHandler_WordByWordChunks(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	conn := dialStream(t, srv)

	require.NoError(t, conn.WriteJSON(wsInbound{Message: "Hello", SessionID: "s1"}))

	var chunks []string
	for {
		out := readFrame(t, conn)
		require.Empty(t, out.Error)
		if out.Done {
			assert.Equal(t, "s1", out.SessionID)
			break
		}
		require.NotEmpty(t, out.Chunk)
		chunks = append(chunks, out.Chunk)
	}
	require.Greater(t, len(chunks), 1, "reply streams as multiple word chunks")
	full := strings.Join(chunks, "")
	assert.NotEmpty(t, strings.TrimSpace(full))
}

func TestStreamHandler_MalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, openGate{})
	conn := dialStream(t, srv)

	// A non-JSON frame produces an error frame, not a close.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	out := readFrame(t, conn)
	assert.NotEmpty(t, out.Error)

	// So does an empty message.
	require.NoError(t, conn.WriteJSON(wsInbound{Message: "   ", SessionID: "s1"}))
	out = readFrame(t, conn)
	assert.NotEmpty(t, out.Error)

	// The connection still serves the next turn.
	require.NoError(t, conn.WriteJSON(wsInbound{Message: "Hello", SessionID: "s1"}))
	out = readFrame(t, conn)
	assert.Empty(t, out.Error)
}

func TestStreamHandler_DefaultSessionIsStable(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, openGate{})
	conn := dialStream(t, srv)

	drain := func() wsOutbound {
		for {
			out := readFrame(t, conn)
			if out.Done || out.Error != "" {
				return out
			}
		}
	}

	require.NoError(t, conn.WriteJSON(wsInbound{Message: "First"}))
	first := drain()
	require.NoError(t, conn.WriteJSON(wsInbound{Message: "Second"}))
	second := drain()

	assert.Equal(t, first.SessionID, second.SessionID, "unnamed turns share one session per connection")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.conversations, 1)
}

func TestWSOutboundShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(wsOutbound{Chunk: "hi "})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk":"hi ","done":false}`, string(b))

	b, err = json.Marshal(wsOutbound{Done: true, SessionID: "s1", Pass: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk":"","done":true,"session_id":"s1","pass":1}`, string(b))
}
