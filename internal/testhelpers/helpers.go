// Package testhelpers provides common utilities for exercising the relay over
// real WebSocket connections in tests.
//
// Events are decoded into Event maps so tests can assert on any field
// without depending on the server's internal types.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every read made through these helpers.
const DefaultTimeout = 2 * time.Second

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// Event is a decoded server event.
type Event map[string]any

// Type returns the event's "type" field.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// String returns the named field as a string, or "" if absent.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Users returns the names in a userList event, in order.
func (e Event) Users() []string {
	raw, _ := e["users"].([]any)
	names := make([]string, 0, len(raw))
	for _, u := range raw {
		if m, ok := u.(map[string]any); ok {
			name, _ := m["name"].(string)
			names = append(names, name)
		}
	}
	return names
}

// CreateTestServer creates a test HTTP server with the given handler and
// closes it when the test ends.
func CreateTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// WebSocketURL turns an httptest server URL into the relay's ws:// endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// DialWebSocket opens a WebSocket to url with the given Origin header, if any.
func DialWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ConnectWebSocket dials url with TestOrigin and closes the connection when
// the test ends.
func ConnectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := DialWebSocket(url, TestOrigin)
	require.NoError(t, err, "dial %s", url)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendCommand writes a JSON command frame.
func SendCommand(t *testing.T, conn *websocket.Conn, cmd map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

// SendRaw writes data as a single text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// ReadEvent reads and decodes the next frame, failing the test on timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTimeout)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "read event")

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev), "decode event %q", data)
	return ev
}

// ReadUntilType reads events until one of the given type arrives and
// returns it. Events of other types are discarded.
func ReadUntilType(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()
	for {
		ev := ReadEvent(t, conn)
		if ev.Type() == eventType {
			return ev
		}
	}
}

// ExpectNoEvent asserts that nothing arrives on conn within wait. A timed
// out gorilla connection cannot be read again, so this must be the last read.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))

	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", data)
	}

	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
