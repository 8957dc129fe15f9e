// Package testutil provides helpers shared by the gateway tests: HTTP
// requests against test servers and WebSocket clients that speak the relay
// frame protocol.
package testutil

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// DefaultOrigin is the Origin header sent by ConnectWebSocket.
const DefaultOrigin = "http://localhost:8080"

// ReadTimeout bounds every read helper.
const ReadTimeout = 3 * time.Second

// MakeRequest creates and executes an HTTP request, returning the response.
// It fails the test if the request cannot be created or executed.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "creating request")

	resp, err := client.Do(req)
	require.NoError(t, err, "making request")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks the response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "status code")
}

// AssertContentType checks the response Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	assert.Equal(t, expected, resp.Header.Get("Content-Type"), "content type")
}

// WebSocketURL turns a test server URL into the ws:// URL of path.
func WebSocketURL(t *testing.T, serverURL, path string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = path
	return u.String()
}

// ConnectWebSocket dials wsURL with a bearer token and origin. An empty
// token or origin omits the header.
func ConnectWebSocket(wsURL, token, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect is ConnectWebSocket with DefaultOrigin that fails the test on
// error and closes the connection at cleanup.
func MustConnect(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(wsURL, token, DefaultOrigin)
	require.NoError(t, err, "dialing %s", wsURL)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Join sends a join frame.
func Join(t *testing.T, conn *websocket.Conn, conv string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "join", "conversationId": conv}))
}

// Send sends a send frame carrying payload as a JSON string.
func Send(t *testing.T, conn *websocket.Conn, conv, payload, clientMsgID string) {
	t.Helper()
	frame := map[string]any{"type": "send", "conversationId": conv, "payload": payload}
	if clientMsgID != "" {
		frame["clientMsgId"] = clientMsgID
	}
	require.NoError(t, conn.WriteJSON(frame))
}

// ReadFrame reads the next server frame.
func ReadFrame(conn *websocket.Conn) (envelope.ServerFrame, error) {
	var frame envelope.ServerFrame
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return frame, err
	}
	err := conn.ReadJSON(&frame)
	return frame, err
}

// ReadFrameOfType skips frames until one of the given type arrives.
func ReadFrameOfType(t *testing.T, conn *websocket.Conn, frameType envelope.FrameType) envelope.ServerFrame {
	t.Helper()
	for {
		frame, err := ReadFrame(conn)
		require.NoError(t, err, "waiting for %s frame", frameType)
		if frame.Type == frameType {
			return frame
		}
	}
}

// ReadMessages reads until n chat envelopes arrived, skipping presence frames.
func ReadMessages(t *testing.T, conn *websocket.Conn, n int) []envelope.Envelope {
	t.Helper()
	out := make([]envelope.Envelope, 0, n)
	for len(out) < n {
		frame := ReadFrameOfType(t, conn, envelope.FrameMessage)
		require.NotNil(t, frame.Envelope)
		out = append(out, *frame.Envelope)
	}
	return out
}

// ExpectClose reads until the server closes the connection and returns the
// close code, or -1 when the connection ended without a close frame.
func ExpectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			return -1
		}
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		return -1
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
