package delivery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errClosedConn = errors.New("use of closed network connection")

// fakeSocket is an in-memory Socket. Frames pushed to in are read by the
// session; data frames it writes are decoded and recorded.
type fakeSocket struct {
	in chan []byte

	expired    chan struct{}
	expireOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
	served     chan struct{}

	blockWrites atomic.Bool
	reads       atomic.Int32

	mu            sync.Mutex
	frames        []envelope.ServerFrame
	writeDeadline time.Time
	closeCode     int
	closeWritten  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:      make(chan []byte, 64),
		expired: make(chan struct{}),
		closed:  make(chan struct{}),
		served:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		f.reads.Add(1)
		return websocket.TextMessage, data, nil
	case <-f.expired:
		return 0, nil, timeoutError{}
	case <-f.closed:
		return 0, nil, errClosedConn
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	if f.blockWrites.Load() {
		f.mu.Lock()
		deadline := f.writeDeadline
		f.mu.Unlock()
		select {
		case <-time.After(time.Until(deadline)):
			return timeoutError{}
		case <-f.closed:
			return errClosedConn
		}
	}

	var frame envelope.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeWritten {
		return websocket.ErrCloseSent
	}
	f.closeWritten = true
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data))
	}
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		f.expireOnce.Do(func() { close(f.expired) })
	}
	return nil
}

func (f *fakeSocket) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeDeadline = t
	return nil
}

func (f *fakeSocket) SetReadLimit(int64) {}

func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) send(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeSocket) snapshot() []envelope.ServerFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]envelope.ServerFrame(nil), f.frames...)
}

// messages returns delivered chat envelopes in arrival order.
func (f *fakeSocket) messages() []envelope.Envelope {
	var out []envelope.Envelope
	for _, frame := range f.snapshot() {
		if frame.Type == envelope.FrameMessage && frame.Envelope != nil {
			out = append(out, *frame.Envelope)
		}
	}
	return out
}

func (f *fakeSocket) presences() []envelope.Envelope {
	var out []envelope.Envelope
	for _, frame := range f.snapshot() {
		if frame.Type == envelope.FramePresence && frame.Envelope != nil {
			out = append(out, *frame.Envelope)
		}
	}
	return out
}

func (f *fakeSocket) errors() []envelope.ErrorDetail {
	var out []envelope.ErrorDetail
	for _, frame := range f.snapshot() {
		if frame.Type == envelope.FrameError && frame.Error != nil {
			out = append(out, *frame.Error)
		}
	}
	return out
}

func (f *fakeSocket) waitMessages(t *testing.T, n int) []envelope.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.messages()) >= n }, 3*time.Second, 5*time.Millisecond)
	return f.messages()
}

func (f *fakeSocket) waitError(t *testing.T, code string) envelope.ErrorDetail {
	t.Helper()
	var found envelope.ErrorDetail
	require.Eventually(t, func() bool {
		for _, e := range f.errors() {
			if e.Code == code {
				found = e
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

// waitClosed waits for Serve to return and reports the close code written.
func (f *fakeSocket) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.served:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeSocket) isServed() bool {
	select {
	case <-f.served:
		return true
	default:
		return false
	}
}

// staticAuth accepts a credential equal to the user id, prefixed with "ok:".
type staticAuth struct {
	ttl time.Duration
}

func (a staticAuth) Authenticate(credential string) (auth.Principal, error) {
	const prefix = "ok:"
	if len(credential) <= len(prefix) || credential[:len(prefix)] != prefix {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	ttl := a.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return auth.Principal{UserID: credential[len(prefix):], ExpiresAt: time.Now().Add(ttl)}, nil
}

// instance is one gateway process: registry, bridge and coordinator.
type instance struct {
	reg      *registry.Registry
	bridge   *broker.Bridge
	presence *presence.Service
	coord    *Coordinator
}

type instanceOptions struct {
	log          broker.Log
	cursors      broker.CursorStore
	cfg          Config
	auth         Authenticator
	withPresence bool
}

func newInstance(t *testing.T, opts instanceOptions) *instance {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if opts.log == nil {
		opts.log = broker.NewMemoryLog(0)
	}
	if opts.cursors == nil {
		opts.cursors = broker.NewMemoryCursors()
	}
	if opts.auth == nil {
		opts.auth = staticAuth{}
	}

	reg := registry.New(4)
	bridge := broker.NewBridge(opts.log, opts.cursors, broker.Config{
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		ReadWait:       20 * time.Millisecond,
		RestartInitial: 5 * time.Millisecond,
		RestartMax:     20 * time.Millisecond,
	}, logger)

	in := &instance{reg: reg, bridge: bridge}
	var pres Presence
	if opts.withPresence {
		in.presence = presence.New(bridge, reg, logger)
		pres = in.presence
	}
	in.coord = New(opts.cfg, opts.auth, reg, bridge, pres, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx, in.coord.Dispatch)
	}()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = in.coord.Shutdown(sctx)
		cancel()
		<-done
	})
	return in
}

func (in *instance) connect(credential string) *fakeSocket {
	sock := newFakeSocket()
	go func() {
		defer close(sock.served)
		in.coord.Serve(sock, credential, "pipe")
	}()
	return sock
}

// waitSubscribers waits until conv has n local subscribers and is tracked.
func (in *instance) waitSubscribers(t *testing.T, conv string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(in.reg.LocalSubscribers(conv)) == n && in.bridge.Tracked(conv)
	}, 3*time.Second, 5*time.Millisecond)
}

func join(conv string) map[string]any {
	return map[string]any{"type": "join", "conversationId": conv}
}

func sendFrame(conv, payload, clientMsgID string) map[string]any {
	frame := map[string]any{"type": "send", "conversationId": conv, "payload": payload}
	if clientMsgID != "" {
		frame["clientMsgId"] = clientMsgID
	}
	return frame
}
