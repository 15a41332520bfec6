package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/marketchat/relay/internal/protocol"
)

type fakeLifecycle struct {
	mu     sync.Mutex
	next   int
	closed map[string]int
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{closed: make(map[string]int)}
}

func (f *fakeLifecycle) Open(context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("sess-%d", f.next)
}

func (f *fakeLifecycle) Close(_ context.Context, sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[sessionID]++
	return nil
}

func (f *fakeLifecycle) closeCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[sessionID]
}

// acceptPipe accepts the server end of a net.Pipe and returns the connection,
// the client end and a channel of text frames the client received.
func acceptPipe(t *testing.T, s *Server) (*Connection, net.Conn, <-chan []byte) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	frames := make(chan []byte, 16)

	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(clientSide)
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	c := s.Accept(serverSide, "127.0.0.1")
	t.Cleanup(func() { clientSide.Close() })
	return c, clientSide, frames
}

// acceptDiscard accepts a pipe whose client end drains and ignores every
// byte, so control frames never stall the writer.
func acceptDiscard(t *testing.T, s *Server) *Connection {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go io.Copy(io.Discard, clientSide)
	t.Cleanup(func() { clientSide.Close() })
	return s.Accept(serverSide, "127.0.0.1")
}

func nextFrame(t *testing.T, frames <-chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before a frame arrived")
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func testServer(lc Lifecycle) *Server {
	config := DefaultServerConfig()
	config.ReadTimeout = time.Second
	config.WriteTimeout = time.Second
	d := NewMessageDispatcher()
	return NewServer(config, lc, d.Dispatch)
}

func TestAcceptSendsSessionCreated(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)

	c, _, frames := acceptPipe(t, s)

	msg := nextFrame(t, frames)
	if msg["type"] != protocol.TypeSessionCreated {
		t.Fatalf("expected session_created, got %v", msg["type"])
	}
	if msg["session_id"] != c.ID {
		t.Errorf("expected session_id %q, got %v", c.ID, msg["session_id"])
	}
	if s.Connections().Get(c.ID) == nil {
		t.Error("expected connection to be registered")
	}
}

func TestRemoveConnectionClosesSessionOnce(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)
	c, _, frames := acceptPipe(t, s)
	nextFrame(t, frames)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RemoveConnection(c)
		}()
	}
	wg.Wait()

	if n := lc.closeCount(c.ID); n != 1 {
		t.Fatalf("expected exactly one lifecycle close, got %d", n)
	}
	if s.Connections().Count() != 0 {
		t.Errorf("expected no connections, got %d", s.Connections().Count())
	}
}

func TestCloseFrameEndsSession(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)
	c, client, frames := acceptPipe(t, s)
	nextFrame(t, frames)

	go wsutil.WriteClientMessage(client, ws.OpClose, nil)

	if s.handleReady(c) {
		t.Fatal("expected handleReady to report the connection gone")
	}
	if n := lc.closeCount(c.ID); n != 1 {
		t.Errorf("expected session closed once, got %d", n)
	}
}

func TestDispatchPingAndErrors(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)
	c, client, frames := acceptPipe(t, s)
	nextFrame(t, frames)

	cases := []struct {
		input    string
		wantType string
		wantCode string
	}{
		{`{"type":"ping"}`, protocol.TypePong, ""},
		{`{"type":"teleport"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{`{"type":"register_user"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{`not json`, protocol.TypeError, protocol.CodeParseError},
	}

	for _, tc := range cases {
		go wsutil.WriteClientText(client, []byte(tc.input))
		if !s.handleReady(c) {
			t.Fatalf("%s: connection unexpectedly removed", tc.input)
		}
		msg := nextFrame(t, frames)
		if msg["type"] != tc.wantType {
			t.Errorf("%s: expected %s, got %v", tc.input, tc.wantType, msg["type"])
		}
		if tc.wantCode != "" && msg["code"] != tc.wantCode {
			t.Errorf("%s: expected code %s, got %v", tc.input, tc.wantCode, msg["code"])
		}
	}
}

func TestHeartbeatRemovesStaleConnections(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)
	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}

	stale := acceptDiscard(t, s)
	fresh := acceptDiscard(t, s)

	now := time.Now()
	stale.LastPing = now.Add(-time.Minute)
	fresh.LastPing = now

	checkConnections(s, cfg, now)

	if s.Connections().Get(stale.ID) != nil {
		t.Error("expected stale connection to be removed")
	}
	if lc.closeCount(stale.ID) != 1 {
		t.Error("expected stale session to be closed")
	}
	if s.Connections().Get(fresh.ID) == nil {
		t.Error("expected fresh connection to survive")
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	lc := newFakeLifecycle()
	s := testServer(lc)

	var ids []string
	for i := 0; i < 3; i++ {
		c, _, frames := acceptPipe(t, s)
		nextFrame(t, frames)
		ids = append(ids, c.ID)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	for _, id := range ids {
		if lc.closeCount(id) != 1 {
			t.Errorf("expected session %s closed once, got %d", id, lc.closeCount(id))
		}
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := ClientIP(r); got != "10.0.0.7" {
		t.Errorf("expected 10.0.0.7, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("expected forwarded address, got %q", got)
	}
}
