package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
)

// fakeConn is an in-memory Conn. ReadMessage blocks until Close so the
// read pump stays parked like it would on a quiet websocket.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	types   []int
	closed  bool
	release chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{release: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.release
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.types = append(c.types, messageType)
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadLimit(int64)              {}
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.release)
	}
	return nil
}

func (c *fakeConn) textFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for i, t := range c.types {
		if t == websocket.TextMessage {
			out = append(out, c.frames[i])
		}
	}
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubBroadcastReachesClient(t *testing.T) {
	h := New("test")
	go h.Run()

	conn := newFakeConn()
	client := NewClient(h, conn)
	go client.Run()

	waitFor(t, time.Second, func() bool { return h.ClientCount() == 1 }, "client never registered")

	if err := h.BroadcastJSON(map[string]int{"speed": 5}); err != nil {
		t.Fatalf("BroadcastJSON: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(conn.textFrames()) >= 1 }, "payload never reached client")
	if got := string(conn.textFrames()[0]); got != `{"speed":5}` {
		t.Fatalf("payload = %q, want {\"speed\":5}", got)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h := New("test")
	go h.Run()

	conn := newFakeConn()
	client := NewClient(h, conn)
	go client.Run()

	waitFor(t, time.Second, func() bool { return h.ClientCount() == 1 }, "client never registered")

	conn.Close()

	waitFor(t, time.Second, func() bool { return h.ClientCount() == 0 }, "client never unregistered")
}

func TestHubDropsSlowClient(t *testing.T) {
	h := New("test")
	go h.Run()

	// No write pump draining the send buffer, so the client fills up and
	// the hub must cut it loose.
	conn := newFakeConn()
	NewClient(h, conn)

	waitFor(t, time.Second, func() bool { return h.ClientCount() == 1 }, "client never registered")

	for i := 0; i < 128; i++ {
		h.Broadcast([]byte(fmt.Sprintf("tick %d", i)))
	}

	waitFor(t, time.Second, func() bool { return h.ClientCount() == 0 }, "slow client never dropped")
}

func TestHubBroadcastWithoutClients(t *testing.T) {
	h := New("test")
	go h.Run()

	h.Broadcast([]byte("nobody listening"))

	if n := h.ClientCount(); n != 0 {
		t.Fatalf("ClientCount = %d, want 0", n)
	}
}
