package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"achat/client/internal/channel"
	"achat/client/internal/models"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory stand-in for a websocket connection. Frames are
// injected with push and collected from written.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.incoming <- frame
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("fake conn closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out fakeConns keyed by URL and can be told to fail.
type fakeDialer struct {
	mu       sync.Mutex
	dials    map[string]int
	times    map[string][]time.Time
	conns    map[string]*fakeConn
	failNext map[string]int // remaining failures per url
	authFail bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:    make(map[string]int),
		times:    make(map[string][]time.Time),
		conns:    make(map[string]*fakeConn),
		failNext: make(map[string]int),
	}
}

func (d *fakeDialer) Dial(_ context.Context, url, _ string) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[url]++
	d.times[url] = append(d.times[url], time.Now())
	if d.authFail {
		return nil, channel.ErrAuthRejected
	}
	if d.failNext[url] > 0 {
		d.failNext[url]--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns[url] = conn
	return conn, nil
}

func (d *fakeDialer) dialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

func (d *fakeDialer) dialTimes(url string) []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.times[url]))
	copy(out, d.times[url])
	return out
}

func (d *fakeDialer) conn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// statusRecorder collects emitted statuses.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []channel.Status
}

func (r *statusRecorder) record(s channel.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []channel.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channel.Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}
