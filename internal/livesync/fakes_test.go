package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
)

type fakeConn struct {
	inbound  chan []byte
	closed   chan int
	written  chan Message
	mu       sync.Mutex
	isClosed bool
	code     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan int, 1),
		written: make(chan Message, 16),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case code := <-c.closed:
		return nil, &CloseError{Code: code}
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return err
	}
	c.written <- message
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return nil
	}
	c.isClosed = true
	c.code = code
	select {
	case c.closed <- CloseAbnormal:
	default:
	}
	return nil
}

func (c *fakeConn) closeFromServer(code int) {
	c.closed <- code
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

type dialResult struct {
	conn Conn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
}

func (d *fakeDialer) queue(conn Conn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{conn: conn, err: err})
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.results) == 0 {
		return nil, errors.New("no connection queued")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next.conn, next.err
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
	timer *fakeTimer
}

type fakeScheduler struct {
	calls chan scheduledCall
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{calls: make(chan scheduledCall, 16)}
}

func (s *fakeScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	timer := &fakeTimer{}
	s.calls <- scheduledCall{delay: delay, fn: fn, timer: timer}
	return timer
}

func (s *fakeScheduler) next(t *testing.T) scheduledCall {
	t.Helper()
	select {
	case call := <-s.calls:
		return call
	case <-time.After(time.Second):
		t.Fatal("expected a reconnect to be scheduled")
		return scheduledCall{}
	}
}

func (s *fakeScheduler) expectNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-s.calls:
		t.Fatalf("expected no reconnect, got one scheduled after %s", call.delay)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingAnnouncer struct {
	mu      sync.Mutex
	notices []announce.Notice
}

func (a *recordingAnnouncer) Announce(notice announce.Notice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notices = append(a.notices, notice)
}

func (a *recordingAnnouncer) toasts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var messages []string
	for _, notice := range a.notices {
		if notice.Toast {
			messages = append(messages, notice.Message)
		}
	}
	return messages
}

func (a *recordingAnnouncer) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	messages := make([]string, 0, len(a.notices))
	for _, notice := range a.notices {
		messages = append(messages, notice.Message)
	}
	return messages
}

func waitSignal(t *testing.T, signal <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitState(t *testing.T, channel *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if channel.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, channel.State())
}
