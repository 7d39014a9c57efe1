package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buildwatch/internal/event"
)

const waitTimeout = 5 * time.Second

// fakeRelay is an in-process websocket endpoint that hands every accepted
// connection to the test.
type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	dials    atomic.Int32
	reject   atomic.Int32
	conns    chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 16)}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.dials.Add(1)
		if r.reject.Load() > 0 {
			r.reject.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		r.conns <- conn
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func newChannel(t *testing.T, relay *fakeRelay, cfg Config) *Channel {
	t.Helper()
	cfg.URL = relay.url()
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func receive(t *testing.T, s event.Stream) event.Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "stream closed unexpectedly")
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
		return event.Event{}
	}
}

func requireClosed(t *testing.T, s event.Stream) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed")
		}
	}
}

func TestNewDoesNotConnect(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, relay.dials.Load())
	require.False(t, c.Connected())
}

func TestConcurrentFirstSubscribeDialsOnce(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		subs  = make([]event.Stream, 8)
		errs  = make([]error, 8)
	)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			subs[i], errs[i] = c.Subscribe()
		}(i)
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	conn := relay.accept(t)
	send(t, conn, `{"repo":"A","type":"golint-done"}`)
	for _, s := range subs {
		require.Equal(t, "golint-done", receive(t, s).Kind)
	}
	require.Equal(t, int32(1), relay.dials.Load())
}

func TestFanOutPreservesOrder(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	first, err := c.Subscribe()
	require.NoError(t, err)
	second, err := c.Subscribe()
	require.NoError(t, err)

	conn := relay.accept(t)
	kinds := []string{"download-done", "golint-done", "vet-error", "all-done"}
	for _, kind := range kinds {
		send(t, conn, `{"repo":"A","type":"`+kind+`","payload":"7"}`)
	}

	for _, s := range []event.Stream{first, second} {
		for _, kind := range kinds {
			e := receive(t, s)
			require.Equal(t, "A", e.Repo)
			require.Equal(t, kind, e.Kind)
		}
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	s, err := c.Subscribe()
	require.NoError(t, err)
	conn := relay.accept(t)

	send(t, conn, `garbage`)
	send(t, conn, `{"repo":"A"}`)
	send(t, conn, `[]`)
	send(t, conn, `{"repo":"A","type":"all-done","payload":"3"}`)

	e := receive(t, s)
	require.Equal(t, event.ClassSucceeded, e.Class())
	require.Equal(t, "3", e.Payload)
	require.True(t, c.Connected())
}

func TestValidFramesInterleavedWithMalformedArriveInOrder(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	s, err := c.Subscribe()
	require.NoError(t, err)
	conn := relay.accept(t)

	frames := []string{
		`{"repo":"A","type":"download-done"}`,
		`garbage`,
		`{"repo":"A","type":"golint-done"}`,
		`{"type":"vet-done"}`,
		`null`,
		`{"repo":"A","type":"vet-error","description":"vet crashed"}`,
		`{"repo":"A","type":"all-done"`,
		`{"repo":"A","type":"all-done","payload":12}`,
	}
	for _, frame := range frames {
		send(t, conn, frame)
	}

	for _, kind := range []string{"download-done", "golint-done", "vet-error", "all-done"} {
		require.Equal(t, kind, receive(t, s).Kind)
	}
	select {
	case e := <-s.Events():
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	s, err := c.Subscribe()
	require.NoError(t, err)

	first := relay.accept(t)
	send(t, first, `{"repo":"A","type":"golint-done"}`)
	require.Equal(t, "golint-done", receive(t, s).Kind)
	require.NoError(t, first.Close())

	second := relay.accept(t)
	send(t, second, `{"repo":"A","type":"all-done","payload":"9"}`)
	e := receive(t, s)
	require.Equal(t, "all-done", e.Kind)
	require.Equal(t, int32(2), relay.dials.Load())
}

func TestRetriesFailedDialsAtFixedDelay(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	relay.reject.Store(3)
	c := newChannel(t, relay, Config{ReconnectDelay: 10 * time.Millisecond})

	s, err := c.Subscribe()
	require.NoError(t, err)

	conn := relay.accept(t)
	send(t, conn, `{"repo":"A","type":"error","payload":"boom"}`)
	require.Equal(t, "boom", receive(t, s).Payload)
	require.Equal(t, int32(4), relay.dials.Load())
}

func TestUnsubscribeLeavesOthersRunning(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	leaving, err := c.Subscribe()
	require.NoError(t, err)
	staying, err := c.Subscribe()
	require.NoError(t, err)
	conn := relay.accept(t)

	leaving.Close()
	leaving.Close()
	requireClosed(t, leaving)

	send(t, conn, `{"repo":"B","type":"vet-done"}`)
	require.Equal(t, "B", receive(t, staying).Repo)
	require.True(t, c.Connected())
	require.Equal(t, int32(1), relay.dials.Load())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{SubscriberBuffer: 1})

	slow, err := c.Subscribe()
	require.NoError(t, err)
	fast, err := c.Subscribe()
	require.NoError(t, err)
	conn := relay.accept(t)

	for i := 0; i < 5; i++ {
		send(t, conn, `{"repo":"A","type":"golint-done"}`)
		receive(t, fast)
	}
	// The slow subscriber kept only what fit its buffer.
	receive(t, slow)
	select {
	case <-slow.Events():
		t.Fatal("slow subscriber should have dropped overflow events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	status, err := c.SubscribeStatus()
	require.NoError(t, err)
	defer status.Close()

	next := func() State {
		select {
		case s := <-status.States():
			return s
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for a status transition")
			return Disconnected
		}
	}
	require.Equal(t, Disconnected, next())

	_, err = c.Subscribe()
	require.NoError(t, err)
	conn := relay.accept(t)
	require.Equal(t, Connected, next())

	require.NoError(t, conn.Close())
	require.Equal(t, Disconnected, next())
	relay.accept(t)
	require.Equal(t, Connected, next())
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	relay := newFakeRelay(t)
	c := newChannel(t, relay, Config{})

	s, err := c.Subscribe()
	require.NoError(t, err)
	relay.accept(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	requireClosed(t, s)
	s.Close()

	_, err = c.Subscribe()
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.SubscribeStatus()
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, c.Connected())
}

func TestCloseBeforeSubscribe(t *testing.T) {
	t.Parallel()
	c := New(Config{URL: "ws://127.0.0.1:1/ws"})
	require.NoError(t, c.Close())
	_, err := c.Subscribe()
	require.ErrorIs(t, err, ErrClosed)
}
