package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// fakeListener behaves like the database side: listen allocates
// <type>__public__<target> for known tables, and publish only reaches
// channels that are currently listened to.
type fakeListener struct {
	mu          sync.Mutex
	tables      map[string]bool
	listening   map[string]bool
	calls       []string
	unlistenErr error
	notify      notifyFunc
	stopped     chan struct{}
	closeOnce   sync.Once
}

func newFakeListener(notify notifyFunc, tables ...string) *fakeListener {
	f := &fakeListener{
		tables:    make(map[string]bool),
		listening: make(map[string]bool),
		notify:    notify,
		stopped:   make(chan struct{}),
	}
	for _, t := range tables {
		f.tables[t] = true
	}
	return f
}

func (f *fakeListener) command(name, target, typ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.stopped:
		return "", errListenerClosed
	default:
	}
	f.calls = append(f.calls, name+" "+target+" "+typ)
	target = strings.TrimPrefix(target, "public.")
	if !f.tables[target] {
		return "", &pgconn.PgError{Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", target)}
	}
	channel := typ + channelSeparator + "public" + channelSeparator + target
	if name == actionUnlisten {
		if f.unlistenErr != nil {
			return "", f.unlistenErr
		}
		delete(f.listening, channel)
	} else {
		f.listening[channel] = true
	}
	return channel, nil
}

func (f *fakeListener) listen(ctx context.Context, target, typ string) (string, error) {
	return f.command(actionListen, target, typ)
}

func (f *fakeListener) unlisten(ctx context.Context, target, typ string) (string, error) {
	return f.command(actionUnlisten, target, typ)
}

func (f *fakeListener) done() <-chan struct{} {
	return f.stopped
}

func (f *fakeListener) close() error {
	f.closeOnce.Do(func() { close(f.stopped) })
	return nil
}

// publish delivers a notification if the channel is listened to.
func (f *fakeListener) publish(channel, payload string) bool {
	f.mu.Lock()
	ok := f.listening[channel]
	f.mu.Unlock()
	if ok {
		f.notify(channel, payload)
	}
	return ok
}

func (f *fakeListener) isListening(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening[channel]
}

func (f *fakeListener) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// fakeDialer hands out a new fake listener, knowing json_data and
// other_data, on each dial up to limit.
type fakeDialer struct {
	mu    sync.Mutex
	limit int
	fakes []*fakeListener
}

func (d *fakeDialer) dial(ctx context.Context, notify notifyFunc) (listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fakes) == d.limit {
		return nil, errors.New("too many dials")
	}
	f := newFakeListener(notify, "json_data", "other_data")
	d.fakes = append(d.fakes, f)
	return f, nil
}

func (d *fakeDialer) fake(i int) *fakeListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fakes[i]
}

// newRedialHub returns a hub that may dial up to limit fake listeners. The
// first one is dialed already.
func newRedialHub(t *testing.T, limit int) (*hub, *fakeDialer) {
	d := &fakeDialer{limit: limit}
	h := newHub(d.dial, time.Hour)
	t.Cleanup(func() { h.shutdown() })

	// Dial now so tests can reach the fake before any connection does.
	if _, err := h.pool.acquire(context.Background()); err != nil {
		t.Fatal("acquire:", err)
	}
	return h, d
}

// newTestHub returns a hub whose pool dials a single fake listener.
func newTestHub(t *testing.T) (*hub, *fakeListener) {
	h, d := newRedialHub(t, 1)
	return h, d.fake(0)
}

type mockWsInteractor struct {
	msg []byte
	err error
}

func (mq mockWsInteractor) wsSetReadLimit() {}

func (mq mockWsInteractor) wsSetReadDeadline() {}

func (mq mockWsInteractor) wsSetPongHandler() {}

func (mq mockWsInteractor) wsClose() {}

func (mq mockWsInteractor) wsSetWriteDeadline() {}

func (mq mockWsInteractor) wsRemoteAddr() string { return "mock" }

func (mq mockWsInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return messageType, mq.msg, mq.err
}

func (mq mockWsInteractor) wsWriteMessage(messageType int, payload []byte) (err error) {
	return mq.err
}

func newTestConnection(h *hub) *connection {
	return newConnection(mockWsInteractor{}, h)
}
