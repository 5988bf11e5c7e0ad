package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type connState int

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

// subscription is owned by exactly one connection and mirrored in the
// registry.
type subscription struct {
	channel string
	target  string
	typ     string
}

// connection is one websocket client. Its reader goroutine handles requests
// one at a time, in arrival order, and owns subs.
type connection struct {
	id   string
	w    websocketManager
	h    *hub
	send chan []byte
	l    listener
	subs []subscription

	mu    sync.Mutex // Protects state and send
	state connState
}

func newConnection(w websocketManager, h *hub) *connection {
	return &connection{
		id:   uuid.NewString(),
		w:    w,
		h:    h,
		send: make(chan []byte, 256),
	}
}

func (c *connection) run() {
	incr("websockets", 1)
	defer decr("websockets", 1)
	log.Debug().Str("conn", c.id).Str("remote", c.w.wsRemoteAddr()).Msg("Websocket opened")

	tick := c.h.ticker.subscribe()
	defer c.h.ticker.unsubscribe(tick)

	go c.writer(tick)
	c.reader()
	c.close()
	log.Debug().Str("conn", c.id).Msg("Websocket closed")
}

func (c *connection) reader() {
	c.w.wsSetReadLimit()
	c.w.wsSetReadDeadline()
	c.w.wsSetPongHandler()
	for {
		if err := c.readMessage(); err != nil {
			break
		}
	}
	c.w.wsClose()
}

// readMessage reads and handles one request.
func (c *connection) readMessage() error {
	_, message, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	incr("conn.recv", 1)
	c.handle(message)
	return nil
}

func (c *connection) writer(tick *subscriber) {
	ticks := tick.tick
	defer c.w.wsClose()
	for {
		select {
		case message, ok := <-c.send:
			c.w.wsSetWriteDeadline()
			if !ok {
				c.w.wsWriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.w.wsWriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			incr("conn.send", 1)
		case _, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			c.w.wsSetWriteDeadline()
			if err := c.w.wsWriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) handle(message []byte) {
	req, err := parseRequest(message)
	if err == nil {
		switch req.Action {
		case actionListen:
			err = c.listen(req)
		case actionUnlisten:
			err = c.unlisten(req)
		}
	}
	if err != nil {
		c.replyError(err)
	}
}

// listener returns the shared listener, replacing it if its database
// connection is gone.
func (c *connection) listener() (listener, error) {
	if c.l != nil {
		select {
		case <-c.l.done():
			c.l = nil
		default:
		}
	}
	if c.l == nil {
		l, err := c.h.pool.acquire(context.Background())
		if err != nil {
			return nil, err
		}
		c.l = l
	}
	return c.l, nil
}

// liveListener is the pooled listener holding this connection's database
// subscriptions, or nil when no database session is up. It never dials.
func (c *connection) liveListener() listener {
	c.l = c.h.pool.current()
	return c.l
}

// lock serializes registry decisions and database commands on one database
// session, whatever alias of a table the request used.
func (c *connection) lock(l listener) func() {
	c.h.locks.Lock(l)
	return func() { c.h.locks.Unlock(l) }
}

func (c *connection) listen(req *request) error {
	l, err := c.listener()
	if err != nil {
		return err
	}
	defer c.lock(l)()

	name, err := l.listen(context.Background(), req.Target, req.Type)
	if err != nil {
		return classify(err)
	}
	if _, ok := c.find(func(s subscription) bool { return s.channel == name }); !ok {
		c.subs = append(c.subs, subscription{channel: name, target: req.Target, typ: req.Type})
	}
	c.h.registry.add(name, c)
	log.Info().Str("conn", c.id).Str("channel", name).Msg("Listening")

	c.reply(reply{Action: actionListen, Channel: name})
	return nil
}

func (c *connection) unlisten(req *request) error {
	i, ok := c.find(func(s subscription) bool { return s.target == req.Target && s.typ == req.Type })
	if !ok {
		return newProtocolError("Not listening to %s on %s", req.Type, req.Target)
	}
	sub := c.subs[i]

	name := sub.channel
	if l := c.liveListener(); l == nil {
		c.h.registry.remove(sub.channel, c)
	} else {
		defer c.lock(l)()
		if c.h.registry.removeAndCheckEmpty(sub.channel, c) {
			var err error
			name, err = c.unlistenOn(l, sub)
			if err != nil {
				// Nothing changed in the database, keep the subscription.
				c.h.registry.add(sub.channel, c)
				log.Error().Err(err).Str("conn", c.id).Str("channel", sub.channel).Msg("Unlisten failed")
				return classify(err)
			}
		}
	}
	c.subs = append(c.subs[:i], c.subs[i+1:]...)
	log.Info().Str("conn", c.id).Str("channel", name).Msg("Unlistened")

	c.reply(reply{Action: actionUnlisten, Channel: name})
	return nil
}

func (c *connection) find(match func(subscription) bool) (int, bool) {
	for i, s := range c.subs {
		if match(s) {
			return i, true
		}
	}
	return -1, false
}

// close releases every subscription. The database channel is unlistened
// when this connection was its last subscriber.
func (c *connection) close() {
	c.setState(stateClosing)
	for _, sub := range c.subs {
		c.release(sub)
	}
	c.subs = nil

	c.mu.Lock()
	c.state = stateClosed
	close(c.send)
	c.mu.Unlock()
}

func (c *connection) release(sub subscription) {
	l := c.liveListener()
	if l == nil {
		c.h.registry.remove(sub.channel, c)
		return
	}
	defer c.lock(l)()

	if !c.h.registry.removeAndCheckEmpty(sub.channel, c) {
		return
	}
	if _, err := c.unlistenOn(l, sub); err != nil {
		log.Error().Err(err).Str("conn", c.id).Str("channel", sub.channel).Msg("Unlisten on close failed")
		return
	}
	log.Debug().Str("conn", c.id).Str("channel", sub.channel).Msg("Channel closed")
}

// unlistenOn drops the database side of sub. A listener that died meanwhile
// took its subscriptions with it, so there is nothing left to drop.
func (c *connection) unlistenOn(l listener, sub subscription) (string, error) {
	name, err := l.unlisten(context.Background(), sub.target, sub.typ)
	if errors.Is(err, errListenerClosed) {
		log.Warn().Str("conn", c.id).Str("channel", sub.channel).Msg("Listener gone before unlisten")
		return sub.channel, nil
	}
	return name, err
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deliver queues a message for the writer without blocking.
func (c *connection) deliver(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return fmt.Errorf("%w: connection closed", errDeliveryFailed)
	}
	select {
	case c.send <- message:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", errDeliveryFailed)
	}
}

func (c *connection) reply(v interface{}) {
	message, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("conn", c.id).Msg("Cannot encode reply")
		return
	}
	if err := c.deliver(message); err != nil {
		log.Debug().Err(err).Str("conn", c.id).Msg("Reply skipped")
	}
}

func (c *connection) replyError(err error) {
	var dbErr *databaseError
	var resErr *resourceError
	switch {
	case errors.As(err, &dbErr):
		log.Warn().Err(dbErr.err).Str("conn", c.id).Str("kind", dbErr.kind.String()).Str("code", dbErr.code).Msg("Database error")
	case errors.As(err, &resErr):
		log.Error().Err(err).Str("conn", c.id).Msg("Request failed")
	}
	c.reply(errorReply{Error: err.Error()})
}
