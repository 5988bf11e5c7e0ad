package main

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/rs/zerolog/log"
)

// hub wires websocket connections to the shared listener pool and
// subscription registry, and routes database notifications to subscribers.
type hub struct {
	pool     *pool
	registry *registry
	locks    *kmutex.Kmutex
	ticker   *mTicker

	connections atomic.Int64 // Open websockets
}

func newHub(dial dialFunc, ping time.Duration) *hub {
	h := &hub{
		registry: newRegistry(),
		locks:    kmutex.New(),
		ticker:   newMTicker(ping),
	}
	h.pool = newPool(dial, h.notification)
	return h
}

func (h *hub) serve(w websocketManager) {
	h.connections.Add(1)
	defer h.connections.Add(-1)
	newConnection(w, h).run()
}

// notification turns a database notification into an event and sends it
// to every connection subscribed to its channel.
func (h *hub) notification(channel, payload string) {
	incr("notifications", 1)

	action, schema, table, ok := parseChannel(channel)
	if !ok {
		log.Warn().Str("channel", channel).Msg("Ignoring notification on malformed channel")
		mark("drops", 1)
		return
	}
	text, err := json.Marshal(event{
		Action: action,
		Schema: schema,
		Table:  table,
		Data:   eventData(payload),
	})
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("Cannot encode event")
		return
	}
	n := h.registry.broadcast(channel, text)
	log.Debug().Str("channel", channel).Int("delivered", n).Msg("Notification")
}

func (h *hub) shutdown() error {
	h.ticker.stop()
	return h.pool.releaseAll()
}
