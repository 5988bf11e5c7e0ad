package main

import (
	"github.com/rs/zerolog/log"
)

// channel is one registry entry: the connections listening on a database
// notification channel.
type channel struct {
	name        string
	connections connections
}

type connections map[*connection]struct{}

func newChannel(name string) *channel {
	return &channel{
		name:        name,
		connections: make(connections),
	}
}

func (c *channel) subscribe(conn *connection) {
	c.connections[conn] = struct{}{}
}

// unsubscribe reports whether conn was subscribed.
func (c *channel) unsubscribe(conn *connection) bool {
	if _, ok := c.connections[conn]; !ok {
		return false
	}
	delete(c.connections, conn)
	return true
}

func (c *channel) empty() bool {
	return len(c.connections) == 0
}

// publish sends text to every connection. A connection that can't take it
// is skipped.
func (c *channel) publish(text []byte) int {
	delivered := 0
	for conn := range c.connections {
		if err := conn.deliver(text); err != nil {
			log.Warn().Err(err).Str("channel", c.name).Str("conn", conn.id).Msg("Dropped event")
			mark("drops", 1)
			continue
		}
		delivered++
	}
	return delivered
}
