package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/connection"
	"github.com/rs/zerolog"
)

const sendBuffer = 64

var (
	errChannelClosed = errors.New("channel closed")
	errSendBuffer    = errors.New("send buffer full")
)

// undeliveredFunc receives events a channel accepted but could not write
type undeliveredFunc func(channelID string, events []chat.Event)

// wsChannel is a connection.Channel over a websocket. Writes happen on a
// single goroutine; Send only queues. Events still queued or failing to
// write when the connection dies are handed to onUndelivered in order.
type wsChannel struct {
	id            string
	conn          *websocket.Conn
	send          chan chat.Event
	done          chan struct{}
	exited        chan struct{}
	writeTimeout  time.Duration
	pingInterval  time.Duration
	onUndelivered undeliveredFunc
	logger        zerolog.Logger

	// mu orders Send against Close so nothing lands in send after done.
	mu     sync.Mutex
	closed bool
}

var _ connection.Channel = (*wsChannel)(nil)

func newWSChannel(id string, conn *websocket.Conn, writeTimeout, pingInterval time.Duration, onUndelivered undeliveredFunc, logger zerolog.Logger) *wsChannel {
	c := &wsChannel{
		id:            id,
		conn:          conn,
		send:          make(chan chat.Event, sendBuffer),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		writeTimeout:  writeTimeout,
		pingInterval:  pingInterval,
		onUndelivered: onUndelivered,
		logger:        logger.With().Str("channel_id", id).Logger(),
	}
	go c.writePump()
	return c
}

func (c *wsChannel) ID() string {
	return c.id
}

// Send queues ev for writing. It fails once the channel is closed or when
// the client is too slow to keep up.
func (c *wsChannel) Send(ev chat.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errChannelClosed
	}
	select {
	case c.send <- ev:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close()
		return errSendBuffer
	}
}

// Close stops the channel. Events already queued are still written.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Closed is closed once the underlying connection is gone and unwritten
// events have been handed back.
func (c *wsChannel) Closed() <-chan struct{} {
	return c.exited
}

func (c *wsChannel) writePump() {
	var undelivered []chat.Event
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.handBack(undelivered)
		close(c.exited)
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				c.logger.Debug().Err(err).Str("event", ev.String()).Msg("Write failed")
				c.Close()
				undelivered = append([]chat.Event{ev}, c.remaining()...)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				undelivered = c.remaining()
				return
			}
		case <-c.done:
			undelivered = c.drain()
			if len(undelivered) == 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// drain writes what is still queued after Close and returns the events it
// could not write.
func (c *wsChannel) drain() []chat.Event {
	for {
		select {
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				return append([]chat.Event{ev}, c.remaining()...)
			}
		default:
			return nil
		}
	}
}

// remaining empties the send buffer. Only valid once the channel is closed.
func (c *wsChannel) remaining() []chat.Event {
	var events []chat.Event
	for {
		select {
		case ev := <-c.send:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (c *wsChannel) handBack(events []chat.Event) {
	if len(events) == 0 {
		return
	}
	if c.onUndelivered == nil {
		c.logger.Warn().Int("events", len(events)).Msg("Discarding unwritten events")
		return
	}
	c.logger.Debug().Int("events", len(events)).Msg("Handing back unwritten events")
	c.onUndelivered(c.id, events)
}

func (c *wsChannel) write(ev chat.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(ev)
}
