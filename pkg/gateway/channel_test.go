package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vice/pkg/chat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server and client ends of a websocket connection
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-serverConn:
		return conn, client
	case <-time.After(time.Second):
		t.Fatal("no server connection")
		return nil, nil
	}
}

type handedBack struct {
	mu        sync.Mutex
	channelID string
	events    []chat.Event
}

func (h *handedBack) record(channelID string, events []chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelID = channelID
	h.events = append(h.events, events...)
}

func (h *handedBack) snapshot() (string, []chat.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelID, append([]chat.Event(nil), h.events...)
}

func TestWSChannel_WritesQueuedEventsOnClose(t *testing.T) {
	server, client := wsPair(t)
	back := &handedBack{}
	ch := newWSChannel("c1", server, time.Second, time.Minute, back.record, zerolog.Nop())

	require.NoError(t, ch.Send(chat.TypingEvent("s1", true)))
	require.NoError(t, ch.Send(chat.TypingEvent("s1", false)))
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.Send(chat.TypingEvent("s1", true)), errChannelClosed)

	for _, want := range []bool{true, false} {
		var ev chat.Event
		require.NoError(t, client.ReadJSON(&ev))
		require.Equal(t, chat.EventTyping, ev.Kind)
		assert.Equal(t, want, *ev.Typing)
	}

	<-ch.Closed()
	_, events := back.snapshot()
	assert.Empty(t, events)
}

func TestWSChannel_HandsBackUnwrittenEvents(t *testing.T) {
	server, _ := wsPair(t)
	back := &handedBack{}

	// Queue before the pump starts so the failed write sees both events.
	ch := &wsChannel{
		id:            "c1",
		conn:          server,
		send:          make(chan chat.Event, sendBuffer),
		done:          make(chan struct{}),
		exited:        make(chan struct{}),
		writeTimeout:  time.Second,
		pingInterval:  time.Minute,
		onUndelivered: back.record,
		logger:        zerolog.Nop(),
	}
	require.NoError(t, ch.Send(chat.TypingEvent("s1", true)))
	require.NoError(t, ch.Send(chat.TypingEvent("s1", false)))
	require.NoError(t, server.UnderlyingConn().Close())

	go ch.writePump()

	select {
	case <-ch.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("write pump did not exit")
	}

	channelID, events := back.snapshot()
	assert.Equal(t, "c1", channelID)
	require.Len(t, events, 2)
	assert.True(t, *events[0].Typing)
	assert.False(t, *events[1].Typing)
	assert.ErrorIs(t, ch.Send(chat.TypingEvent("s1", true)), errChannelClosed)
}

func TestWSChannel_FullBufferCloses(t *testing.T) {
	server, _ := wsPair(t)
	ch := &wsChannel{
		id:     "c1",
		conn:   server,
		send:   make(chan chat.Event, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: zerolog.Nop(),
	}

	require.NoError(t, ch.Send(chat.TypingEvent("s1", true)))
	assert.ErrorIs(t, ch.Send(chat.TypingEvent("s1", false)), errSendBuffer)
	assert.ErrorIs(t, ch.Send(chat.TypingEvent("s1", false)), errChannelClosed)
}
