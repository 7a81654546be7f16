package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vice/pkg/blobstore"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/connection"
	"github.com/harun/vice/pkg/messagelog"
	"github.com/harun/vice/pkg/protocol"
	"github.com/harun/vice/pkg/responder"
	"github.com/harun/vice/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	http   *httptest.Server
	server *Server
	engine *protocol.Engine
}

func newTestStack(t *testing.T, mutate func(cfg *Config)) *testStack {
	t.Helper()

	store := session.NewMemoryStore()
	log := messagelog.NewMemoryLog()
	blobs, err := blobstore.NewFSStore(t.TempDir(), 1024, zerolog.Nop())
	require.NoError(t, err)

	conns := connection.NewManager(store, log, connection.Options{Logger: zerolog.Nop()})
	gw := responder.NewLLMGateway(responder.NewEchoProvider(), responder.Config{}, zerolog.Nop())
	engine := protocol.New(protocol.Config{
		IdleTimeout:    time.Minute,
		MaxUploadBytes: 1024,
	}, protocol.Deps{
		Store:     store,
		Log:       log,
		Blobs:     blobs,
		Responder: gw,
		Conns:     conns,
		Logger:    zerolog.Nop(),
	})
	conns.SetHandler(engine)

	cfg := Config{
		MaxUploadBytes: 1024,
		Engine:         engine,
		Connections:    conns,
		Files:          blobs,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		ts.Close()
		engine.Close(time.Second)
	})
	return &testStack{http: ts, server: srv, engine: engine}
}

func (s *testStack) createSession(t *testing.T) createSessionResponse {
	t.Helper()
	resp, err := http.Post(s.http.URL+"/api/chat/sessions", "application/json", strings.NewReader(`{"user_id":"user_1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out createSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *testStack) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) chat.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev chat.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil reads events until one matches, returning everything read
func readUntil(t *testing.T, conn *websocket.Conn, match func(chat.Event) bool) []chat.Event {
	t.Helper()
	var events []chat.Event
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		events = append(events, ev)
		if match(ev) {
			return events
		}
	}
	t.Fatalf("no matching event in %d events", len(events))
	return nil
}

func decodeError(t *testing.T, resp *http.Response) *chat.Error {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Success)
	require.NotNil(t, out.Error)
	return out.Error
}

func TestCreateSession_DefaultsUserID(t *testing.T) {
	s := newTestStack(t, nil)

	resp, err := http.Post(s.http.URL+"/api/chat/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out createSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Regexp(t, regexp.MustCompile(`^user_[0-9a-f]{8}$`), out.Session.OwnerID)
	assert.Equal(t, chat.SenderAI, out.WelcomeMessage.Sender)
	assert.Contains(t, out.WelcomeMessage.Content, "AI Vice")
}

func TestCreateSession_RejectsEmptyUserID(t *testing.T) {
	s := newTestStack(t, nil)

	resp, err := http.Post(s.http.URL+"/api/chat/sessions", "application/json", strings.NewReader(`{"user_id":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, chat.CodeInvalidInput, decodeError(t, resp).Code)
}

func TestHistory(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)

	resp, err := http.Get(s.http.URL + "/api/chat/sessions/" + created.Session.ID + "/messages?page=1&per_page=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out historyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Total)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, created.WelcomeMessage.ID, out.Messages[0].ID)
	assert.False(t, out.HasMore)

	missing, err := http.Get(s.http.URL + "/api/chat/sessions/nope/messages")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(s.http.URL + "/api/chat/sessions/" + created.Session.ID + "/messages?page=abc")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestWebSocket_RejectsUnknownAndExpiredSessions(t *testing.T) {
	s := newTestStack(t, nil)
	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws?session_id="

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	created := s.createSession(t)
	_, err = s.engine.ExpireIdleSessions(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+created.Session.ID, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_BearerToken(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+created.Session.ID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.http.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, chat.EventConnected, readEvent(t, conn).Kind)
}

func TestWebSocket_MessageRoundTrip(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)
	conn := s.dial(t, created.Session.ID)

	assert.Equal(t, chat.EventConnected, readEvent(t, conn).Kind)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "hello", "user_id": "user_1"}))

	events := readUntil(t, conn, func(ev chat.Event) bool {
		return ev.Kind == chat.EventTyping && !*ev.Typing
	})

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.String())
	}
	require.Len(t, events, 4, kinds)
	assert.Equal(t, "hello", events[0].Message.Content)
	assert.Equal(t, chat.SenderUser, events[0].Message.Sender)
	assert.True(t, *events[1].Typing)
	assert.Equal(t, "You said: hello", events[2].Message.Content)
	assert.Equal(t, chat.SenderAI, events[2].Message.Sender)
}

func TestWebSocket_MalformedFrameKeepsChannelOpen(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)
	conn := s.dial(t, created.Session.ID)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{`)))
	ev := readEvent(t, conn)
	require.Equal(t, chat.EventError, ev.Kind)
	assert.Equal(t, chat.CodeInvalidInput, ev.Error.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	ev = readEvent(t, conn)
	require.Equal(t, chat.EventError, ev.Kind)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "still here"}))
	events := readUntil(t, conn, func(ev chat.Event) bool {
		return ev.Kind == chat.EventMessage && ev.Message.Sender == chat.SenderAI
	})
	assert.Equal(t, "You said: still here", events[len(events)-1].Message.Content)
}

func TestWebSocket_RateLimit(t *testing.T) {
	s := newTestStack(t, func(cfg *Config) { cfg.RequestsPerMinute = 1 })
	created := s.createSession(t)
	conn := s.dial(t, created.Session.ID)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "one"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "two"}))

	events := readUntil(t, conn, func(ev chat.Event) bool { return ev.Kind == chat.EventError })
	assert.Contains(t, events[len(events)-1].Error.Detail, "rate limit")
}

func TestSetRequestsPerMinute_AppliesToLiveConnections(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)
	conn := s.dial(t, created.Session.ID)
	readEvent(t, conn)
	require.Eventually(t, func() bool { return len(s.server.GetConnectedClients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	s.server.SetRequestsPerMinute(1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "one"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "two"}))

	events := readUntil(t, conn, func(ev chat.Event) bool { return ev.Kind == chat.EventError })
	assert.Contains(t, events[len(events)-1].Error.Detail, "rate limit")
}

func TestWebSocket_ReconnectReplacesChannel(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)

	first := s.dial(t, created.Session.ID)
	readEvent(t, first)
	second := s.dial(t, created.Session.ID)
	readEvent(t, second)

	// The replaced connection is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(s.server.GetConnectedClients()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", "user_1"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)
	uploadURL := s.http.URL + "/api/chat/sessions/" + created.Session.ID + "/upload"

	body, contentType := multipartBody(t, "notes.txt", []byte("remember the milk"))
	resp, err := http.Post(uploadURL, contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Equal(t, "File sent: notes.txt", out.Message.Content)
	assert.Equal(t, chat.TypeFile, out.Message.Type)
	assert.Equal(t, "user_1", out.Message.UserID)

	file, err := http.Get(s.http.URL + out.FileURL)
	require.NoError(t, err)
	defer file.Body.Close()
	require.Equal(t, http.StatusOK, file.StatusCode)
	data, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))

	missing, err := http.Get(s.http.URL + "/uploads/" + created.Session.ID + "/nothing.txt")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)

	body, contentType := multipartBody(t, "big.bin", bytes.Repeat([]byte("x"), 4096))
	resp, err := http.Post(s.http.URL+"/api/chat/sessions/"+created.Session.ID+"/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, chat.CodeFileTooLarge, decodeError(t, resp).Code)
}

func TestUpload_MissingFile(t *testing.T) {
	s := newTestStack(t, nil)
	created := s.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", "user_1"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.http.URL+"/api/chat/sessions/"+created.Session.ID+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	s := newTestStack(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://app.example.com"} })

	req, err := http.NewRequest(http.MethodOptions, s.http.URL+"/api/chat/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	created := s.createSession(t)
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, wsResp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.http.URL, "http")+"/ws?session_id="+created.Session.ID, header)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusForbidden, wsResp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t, nil)

	resp, err := http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code chat.Code
		want int
	}{
		{chat.CodeInvalidInput, http.StatusBadRequest},
		{chat.CodeInvalidFile, http.StatusBadRequest},
		{chat.CodeSessionNotFound, http.StatusNotFound},
		{chat.CodeSessionExpired, http.StatusGone},
		{chat.CodeFileTooLarge, http.StatusRequestEntityTooLarge},
		{chat.CodeGatewayFailure, http.StatusInternalServerError},
		{chat.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(chat.Errorf(tt.code, "x")))
		})
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 70000})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 5000})
	assert.Error(t, err)
}
