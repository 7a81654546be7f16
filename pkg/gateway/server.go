package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/connection"
	"github.com/harun/vice/pkg/messagelog"
	"github.com/harun/vice/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Engine is the session protocol the HTTP surface drives
type Engine interface {
	CreateSession(ctx context.Context, ownerID string) (*chat.Session, *chat.Message, error)
	Session(ctx context.Context, sessionID string) (*chat.Session, error)
	History(ctx context.Context, sessionID string, page, perPage int) (messagelog.Page, error)
	AcceptFileUpload(ctx context.Context, sessionID, userID string, r io.Reader, meta protocol.UploadMeta) (*chat.Message, error)
}

// Connections binds websocket channels to sessions
type Connections interface {
	Bind(ctx context.Context, sessionID string, ch connection.Channel, opts connection.BindOptions) error
	Unbind(sessionID, channelID string)
	Requeue(ctx context.Context, sessionID, channelID string, events []chat.Event)
	Dispatch(ctx context.Context, sessionID string, ev chat.InboundEvent) error
}

// Files serves stored uploads
type Files interface {
	Open(ctx context.Context, storedPath string) (*os.File, error)
}

// Server is the HTTP and websocket front end
type Server struct {
	cfg       Config
	engine    Engine
	conns     Connections
	files     Files
	validator *FrameValidator
	upgrader  websocket.Upgrader
	clients   *ClientRegistry
	server    *http.Server
	listener  net.Listener
	logger    zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	AllowedOrigins    []string
	RequestsPerMinute int
	MaxFrameBytes     int64
	MaxUploadBytes    int64
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	Engine            Engine
	Connections       Connections
	Files             Files
	Logger            zerolog.Logger
}

// NewServer creates a server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection manager is required")
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 * 1024
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 * 1024 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	validator, err := NewFrameValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile frame schema: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		engine:    cfg.Engine,
		conns:     cfg.Connections,
		files:     cfg.Files,
		validator: validator,
		clients:   NewClientRegistry(),
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s, nil
}

// Handler returns the HTTP handler with every route mounted
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/chat/sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("POST /api/chat/sessions/{id}/upload", s.handleUpload)
	mux.HandleFunc("GET /uploads/{session}/{file}", s.handleFile)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withCORS(s.withTrace(mux))
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, closes open channels and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	for _, client := range s.clients.GetAll() {
		client.Channel.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// SetRequestsPerMinute changes the frame limit for new and live connections
func (s *Server) SetRequestsPerMinute(n int) {
	s.shutdownMu.Lock()
	s.cfg.RequestsPerMinute = n
	s.shutdownMu.Unlock()

	for _, client := range s.clients.GetAll() {
		client.RateLimiter.SetLimit(n)
	}
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket authenticates the session, upgrades and binds the channel
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	sess, err := s.authenticate(ctx, r)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: chat.AsError(err)})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	clientID, _ := gonanoid.New()
	sessionID := sess.ID
	ch := newWSChannel(clientID, conn, s.cfg.WriteTimeout, s.cfg.PingInterval,
		func(channelID string, events []chat.Event) {
			s.conns.Requeue(tracing.WithSessionID(context.Background(), sessionID), sessionID, channelID, events)
		}, s.logger)
	s.shutdownMu.RLock()
	limit := s.cfg.RequestsPerMinute
	s.shutdownMu.RUnlock()
	client := &Client{
		ID:           clientID,
		SessionID:    sess.ID,
		Channel:      ch,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewFrameRateLimiter(limit),
	}
	s.clients.Add(client)

	// The request context ends with the handler; the connection outlives it.
	connCtx := tracing.WithChannelID(tracing.WithSessionID(tracing.Detach(ctx), sess.ID), clientID)
	logger := tracing.LoggerFromContext(connCtx, s.logger)
	logger.Info().Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.conns.Bind(connCtx, sess.ID, ch, connection.BindOptions{AfterID: r.URL.Query().Get("after")}); err != nil {
		logger.Warn().Err(err).Msg("Bind failed")
		_ = ch.Send(chat.ErrorEvent(sess.ID, err))
		ch.Close()
		s.clients.Remove(clientID)
		return
	}

	s.connWG.Add(1)
	go s.handleClient(connCtx, client)
}

// handleClient reads frames until the connection ends
func (s *Server) handleClient(ctx context.Context, client *Client) {
	ch := client.Channel
	logger := tracing.LoggerFromContext(ctx, s.logger)
	defer func() {
		s.conns.Unbind(client.SessionID, client.ID)
		ch.Close()
		s.clients.Remove(client.ID)
		s.connWG.Done()
		logger.Info().Msg("Client disconnected")
	}()

	conn := ch.conn
	readTimeout := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.clients.Touch(client.ID)

		if !s.handleFrame(ctx, client, frame) {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the
// connection should stay open.
func (s *Server) handleFrame(ctx context.Context, client *Client, frame []byte) bool {
	ch := client.Channel

	if !client.RateLimiter.Allow() {
		_ = ch.Send(chat.ErrorEvent(client.SessionID, chat.Errorf(chat.CodeInvalidInput, "rate limit exceeded")))
		return true
	}

	ev, err := s.validator.Decode(frame)
	if err != nil {
		_ = ch.Send(chat.ErrorEvent(client.SessionID, err))
		return true
	}
	if ev.SessionID != "" && ev.SessionID != client.SessionID {
		_ = ch.Send(chat.ErrorEvent(client.SessionID, chat.Errorf(chat.CodeInvalidInput, "frame is for another session")))
		return true
	}

	ctx = tracing.NewRequestContext(ctx)
	if ev.ClientMessageID != "" {
		ctx = tracing.WithRequestID(ctx, ev.ClientMessageID)
	}

	err = s.conns.Dispatch(ctx, client.SessionID, ev)
	switch chat.CodeOf(err) {
	case chat.CodeSessionExpired, chat.CodeSessionNotFound:
		// Deliver drops events for dead sessions, so tell this client directly.
		errEv := chat.ErrorEvent(client.SessionID, err)
		errEv.RequestID = ev.ClientMessageID
		_ = ch.Send(errEv)
		return false
	}
	return true
}
