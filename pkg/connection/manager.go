package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/messagelog"
	"github.com/harun/vice/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Replay policies applied on bind, after the connected event and before
// the pending flush.
const (
	ReplayPending = "pending"
	ReplaySince   = "since"
	ReplayTail    = "tail"
)

// Channel is a live bidirectional connection to one client
type Channel interface {
	ID() string
	Send(ev chat.Event) error
	Close() error
}

// Handler executes inbound client operations
type Handler interface {
	AcceptInboundMessage(ctx context.Context, sessionID string, ev chat.InboundEvent) (*chat.Message, error)
	RequestFileAnalysis(ctx context.Context, sessionID string, ref chat.FileRef) (*chat.AnalysisRequest, error)
}

// BindOptions carries client state presented at bind time
type BindOptions struct {
	// AfterID is the id of the last message the client has seen.
	AfterID string
}

// Options configures a Manager
type Options struct {
	Replay     string
	ReplayTail int
	Logger     zerolog.Logger
}

// Manager owns session-to-channel bindings
type Manager struct {
	store   session.Store
	log     messagelog.Log
	opts    Options
	logger  zerolog.Logger
	handler Handler

	mu       sync.Mutex
	bindings map[string]Channel
	locks    map[string]*sync.Mutex
}

// NewManager creates a connection manager
func NewManager(store session.Store, log messagelog.Log, opts Options) *Manager {
	observability.EnsureRegistered()

	if opts.Replay == "" {
		opts.Replay = ReplayPending
	}
	return &Manager{
		store:    store,
		log:      log,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "connection").Logger(),
		bindings: make(map[string]Channel),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetHandler sets the handler for inbound events. It must be called before
// the first Dispatch.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[sessionID] = lock
	return lock
}

func (m *Manager) binding(sessionID string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[sessionID]
}

func (m *Manager) setBinding(sessionID string, ch Channel) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.bindings[sessionID]
	m.bindings[sessionID] = ch
	return prev
}

// removeBinding removes the binding if it is still ch
func (m *Manager) removeBinding(sessionID string, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bindings[sessionID]
	if !ok || cur.ID() != ch.ID() {
		return false
	}
	delete(m.bindings, sessionID)
	return true
}

// Bind attaches ch to the session, replacing any previous binding, then
// sends connected, the replay and the pending queue.
func (m *Manager) Bind(ctx context.Context, sessionID string, ch Channel, opts BindOptions) error {
	ctx = tracing.WithChannelID(tracing.WithSessionID(ctx, sessionID), ch.ID())
	ctx, span := tracing.StartSpan(ctx, "vice.connection", "connection.bind",
		attribute.String("channel_id", ch.ID()))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		observability.RecordBind("rejected")
		return tracing.Fail(span, err)
	}
	if !sess.Active() {
		observability.RecordBind("rejected")
		return tracing.Fail(span, chat.Errorf(chat.CodeSessionExpired, "session %s has expired", sessionID))
	}

	// Validate replay input before touching the current binding.
	replay, err := m.replayMessages(ctx, sessionID, opts)
	if err != nil {
		observability.RecordBind("rejected")
		return tracing.Fail(span, err)
	}

	prev := m.setBinding(sessionID, ch)
	switch {
	case prev == nil:
		observability.RecordBind("bound")
	case prev.ID() == ch.ID():
		observability.RecordBind("rebound")
	default:
		_ = prev.Close()
		observability.RecordUnbind()
		observability.RecordBind("bound")
		observability.RecordChannelAudit(ctx, sessionID, prev.ID(), "replaced", nil)
		logger.Info().Str("previous_channel_id", prev.ID()).Msg("Previous channel replaced")
	}
	observability.RecordChannelAudit(ctx, sessionID, ch.ID(), "bound", nil)

	if err := ch.Send(chat.ConnectedEvent(sessionID)); err != nil {
		m.dropChannel(sessionID, ch)
		return tracing.Fail(span, fmt.Errorf("failed to send connected event: %w", err))
	}

	replayed := make(map[string]bool, len(replay))
	for _, msg := range replay {
		if err := ch.Send(chat.MessageEvent(msg)); err != nil {
			m.dropChannel(sessionID, ch)
			return tracing.Fail(span, fmt.Errorf("failed to replay message %s: %w", msg.ID, err))
		}
		replayed[msg.ID] = true
	}

	pending, err := m.store.DrainPending(ctx, sessionID)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to drain pending events: %w", err))
	}

	flushed := 0
	for i, ev := range pending {
		if ev.Kind == chat.EventMessage && ev.Message != nil && replayed[ev.Message.ID] {
			continue
		}
		if err := ch.Send(ev); err != nil {
			m.requeue(ctx, sessionID, pending[i:])
			m.dropChannel(sessionID, ch)
			return tracing.Fail(span, fmt.Errorf("failed to flush pending events: %w", err))
		}
		observability.RecordDelivery(string(ev.Kind), "flushed")
		flushed++
	}
	observability.RecordFlush(flushed)

	logger.Info().
		Int("replayed", len(replay)).
		Int("flushed", flushed).
		Msg("Channel bound")
	return nil
}

func (m *Manager) replayMessages(ctx context.Context, sessionID string, opts BindOptions) ([]chat.Message, error) {
	switch m.opts.Replay {
	case ReplaySince:
		if opts.AfterID == "" {
			return nil, nil
		}
		return m.log.ListSince(ctx, sessionID, opts.AfterID, 0)
	case ReplayTail:
		if m.opts.ReplayTail <= 0 {
			return nil, nil
		}
		return m.log.Tail(ctx, sessionID, m.opts.ReplayTail)
	default:
		return nil, nil
	}
}

// requeue puts unsent events back in front of anything queued meanwhile.
// The caller holds the session lock, so nothing else can push in between.
func (m *Manager) requeue(ctx context.Context, sessionID string, events []chat.Event) {
	for _, ev := range events {
		if err := m.store.PushPending(ctx, sessionID, ev); err != nil {
			m.logger.Error().Err(err).Str("session_id", sessionID).Str("event", ev.String()).Msg("Failed to requeue event")
		}
	}
}

// dropChannel removes and closes ch if it is still bound. Caller holds the session lock.
func (m *Manager) dropChannel(sessionID string, ch Channel) {
	if m.removeBinding(sessionID, ch) {
		observability.RecordUnbind()
		observability.RecordChannelAudit(context.Background(), sessionID, ch.ID(), "dropped", nil)
	}
	_ = ch.Close()
}

// Unbind removes the binding if channelID is still the bound channel.
// A late close from a replaced channel is a no-op. The session stays active.
func (m *Manager) Unbind(sessionID, channelID string) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	cur, ok := m.bindings[sessionID]
	if ok && cur.ID() == channelID {
		delete(m.bindings, sessionID)
	}
	m.mu.Unlock()

	if ok && cur.ID() == channelID {
		observability.RecordUnbind()
		observability.RecordChannelAudit(context.Background(), sessionID, channelID, "unbound", nil)
		m.logger.Debug().Str("session_id", sessionID).Str("channel_id", channelID).Msg("Channel unbound")
	}
}

// Disconnect closes and removes the session's binding, if any
func (m *Manager) Disconnect(sessionID string) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if ch := m.binding(sessionID); ch != nil {
		m.dropChannel(sessionID, ch)
	}
}

// Forget releases per-session state after a session is destroyed
func (m *Manager) Forget(sessionID string) {
	m.Disconnect(sessionID)

	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
}

// ExpireIfUnbound runs expire under the session lock when no channel is
// bound. A concurrent Bind either binds first, and expire is skipped, or
// observes the expired session and is rejected.
func (m *Manager) ExpireIfUnbound(ctx context.Context, sessionID string, expire func(ctx context.Context) error) (bool, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if m.binding(sessionID) != nil {
		return false, nil
	}
	if err := expire(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// IsConnected reports whether the session has a live binding
func (m *Manager) IsConnected(sessionID string) bool {
	return m.binding(sessionID) != nil
}

// Deliver sends ev to the session's channel, or queues it when unbound.
// Events for expired or unknown sessions are dropped.
func (m *Manager) Deliver(ctx context.Context, sessionID string, ev chat.Event) {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Str("session_id", sessionID).
		Str("event", ev.String()).
		Logger()

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil || !sess.Active() {
		observability.RecordDelivery(string(ev.Kind), string(chat.CodeDeliveryDropped))
		logger.Warn().Err(err).Str("code", string(chat.CodeDeliveryDropped)).Msg("Delivery dropped")
		return
	}

	if ch := m.binding(sessionID); ch != nil {
		err := ch.Send(ev)
		if err == nil {
			observability.RecordDelivery(string(ev.Kind), "sent")
			return
		}
		logger.Warn().Err(err).Str("channel_id", ch.ID()).Msg("Send failed, queueing event")
		m.dropChannel(sessionID, ch)
	}

	if err := m.store.PushPending(ctx, sessionID, ev); err != nil {
		observability.RecordDelivery(string(ev.Kind), "error")
		logger.Error().Err(err).Msg("Failed to queue event")
		return
	}
	observability.RecordDelivery(string(ev.Kind), "queued")
}

// Requeue takes back events that channelID accepted but never wrote. They
// go to the channel that replaced it, or to the pending queue when the
// session has no other binding. A binding that is still channelID is dead
// and gets dropped.
func (m *Manager) Requeue(ctx context.Context, sessionID, channelID string, events []chat.Event) {
	if len(events) == 0 {
		return
	}
	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Str("session_id", sessionID).
		Str("channel_id", channelID).
		Logger()

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil || !sess.Active() {
		for _, ev := range events {
			observability.RecordDelivery(string(ev.Kind), string(chat.CodeDeliveryDropped))
		}
		logger.Warn().Err(err).Int("events", len(events)).Msg("Unwritten events dropped")
		return
	}

	ch := m.binding(sessionID)
	if ch != nil && ch.ID() == channelID {
		m.dropChannel(sessionID, ch)
		ch = nil
	}

	for i, ev := range events {
		if ch == nil {
			m.requeue(ctx, sessionID, events[i:])
			break
		}
		if err := ch.Send(ev); err != nil {
			logger.Warn().Err(err).Str("current_channel_id", ch.ID()).Msg("Send failed, queueing events")
			m.dropChannel(sessionID, ch)
			ch = nil
			m.requeue(ctx, sessionID, events[i:])
			break
		}
		observability.RecordDelivery(string(ev.Kind), "resent")
	}
	logger.Info().Int("events", len(events)).Msg("Unwritten events requeued")
}

// Dispatch routes an inbound event to the handler. Failures are delivered
// to the session as error events and also returned; the channel stays open.
func (m *Manager) Dispatch(ctx context.Context, sessionID string, ev chat.InboundEvent) error {
	if m.handler == nil {
		return fmt.Errorf("connection manager has no handler")
	}

	var err error
	switch ev.Kind {
	case chat.InboundMessage:
		_, err = m.handler.AcceptInboundMessage(ctx, sessionID, ev)
	case chat.InboundAnalyzeFile:
		if ev.FileRef == nil {
			err = chat.Errorf(chat.CodeInvalidFile, "file reference is required")
			break
		}
		_, err = m.handler.RequestFileAnalysis(ctx, sessionID, *ev.FileRef)
	default:
		err = chat.Errorf(chat.CodeInvalidInput, "unknown event type %q", ev.Kind)
	}

	if err != nil {
		m.ReportError(ctx, sessionID, ev.ClientMessageID, err)
	}
	return err
}

// ReportError delivers err to the session's channel as an error event
func (m *Manager) ReportError(ctx context.Context, sessionID, requestID string, err error) {
	errEv := chat.ErrorEvent(sessionID, err)
	errEv.RequestID = requestID
	m.Deliver(ctx, sessionID, errEv)
}

// Close closes every bound channel
func (m *Manager) Close() {
	m.mu.Lock()
	bindings := m.bindings
	m.bindings = make(map[string]Channel)
	m.mu.Unlock()

	for sessionID, ch := range bindings {
		_ = ch.Close()
		observability.RecordUnbind()
		m.logger.Debug().Str("session_id", sessionID).Str("channel_id", ch.ID()).Msg("Channel closed at shutdown")
	}
}
