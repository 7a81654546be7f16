package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/blobstore"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/commandqueue"
	"github.com/harun/vice/pkg/connection"
	"github.com/harun/vice/pkg/messagelog"
	"github.com/harun/vice/pkg/responder"
	"github.com/harun/vice/pkg/session"
	"github.com/rs/zerolog"
)

// Deliverer routes outbound events to bound channels
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, ev chat.Event)
	IsConnected(sessionID string) bool
	ExpireIfUnbound(ctx context.Context, sessionID string, expire func(ctx context.Context) error) (bool, error)
	Disconnect(sessionID string)
	Forget(sessionID string)
}

// Config holds engine policy
type Config struct {
	IdleTimeout     time.Duration
	Retention       time.Duration
	MaxMessageBytes int
	MaxUploadBytes  int64
	HistoryWindow   int
	DedupTTL        time.Duration
	// ResponderTimeout bounds every responder call, whatever the gateway does.
	ResponderTimeout time.Duration
	// LaneWarnAfter logs operations that wait this long for their session lane.
	LaneWarnAfter time.Duration
}

// Deps are the engine's collaborators
type Deps struct {
	Store     session.Store
	Log       messagelog.Log
	Blobs     blobstore.Store
	Responder responder.Gateway
	Conns     Deliverer
	Logger    zerolog.Logger
}

// Engine is the session protocol state machine
type Engine struct {
	store     session.Store
	log       messagelog.Log
	blobs     blobstore.Store
	responder responder.Gateway
	conns     Deliverer
	queue     *commandqueue.CommandQueue
	logger    zerolog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	seqMu      sync.Mutex
	sequencers map[string]*sequencer

	analysesMu sync.RWMutex
	analyses   map[string]*chat.AnalysisRequest

	// gateway calls in flight
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ connection.Handler = (*Engine)(nil)
var _ session.Reaper = (*Engine)(nil)

// New creates an engine
func New(cfg Config, deps Deps) *Engine {
	observability.EnsureRegistered()

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 * 1024
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 5 * 1024 * 1024
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = responder.DefaultHistoryWindow
	}
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = 60 * time.Second
	}
	if cfg.LaneWarnAfter <= 0 {
		cfg.LaneWarnAfter = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      deps.Store,
		log:        deps.Log,
		blobs:      deps.Blobs,
		responder:  deps.Responder,
		conns:      deps.Conns,
		queue:      commandqueue.New(commandqueue.Options{DedupTTL: cfg.DedupTTL}),
		logger:     deps.Logger.With().Str("component", "protocol").Logger(),
		cfg:        cfg,
		sequencers: make(map[string]*sequencer),
		analyses:   make(map[string]*chat.AnalysisRequest),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetIdleTimeout changes the idle timeout used by later sweeps
func (e *Engine) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.cfgMu.Lock()
	e.cfg.IdleTimeout = d
	e.cfgMu.Unlock()
	e.logger.Info().Dur("idle_timeout", d).Msg("Idle timeout updated")
}

func (e *Engine) now() time.Time {
	return time.Now().UTC()
}

// inLane runs fn in the session's lane and returns its result
func (e *Engine) inLane(ctx context.Context, sessionID string, opts *commandqueue.TaskOptions, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if opts == nil {
		opts = &commandqueue.TaskOptions{}
	}
	if opts.WarnAfter == 0 {
		opts.WarnAfter = e.config().LaneWarnAfter
	}

	v, err := e.queue.Enqueue(ctx, sessionID, fn, opts)
	switch {
	case errors.Is(err, commandqueue.ErrLaneDropped):
		return nil, chat.Errorf(chat.CodeSessionNotFound, "session %s not found", sessionID)
	case errors.Is(err, commandqueue.ErrClosed):
		return nil, chat.Errorf(chat.CodeInternal, "engine is shutting down")
	}
	return v, err
}

// activeSession loads the session and requires it to be active
func (e *Engine) activeSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, chat.Errorf(chat.CodeSessionExpired, "session %s has expired", sessionID)
	}
	return sess, nil
}

func (e *Engine) sequencer(sessionID string, create bool) *sequencer {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	q, ok := e.sequencers[sessionID]
	if !ok && create {
		q = newSequencer()
		e.sequencers[sessionID] = q
	}
	return q
}

func (e *Engine) dropSequencer(sessionID string) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	delete(e.sequencers, sessionID)
}

// IsTyping reports whether replies are outstanding for the session
func (e *Engine) IsTyping(sessionID string) bool {
	q := e.sequencer(sessionID, false)
	return q != nil && q.outstanding() > 0
}

// appendMessage appends to the log and records metrics
func (e *Engine) appendMessage(ctx context.Context, msg *chat.Message) error {
	start := time.Now()
	if err := e.log.Append(ctx, msg); err != nil {
		return err
	}
	observability.RecordMessage(string(msg.Sender), string(msg.Type), time.Since(start))
	return nil
}

// background returns a context for work that outlives the caller but not
// the engine. It keeps the caller's tracing values.
func (e *Engine) background(ctx context.Context) (context.Context, context.CancelFunc) {
	bg, cancel := context.WithCancel(tracing.Detach(ctx))
	stop := context.AfterFunc(e.ctx, cancel)
	return bg, func() {
		stop()
		cancel()
	}
}

// QueueStats reports how many session lanes exist and how many operations
// are waiting in them.
func (e *Engine) QueueStats() (lanes int, queued int) {
	return e.queue.Stats()
}

// Close stops accepting work and waits up to timeout for in-flight
// responder calls.
func (e *Engine) Close(timeout time.Duration) error {
	e.cancel()
	deadline := time.Now().Add(timeout)

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn().Dur("timeout", timeout).Msg("Responder calls still running at shutdown")
	}

	// Resolutions re-enter the lanes; let them land before queued work is rejected.
	if remaining := time.Until(deadline); remaining > 0 {
		e.queue.WaitForActive(remaining)
	}
	return e.queue.Close()
}
