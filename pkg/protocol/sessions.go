package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/messagelog"
	"go.opentelemetry.io/otel/attribute"
)

// CreateSession creates an active session for ownerID and appends the
// welcome message.
func (e *Engine) CreateSession(ctx context.Context, ownerID string) (*chat.Session, *chat.Message, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, nil, chat.Errorf(chat.CodeInvalidInput, "owner id is required")
	}

	id := uuid.NewString()
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "vice.protocol", "protocol.create_session",
		attribute.String("owner_id", ownerID))
	defer span.End()

	now := e.now()
	sess := &chat.Session{
		ID:             id,
		OwnerID:        ownerID,
		State:          chat.StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return nil, nil, tracing.Fail(span, fmt.Errorf("failed to create session: %w", err))
	}

	welcome := &chat.Message{
		SessionID: id,
		Sender:    chat.SenderAI,
		Type:      chat.TypeText,
		Content:   e.responder.WelcomeMessage(),
		Timestamp: now,
	}
	if err := e.appendMessage(ctx, welcome); err != nil {
		return nil, nil, tracing.Fail(span, fmt.Errorf("failed to append welcome message: %w", err))
	}

	observability.RecordSessionTransition("created")
	observability.RecordSessionAudit(ctx, id, "create", ownerID, nil)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().Str("owner_id", ownerID).Msg("Session created")

	return sess, welcome, nil
}

// Session returns the session by id
func (e *Engine) Session(ctx context.Context, sessionID string) (*chat.Session, error) {
	return e.store.Get(ctx, sessionID)
}

// History returns a page of the session's messages
func (e *Engine) History(ctx context.Context, sessionID string, page, perPage int) (messagelog.Page, error) {
	if _, err := e.store.Get(ctx, sessionID); err != nil {
		return messagelog.Page{}, err
	}
	return e.log.Page(ctx, sessionID, page, perPage)
}

// ExpireIdleSessions expires active sessions idle for longer than the idle
// timeout that have no live channel.
func (e *Engine) ExpireIdleSessions(ctx context.Context, now time.Time) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	idle := e.config().IdleTimeout
	expired := 0
	active := 0
	for _, sess := range sessions {
		if !sess.Active() {
			continue
		}
		active++
		if now.Sub(sess.LastActivityAt) <= idle || e.conns.IsConnected(sess.ID) {
			continue
		}

		v, err := e.inLane(ctx, sess.ID, nil, func(ctx context.Context) (interface{}, error) {
			return e.expireIfIdle(ctx, sess.ID, now, idle)
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to expire session")
			continue
		}
		if done, _ := v.(bool); done {
			expired++
			active--
		}
	}

	observability.SetActiveSessions(active)
	return expired, nil
}

// expireIfIdle re-checks idleness inside the lane, since a message may have
// been accepted after the sweep listed the session.
func (e *Engine) expireIfIdle(ctx context.Context, sessionID string, now time.Time, idle time.Duration) (bool, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sess.Active() || now.Sub(sess.LastActivityAt) <= idle {
		return false, nil
	}

	// A channel binding right now keeps the session alive.
	expired, err := e.conns.ExpireIfUnbound(ctx, sessionID, func(ctx context.Context) error {
		return e.store.Expire(ctx, sessionID, now)
	})
	if err != nil || !expired {
		return false, err
	}
	e.afterExpire(ctx, sessionID)
	return true, nil
}

// expire moves the session to expired. Caller runs in the session lane.
func (e *Engine) expire(ctx context.Context, sessionID string, at time.Time) error {
	if err := e.store.Expire(ctx, sessionID, at); err != nil {
		return err
	}
	e.afterExpire(ctx, sessionID)
	return nil
}

// afterExpire releases what an expired session held
func (e *Engine) afterExpire(ctx context.Context, sessionID string) {
	// Outstanding replies resolve into a missing sequencer and are dropped.
	e.dropSequencer(sessionID)
	e.conns.Disconnect(sessionID)

	// An expired session can never bind again, so its queue is dead.
	if dropped, err := e.store.DrainPending(ctx, sessionID); err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to discard pending events")
	} else {
		for _, ev := range dropped {
			observability.RecordDelivery(string(ev.Kind), string(chat.CodeDeliveryDropped))
		}
	}

	observability.RecordSessionTransition("expired")
	observability.RecordSessionAudit(ctx, sessionID, "expire", "system", nil)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().Str("session_id", sessionID).Msg("Session expired")
}

// CollectExpired destroys expired sessions whose retention has elapsed,
// together with their messages and uploads.
func (e *Engine) CollectExpired(ctx context.Context, now time.Time) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	retention := e.config().Retention
	collected := 0
	for _, sess := range sessions {
		if sess.Active() || sess.ExpiredAt == nil || now.Sub(*sess.ExpiredAt) < retention {
			continue
		}
		if err := e.destroy(ctx, sess.ID); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to collect session")
			continue
		}
		collected++
	}
	return collected, nil
}

func (e *Engine) destroy(ctx context.Context, sessionID string) error {
	if err := e.log.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if e.blobs != nil {
		if err := e.blobs.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete uploads: %w", err)
		}
	}
	if err := e.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	e.queue.DropLane(sessionID)
	e.dropSequencer(sessionID)
	e.conns.Forget(sessionID)
	e.forgetAnalyses(sessionID)

	observability.RecordSessionTransition("collected")
	observability.RecordSessionAudit(ctx, sessionID, "collect", "system", nil)
	e.logger.Debug().Str("session_id", sessionID).Msg("Session collected")
	return nil
}
