package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/commandqueue"
	"github.com/harun/vice/pkg/responder"
	"go.opentelemetry.io/otel/attribute"
)

// AcceptMessage appends a user message, echoes it to the session's channel
// and schedules the AI reply.
func (e *Engine) AcceptMessage(ctx context.Context, sessionID, userID, content string) (*chat.Message, error) {
	return e.AcceptInboundMessage(ctx, sessionID, chat.InboundEvent{
		Kind:    chat.InboundMessage,
		Content: content,
		UserID:  userID,
	})
}

// AcceptInboundMessage is AcceptMessage for a decoded client frame. A
// repeated ClientMessageID returns the originally accepted message.
func (e *Engine) AcceptInboundMessage(ctx context.Context, sessionID string, ev chat.InboundEvent) (*chat.Message, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	if ev.ClientMessageID != "" {
		ctx = tracing.WithRequestID(ctx, ev.ClientMessageID)
	}
	ctx, span := tracing.StartSpan(ctx, "vice.protocol", "protocol.accept_message",
		attribute.Int("content_bytes", len(ev.Content)))
	defer span.End()

	v, err := e.inLane(ctx, sessionID, &commandqueue.TaskOptions{DedupKey: ev.ClientMessageID},
		func(ctx context.Context) (interface{}, error) {
			return e.acceptMessage(ctx, sessionID, ev)
		})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	msg := v.(*chat.Message)
	copied := *msg
	return &copied, nil
}

func (e *Engine) acceptMessage(ctx context.Context, sessionID string, ev chat.InboundEvent) (*chat.Message, error) {
	if _, err := e.activeSession(ctx, sessionID); err != nil {
		return nil, err
	}

	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return nil, chat.Errorf(chat.CodeInvalidInput, "message content is required")
	}
	if limit := e.config().MaxMessageBytes; len(content) > limit {
		return nil, chat.Errorf(chat.CodeInvalidInput, "message is %d bytes, limit is %d", len(content), limit)
	}

	now := e.now()
	msg := &chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderUser,
		Type:      chat.TypeText,
		Content:   content,
		UserID:    ev.UserID,
		Timestamp: now,
	}
	if err := e.appendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if err := e.store.Touch(ctx, sessionID, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	e.conns.Deliver(ctx, sessionID, chat.MessageEvent(*msg))

	history, err := e.log.Tail(ctx, sessionID, e.config().HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	// The newest entry is msg itself, sent as the prompt.
	if n := len(history); n > 0 && history[n-1].ID == msg.ID {
		history = history[:n-1]
	}

	s := &slot{kind: slotReply, requestID: ev.ClientMessageID}
	e.reserve(ctx, sessionID, s)

	req := responder.Request{SessionID: sessionID, Prompt: content, History: history}
	e.spawn(ctx, sessionID, s, func(ctx context.Context) (string, error) {
		return e.responder.Respond(ctx, req)
	})

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Debug().Str("message_id", msg.ID).Msg("Message accepted")
	return msg, nil
}

// reserve takes the next reply slot. Caller runs in the session lane.
func (e *Engine) reserve(ctx context.Context, sessionID string, s *slot) {
	if e.sequencer(sessionID, true).reserve(s) {
		e.conns.Deliver(ctx, sessionID, chat.TypingEvent(sessionID, true))
	}
}

// spawn runs a responder call off the lane and resolves s with its outcome
func (e *Engine) spawn(ctx context.Context, sessionID string, s *slot, call func(ctx context.Context) (string, error)) {
	bg, cancel := e.background(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()

		s.content, s.err = e.invoke(bg, call)
		e.resolve(bg, sessionID, s)
	}()
}

type callResult struct {
	content string
	err     error
}

// invoke runs call under the responder deadline. A call that overruns or
// panics yields a gateway error instead of holding its reply slot.
func (e *Engine) invoke(ctx context.Context, call func(ctx context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config().ResponderTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger := tracing.LoggerFromContext(ctx, e.logger)
				logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Panic in responder call")
				done <- callResult{err: chat.Errorf(chat.CodeGatewayFailure, "responder crashed: %v", r)}
			}
		}()
		content, err := call(callCtx)
		done <- callResult{content: content, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", gatewayError(callCtx, res.err)
		}
		return res.content, nil
	case <-callCtx.Done():
		return "", gatewayError(callCtx, callCtx.Err())
	}
}

// gatewayError maps a responder failure onto the gateway error codes
func gatewayError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		if code := chat.CodeOf(err); code != chat.CodeGatewayTimeout {
			return chat.Errorf(chat.CodeGatewayTimeout, "responder did not answer in time")
		}
		return err
	}
	switch chat.CodeOf(err) {
	case chat.CodeGatewayTimeout, chat.CodeGatewayFailure:
		return err
	default:
		return chat.Errorf(chat.CodeGatewayFailure, "responder failed: %v", err)
	}
}

// resolve re-enters the session lane and releases every slot that is now
// at the head of the order.
func (e *Engine) resolve(ctx context.Context, sessionID string, s *slot) {
	_, err := e.queue.Enqueue(context.WithoutCancel(ctx), sessionID, func(ctx context.Context) (interface{}, error) {
		e.completeSlot(ctx, sessionID, s)
		return nil, nil
	}, nil)
	if err != nil {
		e.dropSlot(ctx, sessionID, s, err)
	}
}

func (e *Engine) completeSlot(ctx context.Context, sessionID string, s *slot) {
	q := e.sequencer(sessionID, false)
	if q == nil {
		e.dropSlot(ctx, sessionID, s, chat.Errorf(chat.CodeSessionExpired, "session %s is no longer active", sessionID))
		return
	}
	if _, err := e.activeSession(ctx, sessionID); err != nil {
		e.dropSlot(ctx, sessionID, s, err)
		return
	}

	ready, idle, ok := q.resolve(s)
	if !ok {
		e.dropSlot(ctx, sessionID, s, chat.Errorf(chat.CodeSessionExpired, "session %s is no longer active", sessionID))
		return
	}

	for _, r := range ready {
		e.deliverSlot(ctx, sessionID, r)
	}
	if len(ready) > 0 && idle {
		e.conns.Deliver(ctx, sessionID, chat.TypingEvent(sessionID, false))
	}
}

// deliverSlot appends and delivers a resolved reply, or delivers its error.
func (e *Engine) deliverSlot(ctx context.Context, sessionID string, s *slot) {
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("session_id", sessionID).Logger()

	if s.err == nil {
		msg := &chat.Message{
			SessionID: sessionID,
			Sender:    chat.SenderAI,
			Type:      chat.TypeText,
			Content:   s.content,
			Timestamp: e.now(),
		}
		if err := e.appendMessage(ctx, msg); err != nil {
			s.err = fmt.Errorf("failed to append reply: %w", err)
		} else {
			e.finishAnalysis(s, msg.ID, nil)
			e.conns.Deliver(ctx, sessionID, chat.MessageEvent(*msg))
			return
		}
	}

	logger.Warn().Err(s.err).Str("kind", string(s.kind)).Msg("Reply failed")
	requestID := s.requestID
	if s.analysis != nil {
		requestID = s.analysis.ID
	}
	errEv := chat.ErrorEvent(sessionID, s.err)
	errEv.RequestID = requestID
	e.finishAnalysis(s, "", errEv.Error)
	e.conns.Deliver(ctx, sessionID, errEv)
}

// dropSlot discards a resolution that can no longer be delivered
func (e *Engine) dropSlot(ctx context.Context, sessionID string, s *slot, reason error) {
	observability.RecordDelivery(string(s.kind), string(chat.CodeDeliveryDropped))
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Warn().
		Str("session_id", sessionID).
		Str("kind", string(s.kind)).
		Str("code", string(chat.CodeDeliveryDropped)).
		AnErr("reason", reason).
		Msg("Reply dropped")

	e.finishAnalysis(s, "", chat.Errorf(chat.CodeDeliveryDropped, "%v", reason))
}

func (e *Engine) finishAnalysis(s *slot, messageID string, failure *chat.Error) {
	if s.analysis == nil {
		return
	}

	e.analysesMu.Lock()
	defer e.analysesMu.Unlock()

	a := s.analysis
	if a.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	a.ResolvedAt = &now
	if failure != nil {
		a.Status = chat.AnalysisFailed
		a.Error = failure
	} else {
		a.Status = chat.AnalysisCompleted
		a.MessageID = messageID
	}
	observability.RecordAnalysis(string(a.Status))
}
