package protocol

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/vice/internal/observability"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/blobstore"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/responder"
	"go.opentelemetry.io/otel/attribute"
)

// UploadMeta describes an incoming upload
type UploadMeta struct {
	Name     string
	MimeType string
	// Size is the declared size, or -1 when the client did not send one.
	Size int64
}

// AcceptFileUpload stores the upload and appends a file message for it.
// Declared sizes over the limit are rejected before any bytes are read.
func (e *Engine) AcceptFileUpload(ctx context.Context, sessionID, userID string, r io.Reader, meta UploadMeta) (*chat.Message, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "vice.protocol", "protocol.accept_upload",
		attribute.String("file_name", meta.Name),
		attribute.Int64("declared_size", meta.Size))
	defer span.End()

	if _, err := e.activeSession(ctx, sessionID); err != nil {
		return nil, tracing.Fail(span, err)
	}
	name := blobstore.SanitizeName(meta.Name)
	if name == "" {
		return nil, tracing.Fail(span, chat.Errorf(chat.CodeInvalidFile, "file name %q is not usable", meta.Name))
	}
	if limit := e.config().MaxUploadBytes; meta.Size > limit {
		return nil, tracing.Fail(span, chat.Errorf(chat.CodeFileTooLarge, "file is %d bytes, limit is %d", meta.Size, limit))
	}
	if e.blobs == nil {
		return nil, tracing.Fail(span, chat.Errorf(chat.CodeInternal, "uploads are disabled"))
	}

	// Storing happens outside the lane so a slow upload does not hold up
	// the session's messages.
	ref, err := e.blobs.Store(ctx, r, blobstore.Meta{
		SessionID: sessionID,
		Name:      name,
		MimeType:  meta.MimeType,
		Size:      meta.Size,
	})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	v, err := e.inLane(ctx, sessionID, nil, func(ctx context.Context) (interface{}, error) {
		if _, err := e.activeSession(ctx, sessionID); err != nil {
			return nil, err
		}
		msg := &chat.Message{
			SessionID: sessionID,
			Sender:    chat.SenderUser,
			Type:      chat.TypeFile,
			Content:   "File sent: " + ref.Name,
			UserID:    userID,
			FileRef:   &ref,
			Timestamp: e.now(),
		}
		if err := e.appendMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to append file message: %w", err)
		}
		if err := e.store.Touch(ctx, sessionID, msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
		e.conns.Deliver(ctx, sessionID, chat.MessageEvent(*msg))
		return msg, nil
	})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	observability.RecordUpload(ref.Size)
	observability.RecordSessionAudit(ctx, sessionID, "upload", userID, map[string]interface{}{
		"stored_path": ref.StoredPath,
		"size":        ref.Size,
	})
	msg := *v.(*chat.Message)
	return &msg, nil
}

// RequestFileAnalysis registers a pending analysis of a stored upload. The
// result arrives later as an ai message, in order with other replies.
func (e *Engine) RequestFileAnalysis(ctx context.Context, sessionID string, ref chat.FileRef) (*chat.AnalysisRequest, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "vice.protocol", "protocol.request_analysis",
		attribute.String("stored_path", ref.StoredPath))
	defer span.End()

	v, err := e.inLane(ctx, sessionID, nil, func(ctx context.Context) (interface{}, error) {
		return e.requestAnalysis(ctx, sessionID, ref)
	})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	return v.(*chat.AnalysisRequest), nil
}

func (e *Engine) requestAnalysis(ctx context.Context, sessionID string, ref chat.FileRef) (*chat.AnalysisRequest, error) {
	if _, err := e.activeSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if ref.StoredPath == "" || !strings.HasPrefix(path.Clean(ref.StoredPath), sessionID+"/") {
		return nil, chat.Errorf(chat.CodeInvalidFile, "file %q does not belong to this session", ref.StoredPath)
	}
	ref.StoredPath = path.Clean(ref.StoredPath)
	if e.blobs == nil {
		return nil, chat.Errorf(chat.CodeInvalidFile, "uploads are disabled")
	}

	content, err := e.blobs.Fetch(ctx, ref)
	if err != nil {
		if chat.CodeOf(err) == chat.CodeInternal {
			return nil, chat.Errorf(chat.CodeInvalidFile, "file %q cannot be read: %v", ref.StoredPath, err)
		}
		return nil, err
	}
	if ref.Name == "" {
		ref.Name = storedBaseName(ref.StoredPath)
	}

	req := &chat.AnalysisRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		FileRef:     ref,
		RequestedAt: e.now(),
		Status:      chat.AnalysisPending,
	}
	e.analysesMu.Lock()
	e.analyses[req.ID] = req
	snapshot := *req
	e.analysesMu.Unlock()
	observability.RecordAnalysis(string(chat.AnalysisPending))

	s := &slot{kind: slotAnalysis, analysis: req}
	e.reserve(ctx, sessionID, s)

	fileReq := responder.FileRequest{SessionID: sessionID, FileRef: ref, Content: content}
	e.spawn(ctx, sessionID, s, func(ctx context.Context) (string, error) {
		return e.responder.AnalyzeFile(ctx, fileReq)
	})

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Str("analysis_id", req.ID).
		Str("file", ref.Name).
		Msg("Analysis requested")
	return &snapshot, nil
}

// Analysis returns a snapshot of an analysis request
func (e *Engine) Analysis(id string) (*chat.AnalysisRequest, bool) {
	e.analysesMu.RLock()
	defer e.analysesMu.RUnlock()

	a, ok := e.analyses[id]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

func (e *Engine) forgetAnalyses(sessionID string) {
	e.analysesMu.Lock()
	defer e.analysesMu.Unlock()

	for id, a := range e.analyses {
		if a.SessionID == sessionID {
			delete(e.analyses, id)
		}
	}
}

// storedBaseName strips the session directory and id prefix
func storedBaseName(storedPath string) string {
	base := storedPath[strings.LastIndex(storedPath, "/")+1:]
	if i := strings.IndexByte(base, '_'); i >= 0 {
		return base[i+1:]
	}
	return base
}
