package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/vice/internal/tracing"
	"github.com/harun/vice/pkg/chat"
	"github.com/harun/vice/pkg/protocol"
)

// multipartOverhead allows for multipart framing around the file bytes.
const multipartOverhead = 1 << 20

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, chat.Errorf(chat.CodeInvalidInput, "invalid request body: %v", err))
		return
	}

	ownerID := "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if req.UserID != nil {
		ownerID = *req.UserID
	}

	sess, welcome, err := s.engine.CreateSession(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, createSessionResponse{
		Success:        true,
		Session:        sess,
		WelcomeMessage: welcome,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	perPage, err := intParam(q.Get("per_page"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.History(r.Context(), r.PathValue("id"), page, perPage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	messages := result.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{
		Success:  true,
		Messages: messages,
		Page:     result.Page,
		PerPage:  result.PerPage,
		Total:    result.Total,
		HasMore:  result.HasMore,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes
	if r.ContentLength > limit+multipartOverhead {
		s.writeError(w, r, chat.Errorf(chat.CodeFileTooLarge, "upload is %d bytes, limit is %d", r.ContentLength, limit))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, chat.Errorf(chat.CodeFileTooLarge, "upload exceeds %d bytes", limit))
			return
		}
		s.writeError(w, r, chat.Errorf(chat.CodeInvalidFile, "invalid multipart body: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, chat.Errorf(chat.CodeInvalidFile, "no file was sent"))
		return
	}
	defer file.Close()

	msg, err := s.engine.AcceptFileUpload(r.Context(), r.PathValue("id"), r.FormValue("user_id"), file, protocol.UploadMeta{
		Name:     header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: msg,
		FileURL: "/uploads/" + msg.FileRef.StoredPath,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		http.NotFound(w, r)
		return
	}
	storedPath := r.PathValue("session") + "/" + r.PathValue("file")
	f, err := s.files.Open(r.Context(), storedPath)
	if err != nil {
		if chat.CodeOf(err) == chat.CodeInvalidFile {
			http.NotFound(w, r)
			return
		}
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"clients":  s.clients.Count(),
		"sessions": s.clients.Sessions(),
	})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, chat.Errorf(chat.CodeInvalidInput, "%q is not a number", raw)
	}
	return n, nil
}

// statusFor maps protocol error codes to HTTP statuses
func statusFor(err error) int {
	switch chat.CodeOf(err) {
	case chat.CodeInvalidInput, chat.CodeInvalidFile:
		return http.StatusBadRequest
	case chat.CodeSessionNotFound:
		return http.StatusNotFound
	case chat.CodeSessionExpired:
		return http.StatusGone
	case chat.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := chat.AsError(err)
	if status == http.StatusInternalServerError {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("Request failed")
		body = &chat.Error{Code: chat.CodeInternal, Detail: "internal error"}
	}
	s.writeJSON(w, status, errorResponse{Error: body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// withTrace attaches a trace id from X-Trace-Id or a fresh one
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(tracing.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// withCORS applies the allowed origins to every route
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-Id")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if origin != "" && !s.originAllowed(origin) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
