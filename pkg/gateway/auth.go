package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/harun/vice/pkg/chat"
)

// sessionCredential extracts the session id a websocket client presents,
// either as the session_id query parameter or as a bearer token.
func sessionCredential(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return id
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticate admits a client only for an existing, active session
func (s *Server) authenticate(ctx context.Context, r *http.Request) (*chat.Session, error) {
	id := sessionCredential(r)
	if id == "" {
		return nil, chat.Errorf(chat.CodeInvalidInput, "session_id is required")
	}

	sess, err := s.engine.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, chat.Errorf(chat.CodeSessionExpired, "session %s has expired", id)
	}
	return sess, nil
}
