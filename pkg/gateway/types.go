package gateway

import (
	"time"

	"github.com/harun/vice/pkg/chat"
)

// Client is a websocket connection bound to one session
type Client struct {
	ID           string
	SessionID    string
	Channel      *wsChannel
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *FrameRateLimiter
}

// ClientInfo is a snapshot of a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
}

type createSessionRequest struct {
	// UserID is a pointer so an omitted field can be told apart from "".
	UserID *string `json:"user_id"`
}

type createSessionResponse struct {
	Success        bool          `json:"success"`
	Session        *chat.Session `json:"session"`
	WelcomeMessage *chat.Message `json:"welcome_message"`
}

type historyResponse struct {
	Success  bool           `json:"success"`
	Messages []chat.Message `json:"messages"`
	Page     int            `json:"page"`
	PerPage  int            `json:"per_page"`
	Total    int            `json:"total"`
	HasMore  bool           `json:"has_more"`
}

type uploadResponse struct {
	Success bool          `json:"success"`
	Message *chat.Message `json:"message"`
	FileURL string        `json:"file_url"`
}

type errorResponse struct {
	Success bool        `json:"success"`
	Error   *chat.Error `json:"error"`
}
