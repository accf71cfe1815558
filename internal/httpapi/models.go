// Package httpapi is the HTTP + websocket surface of spec.md §4.L: request
// router, auth middleware, rate limiting, the JSON API, and the websocket
// event transport the browser dashboard consumes.
package httpapi

// ErrorBody is the inner object of the JSON error envelope (spec.md §4.L):
// {"error":{"code":STRING,"message":STRING}}.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the top-level error response shape every handler in
// this package uses on failure.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func errEnvelope(code, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}}
}

// sessionView is the JSON projection of a store.Session (spec.md §4.L).
type sessionView struct {
	Name            string `json:"name"`
	Host            string `json:"host,omitempty"`
	Status          string `json:"status"`
	AgentType       string `json:"agent_type,omitempty"`
	WorkingDir      string `json:"working_dir,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	ClosedAt        string `json:"closed_at,omitempty"`
	DiscordThreadID string `json:"discord_thread_id,omitempty"`
	DiscordArchived bool   `json:"discord_archived"`
	SlackThreadTS   string `json:"slack_thread_ts,omitempty"`
	SlackChannelID  string `json:"slack_channel_id,omitempty"`
	SlackArchived   bool   `json:"slack_archived"`
}

// messageView is the JSON projection of a store.Message.
type messageView struct {
	ID           int64  `json:"id"`
	SessionName  string `json:"session_name"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	Source       string `json:"source"`
	SourceID     string `json:"source_id,omitempty"`
	SourceAuthor string `json:"source_author,omitempty"`
	Timestamp    string `json:"timestamp"`
	IngestedAt   string `json:"ingested_at"`
}

// queueEntryView is the JSON projection of a store.CommandQueueEntry.
type queueEntryView struct {
	ID          int64  `json:"id"`
	SessionName string `json:"session_name"`
	Host        string `json:"host"`
	Command     string `json:"command"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ExecutedAt  string `json:"executed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// usageSnapshotView is the JSON projection of a store.UsageSnapshot.
type usageSnapshotView struct {
	ID                    int64  `json:"id"`
	Provider              string `json:"provider"`
	PolledAt              string `json:"polled_at"`
	RequestsLimit         int64  `json:"requests_limit,omitempty"`
	RequestsRemaining     int64  `json:"requests_remaining,omitempty"`
	RequestsReset         string `json:"requests_reset,omitempty"`
	InputTokensLimit      int64  `json:"input_tokens_limit,omitempty"`
	InputTokensRemaining  int64  `json:"input_tokens_remaining,omitempty"`
	InputTokensReset      string `json:"input_tokens_reset,omitempty"`
	OutputTokensLimit     int64  `json:"output_tokens_limit,omitempty"`
	OutputTokensRemaining int64  `json:"output_tokens_remaining,omitempty"`
	OutputTokensReset     string `json:"output_tokens_reset,omitempty"`
	TokensLimit           int64  `json:"tokens_limit,omitempty"`
	TokensRemaining       int64  `json:"tokens_remaining,omitempty"`
	TokensReset           string `json:"tokens_reset,omitempty"`
	PollModel             string `json:"poll_model,omitempty"`
	PollStatusCode        int64  `json:"poll_status_code,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
}
