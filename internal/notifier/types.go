package notifier

import "context"

// Failure codes reported by transports. Ordinary delivery failures are data,
// not errors: a transport reports them through Result.Code and never panics
// or aborts the caller.
const (
	CodeBlocked      = "blocked"        // recipient blocked the bot or was deactivated
	CodeChatNotFound = "chat_not_found" // chat id is gone or bot was removed
	CodeFlood        = "flood"          // rate limited by the Bot API
	CodeBadRequest   = "bad_request"    // malformed outbound message
	CodeNetwork      = "network"        // transport-level failure, likely transient
	CodeCanceled     = "canceled"       // caller context canceled before the send
	CodeAPI          = "api"            // other Bot API error
)

// Message is one outbound notification.
type Message struct {
	ChatID  int64
	Text    string
	ReplyTo int // message id to thread under; 0 = none
}

// Result reports a delivery outcome. Code is set only when OK is false.
type Result struct {
	OK   bool
	Code string
}

// Notifier delivers a message to a chat.
type Notifier interface {
	Send(ctx context.Context, msg Message) Result
}
