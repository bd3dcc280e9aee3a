package telegram

import (
	"context"
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"boardbot/internal/notifier"
	logx "boardbot/pkg/logx"
)

func TestFailureCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, want: notifier.CodeBlocked},
		{name: "deactivated", err: tele.ErrUserIsDeactivated, want: notifier.CodeBlocked},
		{name: "chat gone", err: tele.ErrChatNotFound, want: notifier.CodeChatNotFound},
		{name: "not started", err: tele.ErrNotStartedByUser, want: notifier.CodeChatNotFound},
		{name: "flood", err: tele.FloodError{RetryAfter: 3}, want: notifier.CodeFlood},
		{name: "bad request", err: &tele.Error{Code: 400, Description: "Bad Request: message is too long"}, want: notifier.CodeBadRequest},
		{name: "other api", err: &tele.Error{Code: 500, Description: "Internal Server Error"}, want: notifier.CodeAPI},
		{name: "deadline", err: context.DeadlineExceeded, want: notifier.CodeCanceled},
		{name: "transport", err: errors.New("dial tcp: connection refused"), want: notifier.CodeNetwork},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := failureCode(tt.err); got != tt.want {
				t.Fatalf("failureCode(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
