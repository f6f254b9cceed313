// Package host connects the relay to a messaging host. A host delivers
// inbound Sessions to a Handler and sends replies through its Bot.
package host

import (
	"context"
	"errors"
)

// Bot is the platform connection a session arrived on.
type Bot interface {
	// Platform identifies the messaging platform, e.g. "console" or "lark".
	Platform() string

	// Send delivers text to userID.
	Send(ctx context.Context, userID, text string) error
}

// DirectoryBot is implemented by bots whose platform can resolve a user id
// to a display name. Bots without it simply do not support lookups.
type DirectoryBot interface {
	Bot
	LookupName(ctx context.Context, userID string) (string, error)
}

// Session is one inbound message.
type Session struct {
	UserID   string
	UserName string // May equal UserID when the host does not know a name
	Platform string
	Text     string
	Bot      Bot
}

// ErrNoBot is returned when replying on a session that has no Bot.
var ErrNoBot = errors.New("session has no bot")

// Reply sends text back to the session's sender.
func (s *Session) Reply(ctx context.Context, text string) error {
	if s.Bot == nil {
		return ErrNoBot
	}
	return s.Bot.Send(ctx, s.UserID, text)
}

// Directory returns the bot's lookup capability, or nil when the platform
// has none.
func (s *Session) Directory() DirectoryBot {
	if d, ok := s.Bot.(DirectoryBot); ok {
		return d
	}
	return nil
}

// Handler processes one inbound session. Handlers must be safe for
// concurrent use; hosts may call them from many goroutines.
type Handler func(ctx context.Context, sess *Session)
