package chatbot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"ChatRelay/internal/host"
	"ChatRelay/internal/usage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// User-visible replies.
const (
	MsgBusy        = "I'm still processing your previous request, please wait a moment."
	MsgFailed      = "Sorry, something went wrong while talking to the model. Please try again."
	MsgReset       = "Conversation cleared."
	MsgResetFailed = "Failed to clear the conversation. Please try again."
)

const (
	cmdReset = "reset"
	cmdHelp  = "help"
)

// Handle processes one inbound session: commands are answered directly,
// anything else runs a turn if the sender has none in flight. Handle never
// panics and is safe for concurrent use.
func (cb *ChatBot) Handle(ctx context.Context, sess *host.Session) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("panic recovered",
				"user_id", sess.UserID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			cb.reply(ctx, sess, MsgFailed)
		}
	}()

	text := strings.TrimSpace(sess.Text)
	if text == "" {
		return
	}

	if handled := cb.handleCommand(ctx, sess, text); handled {
		return
	}

	if !cb.gate.TryAcquire(sess.UserID) {
		cb.logger.Debug("turn rejected, previous request in flight", "user_id", sess.UserID)
		cb.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
		cb.reply(ctx, sess, MsgBusy)
		return
	}
	defer cb.gate.Release(sess.UserID)

	turn := Turn{
		ID:       uuid.NewString(),
		UserID:   sess.UserID,
		UserName: sess.UserName,
		Text:     text,
	}
	if dir := sess.Directory(); dir != nil {
		turn.Directory = usage.Directory(dir)
	}

	reply, err := cb.Ask(ctx, turn)
	if err != nil {
		cb.reply(ctx, sess, MsgFailed)
		return
	}
	cb.reply(ctx, sess, reply.Text)
}

// handleCommand answers reset and help. It reports false for anything that
// is not one of those commands.
func (cb *ChatBot) handleCommand(ctx context.Context, sess *host.Session, text string) bool {
	prefix := cb.config.CommandPrefix
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return false
	}
	parts := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(parts) == 0 {
		return false
	}

	switch strings.ToLower(parts[0]) {
	case cmdReset:
		if err := cb.store.Reset(ctx, sess.UserID); err != nil {
			cb.logger.Error("failed to reset conversation", "user_id", sess.UserID, "error", err)
			cb.reply(ctx, sess, MsgResetFailed)
			return true
		}
		cb.logger.Info("conversation reset", "user_id", sess.UserID)
		cb.reply(ctx, sess, MsgReset)
		return true

	case cmdHelp:
		cb.reply(ctx, sess, cb.config.HelpText)
		return true

	default:
		return false
	}
}

func (cb *ChatBot) reply(ctx context.Context, sess *host.Session, text string) {
	if err := sess.Reply(ctx, text); err != nil {
		cb.logger.Warn("failed to deliver reply", "user_id", sess.UserID, "platform", sess.Platform, "error", err)
	}
}
