package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ChatRelay/internal/backend"
	"ChatRelay/internal/config"
	"ChatRelay/internal/gate"
	"ChatRelay/internal/session"
	"ChatRelay/internal/usage"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// persistTimeout bounds the save and usage merge after a completed request.
const persistTimeout = 10 * time.Second

// ContextStore persists per-user conversations.
type ContextStore interface {
	Load(ctx context.Context, userID string) (session.Conversation, error)
	Save(ctx context.Context, userID string, conv session.Conversation) error
	Reset(ctx context.Context, userID string) error
}

// Ledger accumulates token usage per user.
type Ledger interface {
	Merge(ctx context.Context, who usage.Identity, delta usage.Usage) error
}

// Completer performs one chat completion call.
type Completer interface {
	Complete(ctx context.Context, req backend.ChatRequest) (*backend.Completion, error)
}

// Options wires a ChatBot to its collaborators.
type Options struct {
	Config    config.Config
	Store     ContextStore
	Ledger    Ledger
	Gate      gate.Gate
	Completer Completer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// ChatBot runs chat turns: it owns the conversation lifecycle for each user
// and dispatches inbound host sessions.
type ChatBot struct {
	config    config.Config
	store     ContextStore
	ledger    Ledger
	gate      gate.Gate
	completer Completer
	logger    *slog.Logger
	tracer    trace.Tracer
	turns     metric.Int64Counter
}

// Turn is one user message submitted to the model.
type Turn struct {
	ID        string
	UserID    string
	UserName  string
	Directory usage.Directory // Optional
	Text      string
}

// Reply is the outcome of a completed turn.
type Reply struct {
	Text         string
	Usage        usage.Usage
	Conversation session.Conversation // As persisted
}

// NewChatBot creates a ChatBot from opts. All collaborators are required.
func NewChatBot(opts Options) (*ChatBot, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("context store cannot be nil")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("usage ledger cannot be nil")
	case opts.Gate == nil:
		return nil, fmt.Errorf("gate cannot be nil")
	case opts.Completer == nil:
		return nil, fmt.Errorf("completer cannot be nil")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger cannot be nil")
	case opts.Tracer == nil || opts.Meter == nil:
		return nil, fmt.Errorf("tracer and meter cannot be nil")
	}

	turns, err := opts.Meter.Int64Counter(
		"chat.turns",
		metric.WithDescription("Chat turns by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn counter: %w", err)
	}

	return &ChatBot{
		config:    opts.Config,
		store:     opts.Store,
		ledger:    opts.Ledger,
		gate:      opts.Gate,
		completer: opts.Completer,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		turns:     turns,
	}, nil
}

// Ask runs one turn for t.UserID: load and trim the history, call the
// model, then persist the exchange and charge the usage. On error nothing
// is persisted or charged. Callers serialize turns per user.
func (cb *ChatBot) Ask(ctx context.Context, t Turn) (*Reply, error) {
	ctx, span := cb.tracer.Start(ctx, "chat_turn",
		trace.WithAttributes(
			attribute.String("chat.turn_id", t.ID),
			attribute.String("chat.user_id", t.UserID),
		))
	defer span.End()

	logger := cb.logger.With("turn_id", t.ID, "user_id", t.UserID)

	conv := cb.prepare(ctx, logger, t)

	completion, err := cb.completer.Complete(ctx, backend.ChatRequest{
		Model:            cb.config.EffectiveModel(),
		Messages:         backend.MessagesFrom(conv),
		Temperature:      cb.config.Temperature,
		MaxTokens:        cb.config.MaxTokens,
		FrequencyPenalty: cb.config.FrequencyPenalty,
		PresencePenalty:  cb.config.PresencePenalty,
	})
	if err != nil {
		logger.Error("completion failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		cb.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return nil, fmt.Errorf("failed to complete turn: %w", err)
	}

	conv = conv.Append(session.Message{Role: session.RoleAssistant, Content: completion.Text})

	// A completed request is always persisted and charged, even if ctx is
	// cancelled from here on.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := cb.store.Save(persistCtx, t.UserID, conv); err != nil {
		logger.Error("failed to save conversation", "error", err)
	}

	delta := usage.Usage{
		CompletionTokens: completion.Usage.CompletionTokens,
		PromptTokens:     completion.Usage.PromptTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	}
	who := usage.Identity{UserID: t.UserID, NameHint: t.UserName, Directory: t.Directory}
	if err := cb.ledger.Merge(persistCtx, who, delta); err != nil {
		logger.Error("failed to record usage", "error", err)
	}

	cb.turns.Add(persistCtx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	logger.Info("turn completed",
		"messages", len(conv),
		"prompt_tokens", delta.PromptTokens,
		"completion_tokens", delta.CompletionTokens)

	return &Reply{Text: completion.Text, Usage: delta, Conversation: conv}, nil
}

// prepare builds the outbound conversation. A stored system message is
// always replaced by the configured prompt, which is added after truncation
// so it never counts against the budget.
func (cb *ChatBot) prepare(ctx context.Context, logger *slog.Logger, t Turn) session.Conversation {
	history, err := cb.store.Load(ctx, t.UserID)
	if err != nil {
		logger.Warn("failed to load conversation, starting fresh", "error", err)
		history = session.Conversation{}
	}

	conv := history.WithoutSystem().Append(session.Message{Role: session.RoleUser, Content: t.Text})
	before := len(conv)
	conv = session.Truncate(conv, cb.config.MaxContextLength)
	if dropped := before - len(conv); dropped > 0 {
		logger.Debug("truncated conversation", "dropped", dropped, "budget", cb.config.MaxContextLength)
	}

	return conv.WithSystem(cb.config.SystemPrompt)
}
