package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tg-llm-proxy/internal/conversation"
	"tg-llm-proxy/internal/domain"
)

const defaultMaxTokens = 4096

// ReplyKind says what produced a TextOutput.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyModel
	ReplyPromptSet
	ReplyTemperatureSet
	ReplyInvalidValue
)

type Config struct {
	DefaultModel       string
	DefaultTemperature float64
	MaxTokens          int
	Logger             *slog.Logger
}

// TextInput is one plain-text fragment delivered by the transport.
type TextInput struct {
	Key       domain.ConversationKey
	ActorID   int64
	Text      string
	ArrivedAt time.Time
}

type TextOutput struct {
	Reply string
	Kind  ReplyKind
}

// Continuation finishes the work started by Accept. It may block for the
// quiet period and for the model call.
type Continuation func(ctx context.Context) (TextOutput, error)

// Dispatcher routes plain text either into a pending setting value or into
// a coalesced model turn, and owns the command transitions of the mode
// state machine.
type Dispatcher struct {
	settings SettingsStore
	messages MessageStore
	llm      ModelBackend
	modes    *conversation.ModeTable
	queue    *conversation.Queue
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(s SettingsStore, m MessageStore, llm ModelBackend, modes *conversation.ModeTable, queue *conversation.Queue, cfg Config) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("usecase: settings store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: model backend must not be nil")
	}
	if modes == nil {
		return nil, errors.New("usecase: mode table must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: queue must not be nil")
	}
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	if cfg.DefaultModel == "" {
		return nil, errors.New("usecase: default model must not be empty")
	}
	cfg.DefaultTemperature = domain.ResolveDefaultTemperature(cfg.DefaultTemperature)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		settings: s,
		messages: m,
		llm:      llm,
		modes:    modes,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Accept records a fragment without blocking. Callers must invoke Accept in
// arrival order. A nil result means the fragment joined a pending turn whose
// first fragment's continuation will produce the single reply.
func (d *Dispatcher) Accept(in TextInput) Continuation {
	if in.ArrivedAt.IsZero() {
		in.ArrivedAt = d.now()
	}
	mode := d.modes.Get(in.Key)
	if mode == conversation.ModeAwaitingTemperature {
		return func(ctx context.Context) (TextOutput, error) {
			return d.commitTemperature(ctx, in.Key, in.Text)
		}
	}

	pk := conversation.PendingKey{ChatID: in.Key.ChatID, ActorID: in.ActorID, TopicID: in.Key.TopicID}
	first, err := d.queue.Push(pk, in.Text, in.ArrivedAt)
	if err != nil {
		return func(context.Context) (TextOutput, error) {
			return TextOutput{}, newError(ErrorInternal, "queue_push_error", err)
		}
	}
	if !first {
		return nil
	}
	return func(ctx context.Context) (TextOutput, error) {
		joined, ok, err := d.queue.Wait(ctx, pk)
		if err != nil {
			return TextOutput{}, newError(ErrorInternal, "queue_wait_error", err)
		}
		if !ok {
			return TextOutput{Kind: ReplyNone}, nil
		}
		if mode == conversation.ModeAwaitingPrompt {
			return d.commitPrompt(ctx, in.Key, joined)
		}
		return d.runTurn(ctx, in.Key, in.ActorID, joined)
	}
}

// HandleText accepts a fragment and, when it is the first of a turn, waits
// for quiescence and returns the reply. ok is false when the fragment was
// merged into a pending turn or the drain found nothing to do.
func (d *Dispatcher) HandleText(ctx context.Context, in TextInput) (TextOutput, bool, error) {
	cont := d.Accept(in)
	if cont == nil {
		return TextOutput{}, false, nil
	}
	out, err := cont(ctx)
	if err != nil {
		return TextOutput{}, false, err
	}
	return out, out.Kind != ReplyNone, nil
}

func (d *Dispatcher) commitTemperature(ctx context.Context, key domain.ConversationKey, text string) (TextOutput, error) {
	value, err := conversation.ParseTemperature(text)
	if err != nil {
		return TextOutput{
			Reply: "That is not a number. Send a value between 0 and 1, /cancel to abort or /empty to reset.",
			Kind:  ReplyInvalidValue,
		}, nil
	}
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return TextOutput{}, newError(ErrorStore, "settings_load_error", err)
	}
	settings.Temperature = value
	if err := d.settings.UpdateTopicSettings(ctx, settings); err != nil {
		return TextOutput{}, newError(ErrorStore, "settings_write_error", err)
	}
	d.modes.Clear(key)
	return TextOutput{
		Reply: fmt.Sprintf("Temperature set to %s.", formatTemperature(value)),
		Kind:  ReplyTemperatureSet,
	}, nil
}

func (d *Dispatcher) commitPrompt(ctx context.Context, key domain.ConversationKey, prompt string) (TextOutput, error) {
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return TextOutput{}, newError(ErrorStore, "settings_load_error", err)
	}
	settings.SystemPrompt = &prompt
	if err := d.settings.UpdateTopicSettings(ctx, settings); err != nil {
		return TextOutput{}, newError(ErrorStore, "settings_write_error", err)
	}
	d.modes.Clear(key)
	return TextOutput{Reply: "Prompt set.", Kind: ReplyPromptSet}, nil
}

// runTurn replays the active context plus text to the model and records the
// exchange. Nothing is written when the model call fails.
func (d *Dispatcher) runTurn(ctx context.Context, key domain.ConversationKey, actorID int64, text string) (TextOutput, error) {
	if strings.TrimSpace(text) == "" {
		return TextOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	settings, err := d.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return TextOutput{}, newError(ErrorStore, "settings_load_error", err)
	}
	history, err := d.messages.ListMessages(ctx, key.ChatID, key.TopicID, settings.Offset)
	if err != nil {
		return TextOutput{}, newError(ErrorStore, "history_load_error", err)
	}
	window := conversation.BuildWindow(history, text)

	localTokens, err := d.llm.CountTokens(ctx, settings.Model, text)
	if err != nil {
		d.logger.Warn("token count failed", "chat_id", key.ChatID, "topic_id", key.TopicID, "err", err)
		localTokens = 0
	}

	userAt := d.now().UTC()
	resp, err := d.llm.SendTurn(ctx, domain.TurnRequest{
		Model:        settings.Model,
		SystemPrompt: settings.Prompt(),
		Temperature:  settings.Temperature,
		MaxTokens:    d.cfg.MaxTokens,
		UserID:       actorID,
		Messages:     window,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return TextOutput{}, newError(ErrorRateLimited, "llm_rate_limited", err)
		}
		return TextOutput{}, newError(ErrorUpstream, "llm_error", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return TextOutput{}, newError(ErrorUpstream, "llm_empty_reply", nil)
	}
	assistantAt := d.now().UTC()
	if !assistantAt.After(userAt) {
		assistantAt = userAt.Add(time.Microsecond)
	}

	model := resp.Model
	if model == "" {
		model = settings.Model
	}
	exchangeID := newUUID()
	user := domain.MessageRecord{
		ID:                 newUUID(),
		ExchangeID:         exchangeID,
		ChatID:             key.ChatID,
		TopicID:            key.TopicID,
		UserID:             actorID,
		Role:               domain.RoleUser,
		Content:            text,
		ContextSize:        len(window) - 1,
		Model:              model,
		TokensLocal:        localTokens,
		TokensFromProvider: resp.InputTokens,
		Timestamp:          userAt,
	}
	assistant := domain.MessageRecord{
		ID:                 newUUID(),
		ExchangeID:         exchangeID,
		ChatID:             key.ChatID,
		TopicID:            key.TopicID,
		UserID:             actorID,
		Role:               domain.RoleAssistant,
		Content:            resp.Text,
		ContextSize:        0,
		Model:              model,
		TokensLocal:        resp.OutputTokens,
		TokensFromProvider: resp.OutputTokens,
		Timestamp:          assistantAt,
	}
	if err := d.messages.AppendExchange(ctx, user, assistant); err != nil {
		return TextOutput{}, newError(ErrorStore, "exchange_write_error", err)
	}

	d.logger.Info("turn completed",
		"chat_id", key.ChatID,
		"topic_id", key.TopicID,
		"model", model,
		"context_size", user.ContextSize,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return TextOutput{Reply: resp.Text, Kind: ReplyModel}, nil
}

func formatTemperature(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

var newUUID = func() string {
	return uuid.NewString()
}
