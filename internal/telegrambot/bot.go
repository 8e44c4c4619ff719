package telegrambot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/usecase"
)

const (
	defaultPollTimeout        = 30 * time.Second
	defaultMaxConcurrentTurns = 8
	pollRetryDelay            = time.Second
)

type botAPI interface {
	GetMe(ctx context.Context) (telegram.User, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
	SendMessage(ctx context.Context, msg telegram.SendMessage) (telegram.Message, error)
	EditMessageText(ctx context.Context, edit telegram.EditMessageText) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
}

// conversations is the part of usecase.Dispatcher the transport drives.
type conversations interface {
	Accept(in usecase.TextInput) usecase.Continuation
	BeginPrompt(ctx context.Context, key domain.ConversationKey) (domain.TopicSettings, error)
	BeginTemperature(ctx context.Context, key domain.ConversationKey) (domain.TopicSettings, error)
	Cancel(key domain.ConversationKey) bool
	DefaultTemperature() float64
	Empty(ctx context.Context, key domain.ConversationKey) (usecase.EmptyResult, error)
	ClearContext(ctx context.Context, key domain.ConversationKey) (usecase.TopicInfo, error)
	Models(ctx context.Context) ([]string, error)
	ChangeModel(ctx context.Context, key domain.ConversationKey, model string) error
	TopicInfo(ctx context.Context, key domain.ConversationKey) (usecase.TopicInfo, error)
	Start(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error)
	Stop(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error)
	IsAllowed(ctx context.Context, key domain.ConversationKey, userID int64) (bool, error)
}

type usageReporter interface {
	Usage(ctx context.Context, key domain.ConversationKey) (usecase.UsageReport, error)
	UserUsage(ctx context.Context, userID int64) (usecase.UserReport, error)
}

// directory is the part of usecase.Directory the transport drives.
type directory interface {
	Register(ctx context.Context, user domain.UserProfile, chat domain.UserChat) error
	MembershipChanged(ctx context.Context, user domain.UserProfile, chat domain.UserChat, joined bool) error
	ClaimAdmin(ctx context.Context, userID int64, token string) (bool, error)
	Users(ctx context.Context, requesterID int64) ([]usecase.UserReport, bool, error)
}

type Config struct {
	PollTimeout        time.Duration
	MaxConcurrentTurns int
	Logger             *slog.Logger
}

// Bot long-polls Telegram and routes updates to the dispatcher. Text is
// accepted in update order; the turns it starts run concurrently.
type Bot struct {
	api    botAPI
	conv   conversations
	usage  usageReporter
	dir    directory
	sink   *Sink
	cfg    Config
	logger *slog.Logger

	sem        chan struct{}
	wg         sync.WaitGroup
	retryDelay time.Duration
	username   string
}

func New(api botAPI, conv conversations, usage usageReporter, dir directory, cfg Config) (*Bot, error) {
	if api == nil {
		return nil, errors.New("telegrambot: api must not be nil")
	}
	if conv == nil {
		return nil, errors.New("telegrambot: conversations must not be nil")
	}
	if usage == nil {
		return nil, errors.New("telegrambot: usage reporter must not be nil")
	}
	if dir == nil {
		return nil, errors.New("telegrambot: directory must not be nil")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = defaultMaxConcurrentTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink, err := NewSink(api, logger)
	if err != nil {
		return nil, err
	}
	return &Bot{
		api:        api,
		conv:       conv,
		usage:      usage,
		dir:        dir,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxConcurrentTurns),
		retryDelay: pollRetryDelay,
	}, nil
}

// Run polls for updates until ctx is done, then waits for in-flight turns.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.api.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegrambot: getMe: %w", err)
	}
	b.username = me.Username
	b.logger.Info("telegram_start", "bot_id", me.ID, "username", me.Username,
		"poll_timeout", b.cfg.PollTimeout.String(), "max_concurrent_turns", b.cfg.MaxConcurrentTurns)

	var offset int64
	for ctx.Err() == nil {
		updates, next, err := b.api.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("telegram_get_updates_error", "error", err.Error())
			select {
			case <-ctx.Done():
			case <-time.After(b.retryDelay):
			}
			continue
		}
		offset = next
		for _, u := range updates {
			b.handleUpdate(ctx, u)
		}
	}

	b.wg.Wait()
	b.logger.Info("telegram_stop")
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, u telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	case u.MyChatMember != nil:
		b.handleMembership(ctx, u.MyChatMember)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	b.register(ctx, msg)
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	id := resolveIdentity(msg, msg.From)

	if cmd, args := splitCommand(text); strings.HasPrefix(cmd, "/") {
		name := normalizeSlashCommand(cmd, b.username)
		if name == "" {
			return
		}
		b.handleCommand(ctx, id, msg, name, args)
		return
	}

	if id.private() {
		if key, ok := parseInviteLink(text); ok {
			b.handleInvite(ctx, id, msg, key)
			return
		}
	}
	allowed, err := b.allowed(ctx, id)
	if err != nil {
		b.logger.Error("telegram_allow_list_error", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "error", err.Error())
		return
	}
	if !allowed {
		return
	}
	b.handleText(ctx, id, msg, msg.Text)
}

// allowed reports whether the bot may answer id. Only forum topics are
// gated by the allow-list.
func (b *Bot) allowed(ctx context.Context, id identity) (bool, error) {
	if !id.forum {
		return true, nil
	}
	return b.conv.IsAllowed(ctx, id.key, id.actorID)
}

func (b *Bot) handleText(ctx context.Context, id identity, msg *telegram.Message, text string) {
	cont := b.conv.Accept(usecase.TextInput{
		Key:     id.key,
		ActorID: id.actorID,
		Text:    text,
	})
	if cont == nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// In-flight turns finish after shutdown starts.
		turnCtx := context.WithoutCancel(ctx)
		b.sem <- struct{}{}
		defer func() { <-b.sem }()

		if err := b.api.SendChatAction(turnCtx, id.key.ChatID, threadID(id.key), telegram.ActionTyping); err != nil {
			b.logger.Debug("telegram_chat_action_error", "chat_id", id.key.ChatID, "error", err.Error())
		}
		out, err := cont(turnCtx)
		if err != nil {
			b.logger.Error("turn_failed",
				"chat_id", id.key.ChatID,
				"topic_id", id.key.TopicID,
				"user_id", id.actorID,
				"code", string(usecase.CodeOf(err)),
				"error", err.Error(),
			)
			b.replyPlain(turnCtx, id, msg.MessageID, usecase.UserMessage(err))
			return
		}
		if out.Kind == usecase.ReplyNone || strings.TrimSpace(out.Reply) == "" {
			return
		}
		if err := b.sink.Deliver(turnCtx, id.key, msg.MessageID, out.Reply); err != nil {
			b.logger.Error("telegram_deliver_error", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "error", err.Error())
		}
	}()
}

func (b *Bot) replyPlain(ctx context.Context, id identity, replyTo int64, text string) {
	if err := b.sink.DeliverPlain(ctx, id.key, replyTo, text); err != nil {
		b.logger.Error("telegram_deliver_error", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "error", err.Error())
	}
}

func (b *Bot) replyMarkdown(ctx context.Context, id identity, replyTo int64, text string) {
	if err := b.sink.Deliver(ctx, id.key, replyTo, text); err != nil {
		b.logger.Error("telegram_deliver_error", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "error", err.Error())
	}
}

// replyFailure logs err and tells the user something went wrong.
func (b *Bot) replyFailure(ctx context.Context, id identity, replyTo int64, op string, err error) {
	b.logger.Error("command_failed",
		"command", op,
		"chat_id", id.key.ChatID,
		"topic_id", id.key.TopicID,
		"user_id", id.actorID,
		"code", string(usecase.CodeOf(err)),
		"error", err.Error(),
	)
	b.replyPlain(ctx, id, replyTo, usecase.UserMessage(err))
}
