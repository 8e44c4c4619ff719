package telegrambot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
)

const maxMessageLen = 4096

type messageSender interface {
	SendMessage(ctx context.Context, msg telegram.SendMessage) (telegram.Message, error)
}

// Sink delivers reply text to a conversation.
type Sink struct {
	api    messageSender
	logger *slog.Logger
}

func NewSink(api messageSender, logger *slog.Logger) (*Sink, error) {
	if api == nil {
		return nil, errors.New("telegrambot: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{api: api, logger: logger}, nil
}

// Deliver sends text to key as Markdown, split into sections that fit a
// single message. A section Telegram refuses to parse is resent as plain
// text. Only the first section replies to replyTo.
func (s *Sink) Deliver(ctx context.Context, key domain.ConversationKey, replyTo int64, text string) error {
	return s.deliver(ctx, key, replyTo, text, telegram.ParseModeMarkdown)
}

// DeliverPlain is Deliver without any formatting.
func (s *Sink) DeliverPlain(ctx context.Context, key domain.ConversationKey, replyTo int64, text string) error {
	return s.deliver(ctx, key, replyTo, text, "")
}

func (s *Sink) deliver(ctx context.Context, key domain.ConversationKey, replyTo int64, text, parseMode string) error {
	sections := splitMessage(text, maxMessageLen)
	for i, section := range sections {
		msg := telegram.SendMessage{
			ChatID:          key.ChatID,
			MessageThreadID: threadID(key),
			Text:            section,
			ParseMode:       parseMode,
		}
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		_, err := s.api.SendMessage(ctx, msg)
		if err != nil && msg.ParseMode != "" && isBadRequest(err) {
			s.logger.Debug("telegram_markdown_fallback", "chat_id", key.ChatID, "topic_id", key.TopicID, "error", err.Error())
			msg.ParseMode = ""
			_, err = s.api.SendMessage(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("telegrambot: deliver section %d/%d: %w", i+1, len(sections), err)
		}
	}
	return nil
}

// threadID is the message_thread_id for key. The default topic is sent
// without one.
func threadID(key domain.ConversationKey) int64 {
	if key.TopicID == domain.DefaultTopicID {
		return 0
	}
	return key.TopicID
}

func isBadRequest(err error) bool {
	var statusErr *telegram.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusBadRequest
}

// splitMessage cuts text into sections of at most limit bytes, preferring
// paragraph breaks, then line breaks, then any rune boundary.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > limit {
		head, rest := cutSection(text, limit)
		if head = strings.TrimSpace(head); head != "" {
			out = append(out, head)
		}
		text = strings.TrimLeft(rest, "\n")
	}
	if text = strings.TrimSpace(text); text != "" {
		out = append(out, text)
	}
	return out
}

func cutSection(text string, limit int) (string, string) {
	window := text[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return text[:i], text[i+2:]
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return text[:i], text[i+1:]
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return text[:cut], text[cut:]
}
