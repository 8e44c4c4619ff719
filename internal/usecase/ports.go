package usecase

import (
	"context"
	"errors"

	"tg-llm-proxy/internal/domain"
)

// SettingsStore persists per-topic settings and the topic allow-list.
type SettingsStore interface {
	GetOrCreateTopicSettings(ctx context.Context, chatID, topicID int64) (domain.TopicSettings, error)
	UpdateTopicSettings(ctx context.Context, settings domain.TopicSettings) error
	GetAllowedTopics(ctx context.Context, chatID, userID int64) (map[int64]bool, error)
	AddAllowedTopic(ctx context.Context, chatID, topicID, userID int64) error
	RemoveAllowedTopic(ctx context.Context, chatID, topicID, userID int64) (bool, error)
}

// MessageStore is the append-only exchange log.
type MessageStore interface {
	AppendMessage(ctx context.Context, record domain.MessageRecord) error
	AppendExchange(ctx context.Context, user, assistant domain.MessageRecord) error
	ListMessages(ctx context.Context, chatID, topicID int64, skip int) ([]domain.MessageRecord, error)
	CountMessages(ctx context.Context, chatID, topicID int64) (int, error)
}

// ModelBackend is the language-model provider.
type ModelBackend interface {
	SendTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResponse, error)
	CountTokens(ctx context.Context, model, text string) (int, error)
	ListModels(ctx context.Context) ([]string, error)
}

// UserStore keeps user profiles and the chats each user was seen in.
type UserStore interface {
	EnsureUser(ctx context.Context, user domain.UserProfile) (domain.UserProfile, error)
	GetUser(ctx context.Context, userID int64) (domain.UserProfile, bool, error)
	ListUsers(ctx context.Context) ([]domain.UserProfile, error)
	SetAdmin(ctx context.Context, userID int64, admin bool) error
	RecordUserChat(ctx context.Context, link domain.UserChat) error
	ListUserChats(ctx context.Context, userID int64) ([]domain.UserChat, error)
}

// SecretStore resolves secrets by parameter name.
type SecretStore interface {
	Token(ctx context.Context, name string) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
