package usecase

import (
	"context"
	"errors"
	"time"

	"tg-llm-proxy/internal/domain"
)

// UsageReport aggregates the full recorded history of a topic, including
// messages excluded from the context by an earlier clear.
type UsageReport struct {
	ChatID             int64  `json:"chatId"`
	TopicID            int64  `json:"topicId"`
	Model              string `json:"model"`
	Offset             int    `json:"offset"`
	TotalMessages      int    `json:"totalMessages"`
	ContextMessages    int    `json:"contextMessages"`
	UserMessages       int    `json:"userMessages"`
	AssistantMessages  int    `json:"assistantMessages"`
	TokensLocal        int    `json:"tokensLocal"`
	TokensFromProvider int    `json:"tokensFromProvider"`
}

// UserReport is a user's profile, running token total and known chats.
type UserReport struct {
	UserID       int64            `json:"userId"`
	Username     string           `json:"username"`
	FullName     string           `json:"fullName"`
	IsAdmin      bool             `json:"isAdmin"`
	RegisteredAt time.Time        `json:"registeredAt"`
	TokensTotal  int              `json:"tokensTotal"`
	Chats        []UserChatReport `json:"chats"`
}

type UserChatReport struct {
	ChatID int64  `json:"chatId"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

type UsageService struct {
	settings SettingsStore
	messages MessageStore
	users    UserStore
}

type UsageOption func(*UsageService)

// WithUserStore enables per-user reports.
func WithUserStore(users UserStore) UsageOption {
	return func(u *UsageService) {
		u.users = users
	}
}

func NewUsageService(s SettingsStore, m MessageStore, opts ...UsageOption) (*UsageService, error) {
	if s == nil {
		return nil, errors.New("usecase: settings store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	u := &UsageService{settings: s, messages: m}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

func (u *UsageService) Usage(ctx context.Context, key domain.ConversationKey) (UsageReport, error) {
	if key.ChatID == 0 {
		return UsageReport{}, newError(ErrorInvalidInput, "missing_chat_id", nil)
	}
	settings, err := u.settings.GetOrCreateTopicSettings(ctx, key.ChatID, key.TopicID)
	if err != nil {
		return UsageReport{}, newError(ErrorStore, "settings_load_error", err)
	}
	records, err := u.messages.ListMessages(ctx, key.ChatID, key.TopicID, 0)
	if err != nil {
		return UsageReport{}, newError(ErrorStore, "history_load_error", err)
	}

	report := UsageReport{
		ChatID:        key.ChatID,
		TopicID:       key.TopicID,
		Model:         settings.Model,
		Offset:        settings.Offset,
		TotalMessages: len(records),
	}
	if active := len(records) - settings.Offset; active > 0 {
		report.ContextMessages = active
	}
	for _, r := range records {
		switch r.Role {
		case domain.RoleUser:
			report.UserMessages++
		case domain.RoleAssistant:
			report.AssistantMessages++
		}
		report.TokensLocal += r.TokensLocal
		report.TokensFromProvider += r.TokensFromProvider
	}
	return report, nil
}

// UserUsage reports a registered user's token total across all chats and
// the chats the user was seen in.
func (u *UsageService) UserUsage(ctx context.Context, userID int64) (UserReport, error) {
	if userID == 0 {
		return UserReport{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if u.users == nil {
		return UserReport{}, newError(ErrorInternal, "user_store_unavailable", nil)
	}
	profile, found, err := u.users.GetUser(ctx, userID)
	if err != nil {
		return UserReport{}, newError(ErrorStore, "user_load_error", err)
	}
	if !found {
		return UserReport{}, newError(ErrorNotFound, "unknown_user", nil)
	}
	return buildUserReport(ctx, u.users, profile)
}

func buildUserReport(ctx context.Context, users UserStore, profile domain.UserProfile) (UserReport, error) {
	chats, err := users.ListUserChats(ctx, profile.UserID)
	if err != nil {
		return UserReport{}, newError(ErrorStore, "user_chats_load_error", err)
	}
	report := UserReport{
		UserID:       profile.UserID,
		Username:     profile.Username,
		FullName:     profile.FullName,
		IsAdmin:      profile.IsAdmin,
		RegisteredAt: profile.RegisteredAt,
		TokensTotal:  profile.TokensTotal,
		Chats:        make([]UserChatReport, 0, len(chats)),
	}
	for _, c := range chats {
		report.Chats = append(report.Chats, UserChatReport{ChatID: c.ChatID, Title: c.Title, Type: c.Type, Active: c.Active})
	}
	return report, nil
}
