package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tg-llm-proxy/internal/domain"
)

type DirectoryConfig struct {
	// AdminTokenParam names the secret that /i_am_admin compares against.
	// Empty disables admin claims.
	AdminTokenParam string
	Logger          *slog.Logger
}

type userChatKey struct {
	userID int64
	chatID int64
}

// Directory registers users and the chats they are seen in, and guards the
// admin-only user listing.
//
// Register writes at most once per user and per user/chat pair for the
// lifetime of the process; membership changes always write.
type Directory struct {
	users   UserStore
	secrets SecretStore
	cfg     DirectoryConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	seenUsers map[int64]struct{}
	seenChats map[userChatKey]struct{}
}

func NewDirectory(users UserStore, secrets SecretStore, cfg DirectoryConfig) (*Directory, error) {
	if users == nil {
		return nil, errors.New("usecase: user store must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("usecase: secret store must not be nil")
	}
	cfg.AdminTokenParam = strings.TrimSpace(cfg.AdminTokenParam)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		users:     users,
		secrets:   secrets,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		seenUsers: make(map[int64]struct{}),
		seenChats: make(map[userChatKey]struct{}),
	}, nil
}

// Register makes sure the user has a profile and is linked to the chat.
func (d *Directory) Register(ctx context.Context, user domain.UserProfile, chat domain.UserChat) error {
	chat.UserID = user.UserID
	chatKey := userChatKey{userID: user.UserID, chatID: chat.ChatID}

	d.mu.Lock()
	_, userSeen := d.seenUsers[user.UserID]
	_, chatSeen := d.seenChats[chatKey]
	d.mu.Unlock()

	if !userSeen {
		if _, err := d.users.EnsureUser(ctx, user); err != nil {
			return newError(ErrorStore, "user_register_error", err)
		}
		d.mu.Lock()
		d.seenUsers[user.UserID] = struct{}{}
		d.mu.Unlock()
	}
	if !chatSeen {
		chat.Active = true
		chat.UpdatedAt = d.now().UTC()
		if err := d.users.RecordUserChat(ctx, chat); err != nil {
			return newError(ErrorStore, "user_chat_register_error", err)
		}
		d.mu.Lock()
		d.seenChats[chatKey] = struct{}{}
		d.mu.Unlock()
	}
	return nil
}

// MembershipChanged records that the bot joined or left a chat because of
// user: added to or removed from a group, unblocked or blocked in a private
// chat.
func (d *Directory) MembershipChanged(ctx context.Context, user domain.UserProfile, chat domain.UserChat, joined bool) error {
	if _, err := d.users.EnsureUser(ctx, user); err != nil {
		return newError(ErrorStore, "user_register_error", err)
	}
	chat.UserID = user.UserID
	chat.Active = joined
	chat.UpdatedAt = d.now().UTC()
	if err := d.users.RecordUserChat(ctx, chat); err != nil {
		return newError(ErrorStore, "user_chat_register_error", err)
	}

	key := userChatKey{userID: user.UserID, chatID: chat.ChatID}
	d.mu.Lock()
	d.seenUsers[user.UserID] = struct{}{}
	if joined {
		d.seenChats[key] = struct{}{}
	} else {
		delete(d.seenChats, key)
	}
	d.mu.Unlock()

	d.logger.Info("chat_membership_changed",
		"user_id", user.UserID,
		"chat_id", chat.ChatID,
		"chat_type", chat.Type,
		"joined", joined,
	)
	return nil
}

// ClaimAdmin grants admin rights when token matches the configured secret.
func (d *Directory) ClaimAdmin(ctx context.Context, userID int64, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" || d.cfg.AdminTokenParam == "" {
		return false, nil
	}
	expected, err := d.secrets.Token(ctx, d.cfg.AdminTokenParam)
	if err != nil {
		return false, newError(ErrorInternal, "admin_token_load_error", err)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		d.logger.Warn("admin_claim_rejected", "user_id", userID)
		return false, nil
	}
	if err := d.users.SetAdmin(ctx, userID, true); err != nil {
		return false, newError(ErrorStore, "admin_write_error", err)
	}
	d.logger.Info("admin_claim_accepted", "user_id", userID)
	return true, nil
}

// Users lists every registered user for an admin. ok is false when the
// requester is not an admin.
func (d *Directory) Users(ctx context.Context, requesterID int64) ([]UserReport, bool, error) {
	requester, found, err := d.users.GetUser(ctx, requesterID)
	if err != nil {
		return nil, false, newError(ErrorStore, "user_load_error", err)
	}
	if !found || !requester.IsAdmin {
		return nil, false, nil
	}
	profiles, err := d.users.ListUsers(ctx)
	if err != nil {
		return nil, false, newError(ErrorStore, "users_load_error", err)
	}
	reports := make([]UserReport, 0, len(profiles))
	for _, p := range profiles {
		r, err := buildUserReport(ctx, d.users, p)
		if err != nil {
			return nil, false, err
		}
		reports = append(reports, r)
	}
	return reports, true, nil
}
