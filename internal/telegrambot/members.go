package telegrambot

import (
	"context"
	"strings"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
)

func profileOf(u *telegram.User) domain.UserProfile {
	return domain.UserProfile{
		UserID:   u.ID,
		Username: u.Username,
		FullName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}

func chatOf(c telegram.Chat) domain.UserChat {
	title := c.Title
	if title == "" {
		title = c.Username
	}
	if title == "" {
		title = c.FirstName
	}
	return domain.UserChat{ChatID: c.ID, Title: title, Type: c.Type}
}

// register records the sender and the chat before anything else runs.
// Failures are logged and never block the message.
func (b *Bot) register(ctx context.Context, msg *telegram.Message) {
	if err := b.dir.Register(ctx, profileOf(msg.From), chatOf(msg.Chat)); err != nil {
		b.logger.Warn("user_register_failed", "user_id", msg.From.ID, "chat_id", msg.Chat.ID, "error", err.Error())
	}
}

func isMember(m telegram.ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	default:
		return false
	}
}

// membershipChange reports whether the bot joined or left the chat. changed
// is false for updates that keep membership as it was, such as a promotion.
func membershipChange(u *telegram.ChatMemberUpdated) (joined, changed bool) {
	was, is := isMember(u.OldChatMember), isMember(u.NewChatMember)
	if was == is {
		return false, false
	}
	return is, true
}

// handleMembership tracks the bot being added to or removed from groups and
// being unblocked or blocked in private chats.
func (b *Bot) handleMembership(ctx context.Context, u *telegram.ChatMemberUpdated) {
	joined, changed := membershipChange(u)
	if !changed || u.From.IsBot {
		return
	}
	switch u.Chat.Type {
	case "private", "group", "supergroup":
	default:
		b.logger.Debug("telegram_membership_ignored", "chat_id", u.Chat.ID, "chat_type", u.Chat.Type)
		return
	}
	if err := b.dir.MembershipChanged(ctx, profileOf(&u.From), chatOf(u.Chat), joined); err != nil {
		b.logger.Error("membership_update_failed", "chat_id", u.Chat.ID, "user_id", u.From.ID, "error", err.Error())
	}
}
