package telegrambot

import (
	"context"
	"fmt"
	"strings"

	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/usecase"
)

const registeredLayout = "2006-01-02 15:04:05"

func (b *Bot) cmdUser(ctx context.Context, id identity, msg *telegram.Message) {
	report, err := b.usage.UserUsage(ctx, id.actorID)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/user", err)
		return
	}
	b.replyPlain(ctx, id, msg.MessageID, "User info:\n\n"+formatUserReport(report))
}

// cmdAdminUsers stays silent for anyone who is not an admin.
func (b *Bot) cmdAdminUsers(ctx context.Context, id identity, msg *telegram.Message) {
	reports, ok, err := b.dir.Users(ctx, id.actorID)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/admin_users", err)
		return
	}
	if !ok {
		b.logger.Debug("admin_users_denied", "user_id", id.actorID)
		return
	}
	if len(reports) == 0 {
		b.replyPlain(ctx, id, msg.MessageID, "No users yet.")
		return
	}
	blocks := make([]string, 0, len(reports))
	for _, r := range reports {
		blocks = append(blocks, formatUserReport(r))
	}
	b.replyPlain(ctx, id, msg.MessageID, fmt.Sprintf("Users: %d\n\n", len(reports))+strings.Join(blocks, "\n\n"))
}

func (b *Bot) cmdClaimAdmin(ctx context.Context, id identity, msg *telegram.Message, args string) {
	if !id.private() {
		b.replyPlain(ctx, id, msg.MessageID, "Send /i_am_admin in a private chat with the bot.")
		return
	}
	token := strings.TrimSpace(args)
	if token == "" {
		b.replyPlain(ctx, id, msg.MessageID, "Usage: /i_am_admin <token>")
		return
	}
	ok, err := b.dir.ClaimAdmin(ctx, id.actorID, token)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/i_am_admin", err)
		return
	}
	if !ok {
		b.replyPlain(ctx, id, msg.MessageID, "No.")
		return
	}
	b.replyPlain(ctx, id, msg.MessageID, "Token accepted.")
}

func formatUserReport(r usecase.UserReport) string {
	var sb strings.Builder
	name := r.Username
	if name == "" {
		name = r.FullName
	}
	fmt.Fprintf(&sb, "Username: %s\n", name)
	fmt.Fprintf(&sb, "User ID: %d\n", r.UserID)
	if r.RegisteredAt.IsZero() {
		sb.WriteString("Registered: unknown\n")
	} else {
		fmt.Fprintf(&sb, "Registered: %s\n", r.RegisteredAt.UTC().Format(registeredLayout))
	}
	if r.IsAdmin {
		sb.WriteString("Admin: yes\n")
	}
	fmt.Fprintf(&sb, "Tokens: %d\n", r.TokensTotal)
	sb.WriteString("Chats: " + formatChats(r.Chats))
	return sb.String()
}

func formatChats(chats []usecase.UserChatReport) string {
	if len(chats) == 0 {
		return "none"
	}
	names := make([]string, 0, len(chats))
	for _, c := range chats {
		name := c.Title
		if name == "" {
			name = fmt.Sprintf("%d", c.ChatID)
		}
		if !c.Active {
			name += " (left)"
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
