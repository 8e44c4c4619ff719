package telegrambot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
	"tg-llm-proxy/internal/usecase"
)

const (
	callbackModelPrefix = "model:"
	callbackCancel      = "cancel"
	maxCallbackData     = 64
)

const notAddedText = "The bot is not added to this topic.\n" +
	"To add it, send an invite link to this topic to the bot in a private chat, or send /start. " +
	"To stop the bot in a topic, send /stop."

const notAddedCallbackText = "The bot is not added to this topic."

// handleCommand runs one slash command. /start, /stop, /hello and
// /i_am_admin work in every topic; the rest need the topic to be allowed.
func (b *Bot) handleCommand(ctx context.Context, id identity, msg *telegram.Message, name, args string) {
	switch name {
	case "/start":
		b.cmdStart(ctx, id, msg)
		return
	case "/stop":
		b.cmdStop(ctx, id, msg)
		return
	case "/hello":
		b.replyPlain(ctx, id, msg.MessageID, fmt.Sprintf("Hello, %s!", firstNameOrFallback(id.firstName)))
		return
	case "/i_am_admin":
		b.cmdClaimAdmin(ctx, id, msg, args)
		return
	}

	allowed, err := b.allowed(ctx, id)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, name, err)
		return
	}
	if !allowed {
		b.replyPlain(ctx, id, msg.MessageID, notAddedText)
		return
	}

	switch name {
	case "/clear":
		b.cmdClear(ctx, id, msg)
	case "/info":
		b.cmdInfo(ctx, id, msg)
	case "/models":
		b.cmdModels(ctx, id, msg)
	case "/prompt":
		b.cmdPrompt(ctx, id, msg)
	case "/temperature":
		b.cmdTemperature(ctx, id, msg)
	case "/cancel":
		if b.conv.Cancel(id.key) {
			b.replyPlain(ctx, id, msg.MessageID, "Cancelled.")
			return
		}
		b.replyPlain(ctx, id, msg.MessageID, "Nothing to cancel.")
	case "/empty":
		b.cmdEmpty(ctx, id, msg)
	case "/usage":
		b.cmdUsage(ctx, id, msg)
	case "/user":
		b.cmdUser(ctx, id, msg)
	case "/admin_users":
		b.cmdAdminUsers(ctx, id, msg)
	default:
		b.logger.Debug("telegram_unknown_command", "command", name, "chat_id", id.key.ChatID)
	}
}

func (b *Bot) cmdStart(ctx context.Context, id identity, msg *telegram.Message) {
	already, err := b.conv.Start(ctx, id.key, id.actorID)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/start", err)
		return
	}
	if already {
		b.replyPlain(ctx, id, msg.MessageID, "The bot is already here.")
		return
	}
	b.logger.Info("topic_allowed", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "user_id", id.actorID)
	b.replyPlain(ctx, id, msg.MessageID, "Bot added. It will answer your messages here. Send /stop to remove it.")
}

func (b *Bot) cmdStop(ctx context.Context, id identity, msg *telegram.Message) {
	removed, err := b.conv.Stop(ctx, id.key, id.actorID)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/stop", err)
		return
	}
	if !removed {
		b.replyPlain(ctx, id, msg.MessageID, "The bot was not active here.")
		return
	}
	b.logger.Info("topic_revoked", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "user_id", id.actorID)
	b.replyPlain(ctx, id, msg.MessageID,
		"The bot left this topic. To add it again, send an invite link to the bot in a private chat or send /start.")
}

func (b *Bot) handleInvite(ctx context.Context, id identity, msg *telegram.Message, key domain.ConversationKey) {
	already, err := b.conv.Start(ctx, key, id.actorID)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "invite", err)
		return
	}
	if already {
		b.replyPlain(ctx, id, msg.MessageID, "The bot is already active in that topic.")
		return
	}
	b.logger.Info("topic_allowed", "chat_id", key.ChatID, "topic_id", key.TopicID, "user_id", id.actorID, "via", "invite_link")
	b.replyPlain(ctx, id, msg.MessageID, "Bot added to the topic.")
}

func (b *Bot) cmdClear(ctx context.Context, id identity, msg *telegram.Message) {
	info, err := b.conv.ClearContext(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/clear", err)
		return
	}
	b.replyMarkdown(ctx, id, msg.MessageID, formatTopicInfo(id, info, false)+"\nContext cleared.")
}

func (b *Bot) cmdInfo(ctx context.Context, id identity, msg *telegram.Message) {
	info, err := b.conv.TopicInfo(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/info", err)
		return
	}
	b.replyMarkdown(ctx, id, msg.MessageID, formatTopicInfo(id, info, true))
}

func (b *Bot) cmdModels(ctx context.Context, id identity, msg *telegram.Message) {
	models, err := b.conv.Models(ctx)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/models", err)
		return
	}
	_, err = b.api.SendMessage(ctx, telegram.SendMessage{
		ChatID:           id.key.ChatID,
		MessageThreadID:  threadID(id.key),
		Text:             "Choose a model:",
		ReplyToMessageID: msg.MessageID,
		ReplyMarkup:      modelKeyboard(models),
	})
	if err != nil {
		b.logger.Error("telegram_deliver_error", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "error", err.Error())
	}
}

// modelKeyboard lays out one model per row followed by a cancel button.
// Models whose callback data would exceed the Bot API limit are left out.
func modelKeyboard(models []string) *telegram.InlineKeyboardMarkup {
	rows := make([][]telegram.InlineKeyboardButton, 0, len(models)+1)
	for _, m := range models {
		data := callbackModelPrefix + m
		if len(data) > maxCallbackData {
			continue
		}
		rows = append(rows, []telegram.InlineKeyboardButton{{Text: m, CallbackData: data}})
	}
	rows = append(rows, []telegram.InlineKeyboardButton{{Text: "Cancel", CallbackData: callbackCancel}})
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (b *Bot) cmdPrompt(ctx context.Context, id identity, msg *telegram.Message) {
	settings, err := b.conv.BeginPrompt(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/prompt", err)
		return
	}
	b.replyMarkdown(ctx, id, msg.MessageID,
		"Send the new prompt, /cancel to abort or /empty to reset the prompt.\n"+
			"Current prompt: "+formatPrompt(settings.SystemPrompt))
}

func (b *Bot) cmdTemperature(ctx context.Context, id identity, msg *telegram.Message) {
	settings, err := b.conv.BeginTemperature(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/temperature", err)
		return
	}
	b.replyPlain(ctx, id, msg.MessageID, fmt.Sprintf(
		"Send a temperature between 0 and 1 (how creative and unpredictable the model is), /cancel to abort or /empty to reset.\n"+
			"Current temperature: %s\nDefault temperature: %s",
		formatFloat(settings.Temperature), formatFloat(b.conv.DefaultTemperature())))
}

func (b *Bot) cmdEmpty(ctx context.Context, id identity, msg *telegram.Message) {
	result, err := b.conv.Empty(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/empty", err)
		return
	}
	switch result {
	case usecase.EmptyPromptCleared:
		b.replyPlain(ctx, id, msg.MessageID, "Prompt reset.")
	case usecase.EmptyTemperatureReset:
		b.replyPlain(ctx, id, msg.MessageID, "Temperature reset.")
	default:
		b.replyPlain(ctx, id, msg.MessageID, "Nothing to reset.")
	}
}

func (b *Bot) cmdUsage(ctx context.Context, id identity, msg *telegram.Message) {
	report, err := b.usage.Usage(ctx, id.key)
	if err != nil {
		b.replyFailure(ctx, id, msg.MessageID, "/usage", err)
		return
	}
	b.replyPlain(ctx, id, msg.MessageID, formatUsage(report))
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.Message == nil {
		if err := b.api.AnswerCallbackQuery(ctx, cb.ID, "This menu has expired."); err != nil {
			b.logger.Debug("telegram_answer_callback_error", "error", err.Error())
		}
		return
	}
	id := resolveIdentity(cb.Message, &cb.From)

	answer := ""
	text := ""
	switch {
	case cb.Data == callbackCancel:
		text = "Cancelled."
	case strings.HasPrefix(cb.Data, callbackModelPrefix):
		allowed, err := b.allowed(ctx, id)
		if err != nil {
			b.logger.Error("command_failed",
				"command", "change_model",
				"chat_id", id.key.ChatID,
				"topic_id", id.key.TopicID,
				"code", string(usecase.CodeOf(err)),
				"error", err.Error(),
			)
			answer = usecase.UserMessage(err)
			break
		}
		if !allowed {
			answer = notAddedCallbackText
			break
		}
		model := strings.TrimPrefix(cb.Data, callbackModelPrefix)
		if err := b.conv.ChangeModel(ctx, id.key, model); err != nil {
			b.logger.Error("command_failed",
				"command", "change_model",
				"chat_id", id.key.ChatID,
				"topic_id", id.key.TopicID,
				"code", string(usecase.CodeOf(err)),
				"error", err.Error(),
			)
			answer = usecase.UserMessage(err)
			break
		}
		b.logger.Info("model_changed", "chat_id", id.key.ChatID, "topic_id", id.key.TopicID, "model", model)
		text = "Selected model: " + model
	default:
		b.logger.Debug("telegram_unknown_callback", "data", cb.Data)
	}

	if err := b.api.AnswerCallbackQuery(ctx, cb.ID, answer); err != nil {
		b.logger.Debug("telegram_answer_callback_error", "error", err.Error())
	}
	if text == "" {
		return
	}
	err := b.api.EditMessageText(ctx, telegram.EditMessageText{
		ChatID:    cb.Message.Chat.ID,
		MessageID: cb.Message.MessageID,
		Text:      text,
	})
	if err != nil {
		b.logger.Error("telegram_edit_error", "chat_id", id.key.ChatID, "error", err.Error())
	}
}

func firstNameOrFallback(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

func formatPrompt(prompt *string) string {
	if prompt == nil || strings.TrimSpace(*prompt) == "" {
		return "<not set>"
	}
	return "`" + *prompt + "`"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTopicInfo(id identity, info usecase.TopicInfo, withPrompt bool) string {
	var sb strings.Builder
	where := "this chat"
	if id.chatTitle != "" {
		where = "chat `" + id.chatTitle + "`"
	}
	fmt.Fprintf(&sb, "Info for %s (%d)\n\n", where, id.key.TopicID)
	fmt.Fprintf(&sb, "Model: `%s`\n", info.Settings.Model)
	if withPrompt {
		fmt.Fprintf(&sb, "Prompt: %s\n", formatPrompt(info.Settings.SystemPrompt))
	}
	fmt.Fprintf(&sb, "Temperature (0 to 1): %s\n", formatFloat(info.Settings.Temperature))
	fmt.Fprintf(&sb, "Context:\n    messages: %d\n    tokens: %d", info.ContextMessages, info.ContextTokens)
	return sb.String()
}

func formatUsage(r usecase.UsageReport) string {
	return fmt.Sprintf(
		"Usage for %d/%d\n\nModel: %s\nMessages: %d (user %d, assistant %d)\nIn context: %d (offset %d)\n"+
			"Tokens (local estimate): %d\nTokens (provider): %d",
		r.ChatID, r.TopicID, r.Model,
		r.TotalMessages, r.UserMessages, r.AssistantMessages,
		r.ContextMessages, r.Offset,
		r.TokensLocal, r.TokensFromProvider,
	)
}
