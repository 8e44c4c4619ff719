package telegrambot

import (
	"regexp"
	"strconv"
	"strings"

	"tg-llm-proxy/internal/domain"
	"tg-llm-proxy/internal/integrations/telegram"
)

// supergroupIDBase turns the bare id of a t.me/c link into a Bot API chat id.
const supergroupIDBase int64 = -1000000000000

var inviteLinkPattern = regexp.MustCompile(`^https?://t\.me/c/(\d+)/(\d+)`)

// identity is who wrote a message and which conversation it belongs to.
type identity struct {
	key       domain.ConversationKey
	actorID   int64
	firstName string
	chatType  string
	chatTitle string
	forum     bool
}

func (id identity) private() bool {
	return id.chatType == "private"
}

func resolveIdentity(msg *telegram.Message, from *telegram.User) identity {
	var topicID int64
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		topicID = msg.MessageThreadID
	}
	id := identity{
		key:       domain.NewConversationKey(msg.Chat.ID, topicID),
		chatType:  msg.Chat.Type,
		chatTitle: msg.Chat.Title,
		forum:     msg.Chat.IsForum && (msg.Chat.Type == "supergroup" || msg.Chat.Type == "group"),
	}
	if from != nil {
		id.actorID = from.ID
		id.firstName = from.FirstName
	}
	if id.chatTitle == "" {
		id.chatTitle = msg.Chat.Username
	}
	return id
}

// parseInviteLink extracts the conversation from a https://t.me/c/<chat>/<topic>
// link.
func parseInviteLink(text string) (domain.ConversationKey, bool) {
	m := inviteLinkPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return domain.ConversationKey{}, false
	}
	chat, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || chat <= 0 {
		return domain.ConversationKey{}, false
	}
	topic, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || topic <= 0 {
		return domain.ConversationKey{}, false
	}
	return domain.NewConversationKey(normalizeChatID(chat), topic), true
}

func normalizeChatID(chatID int64) int64 {
	if chatID > 0 {
		return supergroupIDBase - chatID
	}
	return chatID
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeSlashCommand lowercases cmd and strips a "@BotName" suffix. It
// returns "" when cmd is not a command or names a different bot.
func normalizeSlashCommand(cmd, botUsername string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		target := cmd[at+1:]
		cmd = cmd[:at]
		if botUsername != "" && !strings.EqualFold(target, botUsername) {
			return ""
		}
	}
	return strings.ToLower(cmd)
}
