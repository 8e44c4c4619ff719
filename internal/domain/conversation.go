package domain

import (
	"math"
	"time"
)

// DefaultTopicID is used when the platform has no sub-thread for a message
// (private chats, non-forum groups, the general topic of a forum).
const DefaultTopicID int64 = 1

// ConversationKey identifies one thread of dialogue.
type ConversationKey struct {
	ChatID  int64
	TopicID int64
}

// NewConversationKey builds a key, substituting DefaultTopicID for a zero topic.
func NewConversationKey(chatID, topicID int64) ConversationKey {
	if topicID == 0 {
		topicID = DefaultTopicID
	}
	return ConversationKey{ChatID: chatID, TopicID: topicID}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FallbackTemperature is the default temperature when none is configured.
const FallbackTemperature = 0.7

// ResolveDefaultTemperature applies one rule to a configured default
// temperature: a negative or NaN value means unset, anything above 1 is
// clamped to 1, and 0 is kept.
func ResolveDefaultTemperature(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return FallbackTemperature
	}
	return math.Min(v, 1)
}

// TopicSettings are the per chat/topic generation settings.
//
// Offset is the number of persisted messages, in chronological order,
// excluded from the replayed context. It only ever grows.
type TopicSettings struct {
	ChatID       int64
	TopicID      int64
	Offset       int
	Model        string
	SystemPrompt *string
	Temperature  float64
	UpdatedAt    time.Time
}

// Key returns the conversation key the settings belong to.
func (s TopicSettings) Key() ConversationKey {
	return ConversationKey{ChatID: s.ChatID, TopicID: s.TopicID}
}

// Prompt returns the system prompt or an empty string when unset.
func (s TopicSettings) Prompt() string {
	if s.SystemPrompt == nil {
		return ""
	}
	return *s.SystemPrompt
}

// MessageRecord is one half of an exchange. Records are append-only.
type MessageRecord struct {
	ID                 string
	ExchangeID         string
	ChatID             int64
	TopicID            int64
	UserID             int64
	Role               Role
	Content            string
	ContextSize        int
	Model              string
	TokensLocal        int
	TokensFromProvider int
	Timestamp          time.Time
}

// AllowedTopic is one allow-list entry: the bot may answer UserID in the
// given chat topic while Allowed is true.
type AllowedTopic struct {
	ChatID  int64
	TopicID int64
	UserID  int64
	Allowed bool
}
