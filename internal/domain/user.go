package domain

import "time"

// UserProfile is a Telegram user the bot has talked to.
//
// TokensTotal is the running sum of provider-billed tokens over every
// exchange the user started, in any chat.
type UserProfile struct {
	UserID       int64
	Username     string
	FullName     string
	IsAdmin      bool
	TokensTotal  int
	RegisteredAt time.Time
}

// DisplayName prefers the username over the full name.
func (u UserProfile) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FullName
}

// UserChat links a user to a chat the bot has seen them in. Active is false
// once the bot was removed from the chat or blocked in it.
type UserChat struct {
	UserID    int64
	ChatID    int64
	Title     string
	Type      string
	Active    bool
	UpdatedAt time.Time
}
