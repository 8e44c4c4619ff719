package conversation

import (
	"sync"

	"tg-llm-proxy/internal/domain"
)

// Mode is what a conversation expects its next piece of plain text to be.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitingPrompt
	ModeAwaitingTemperature
)

func (m Mode) String() string {
	switch m {
	case ModeAwaitingPrompt:
		return "awaiting_prompt"
	case ModeAwaitingTemperature:
		return "awaiting_temperature"
	default:
		return "idle"
	}
}

// ModeTable maps conversations to their current input mode. An absent entry
// is ModeIdle. Entries live until cleared; there is no expiry.
type ModeTable struct {
	mu    sync.RWMutex
	modes map[domain.ConversationKey]Mode
}

func NewModeTable() *ModeTable {
	return &ModeTable{modes: make(map[domain.ConversationKey]Mode)}
}

func (t *ModeTable) Get(key domain.ConversationKey) Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modes[key]
}

// Set overwrites any active mode. Setting ModeIdle removes the entry.
func (t *ModeTable) Set(key domain.ConversationKey, mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mode == ModeIdle {
		delete(t.modes, key)
		return
	}
	t.modes[key] = mode
}

// Clear resets key to idle and reports whether a mode was active.
func (t *ModeTable) Clear(key domain.ConversationKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.modes[key]; !ok {
		return false
	}
	delete(t.modes, key)
	return true
}

// Len returns the number of conversations with a non-idle mode.
func (t *ModeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.modes)
}
