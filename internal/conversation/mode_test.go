package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tg-llm-proxy/internal/domain"
)

func TestModeTable_DefaultsToIdle(t *testing.T) {
	m := NewModeTable()
	require.Equal(t, ModeIdle, m.Get(domain.NewConversationKey(10, 0)))
}

func TestModeTable_SetOverwrites(t *testing.T) {
	m := NewModeTable()
	key := domain.NewConversationKey(10, 4)
	m.Set(key, ModeAwaitingPrompt)
	m.Set(key, ModeAwaitingTemperature)
	require.Equal(t, ModeAwaitingTemperature, m.Get(key))
	require.Equal(t, 1, m.Len())
}

func TestModeTable_ClearReportsNothingToCancel(t *testing.T) {
	m := NewModeTable()
	key := domain.NewConversationKey(10, 4)
	require.False(t, m.Clear(key))

	m.Set(key, ModeAwaitingPrompt)
	require.True(t, m.Clear(key))
	require.Equal(t, ModeIdle, m.Get(key))
	require.False(t, m.Clear(key))
}

func TestModeTable_SetIdleRemovesEntry(t *testing.T) {
	m := NewModeTable()
	key := domain.NewConversationKey(10, 4)
	m.Set(key, ModeAwaitingPrompt)
	m.Set(key, ModeIdle)
	require.Equal(t, 0, m.Len())
}

func TestModeTable_KeysAreIndependent(t *testing.T) {
	m := NewModeTable()
	a := domain.NewConversationKey(10, 1)
	b := domain.NewConversationKey(10, 2)
	m.Set(a, ModeAwaitingPrompt)
	require.Equal(t, ModeIdle, m.Get(b))
}

func TestMode_String(t *testing.T) {
	require.Equal(t, "idle", ModeIdle.String())
	require.Equal(t, "awaiting_prompt", ModeAwaitingPrompt.String())
	require.Equal(t, "awaiting_temperature", ModeAwaitingTemperature.String())
}
