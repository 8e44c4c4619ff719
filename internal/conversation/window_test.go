package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tg-llm-proxy/internal/domain"
)

func TestParseTemperature(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"1.5", 1.0},
		{"-0.3", 0.0},
		{"0,6", 0.6},
		{" 0.25 ", 0.25},
		{"1", 1.0},
		{"0", 0.0},
		{".5", 0.5},
		{"5e-1", 0.5},
		{"+0.2", 0.2},
	}
	for _, tc := range cases {
		got, err := ParseTemperature(tc.in)
		require.NoError(t, err, "in=%q", tc.in)
		require.InDelta(t, tc.want, got, 1e-9, "in=%q", tc.in)
	}
}

func TestParseTemperature_Invalid(t *testing.T) {
	for _, in := range []string{
		"abc", "", "  ", "0.5.1", "NaN", "nan",
		"inf", "+Inf", "-Infinity", "0x1p-1", "0X.8p0", "0_5", "1e999",
	} {
		_, err := ParseTemperature(in)
		require.ErrorIs(t, err, ErrInvalidTemperature, "in=%q", in)
	}
}

func TestBuildWindow_AppendsUserTurn(t *testing.T) {
	history := []domain.MessageRecord{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "   "},
	}
	got := BuildWindow(history, "how are you?")
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you?"},
	}, got)
}

func TestBuildWindow_EmptyHistory(t *testing.T) {
	got := BuildWindow(nil, "first")
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "first"}}, got)
}
