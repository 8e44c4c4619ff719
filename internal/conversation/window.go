package conversation

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"tg-llm-proxy/internal/domain"
)

const (
	MinTemperature = 0.0
	MaxTemperature = 1.0
)

var ErrInvalidTemperature = errors.New("conversation: temperature is not a number")

// decimalPattern admits plain decimal notation with an optional exponent.
// ParseFloat alone would also take inf, nan, hex floats and underscores.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// BuildWindow converts the records of the active context into chat messages
// and appends the new user turn. Records with empty content are skipped.
func BuildWindow(history []domain.MessageRecord, userText string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	for _, r := range history {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: string(r.Role), Content: r.Content})
	}
	return append(messages, domain.ChatMessage{Role: string(domain.RoleUser), Content: userText})
}

// ParseTemperature parses a decimal value, accepting ',' as the decimal
// separator, and clamps it to [MinTemperature, MaxTemperature].
func ParseTemperature(raw string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if s == "" {
		return 0, ErrInvalidTemperature
	}
	if !decimalPattern.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTemperature, raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTemperature, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTemperature, raw)
	}
	return ClampTemperature(v), nil
}

func ClampTemperature(v float64) float64 {
	if v > MaxTemperature {
		return MaxTemperature
	}
	if v < MinTemperature {
		return MinTemperature
	}
	return v
}
