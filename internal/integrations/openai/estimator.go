package openai

import (
	"sync"
	"unicode/utf8"

	"tg-llm-proxy/internal/domain"
)

const (
	defaultCharsPerToken = 4.0
	smoothingFactor      = 0.3
)

// charEstimator estimates token counts from character counts. The ratio
// starts at 4 characters per token and follows the provider's reported
// prompt usage with an exponential moving average.
type charEstimator struct {
	mu            sync.Mutex
	charsPerToken float64
}

func newCharEstimator() *charEstimator {
	return &charEstimator{charsPerToken: defaultCharsPerToken}
}

// estimate rounds up; an empty text costs nothing.
func (e *charEstimator) estimate(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}
	return int(float64(chars)/e.ratio()) + 1
}

// observe calibrates the ratio with the size of a prompt and the token
// count the provider billed for it.
func (e *charEstimator) observe(messages []domain.ChatMessage, promptTokens int) {
	if promptTokens <= 0 {
		return
	}
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	if chars == 0 {
		return
	}
	observed := float64(chars) / float64(promptTokens)
	e.mu.Lock()
	e.charsPerToken = smoothingFactor*observed + (1-smoothingFactor)*e.charsPerToken
	e.mu.Unlock()
}

func (e *charEstimator) ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.charsPerToken
}
