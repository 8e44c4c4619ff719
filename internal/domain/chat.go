package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// dispatcher and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is one model call: the replayed context window plus the
// per-topic generation settings.
type TurnRequest struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	UserID       int64
	Messages     []ChatMessage
}

// TurnResponse is the assistant reply and the provider-reported usage.
type TurnResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}
