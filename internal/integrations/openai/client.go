package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tg-llm-proxy/internal/domain"
)

const (
	DefaultBaseURL       = "https://openrouter.ai/api/v1"
	defaultTimeout       = 120 * time.Second
	defaultModelCacheTTL = 5 * time.Minute
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	User        string               `json:"user,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// TokenGetter resolves the API key. paramstore.Client satisfies it.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is an OpenAI-compatible client (OpenRouter by default) for chat
// completions and the model list.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenGetter
	paramPrefix string
	modelTTL    time.Duration
	now         func() time.Time
	estimator   *charEstimator

	keyOnce sync.Once
	apiKey  string
	keyErr  error

	modelsMu      sync.Mutex
	models        []string
	modelsFetched time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModelCacheTTL sets how long a fetched model list is reused.
func WithModelCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.modelTTL = ttl
		}
	}
}

// NewClient creates a new Client. The API key is read from the parameter
// <paramPrefix>/llm-api-token on the first request and reused for the
// lifetime of the process.
func NewClient(tokens TokenGetter, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		tokens:      tokens,
		paramPrefix: paramPrefix,
		modelTTL:    defaultModelCacheTTL,
		now:         time.Now,
		estimator:   newCharEstimator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.tokens.Token(ctx, c.tokenParameterName())
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("openai: resolve API key: %w", c.keyErr)
		}
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/llm-api-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// endpointURL joins the base URL and path. Bases without a version segment
// get /v1 as OpenAI does.
func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// SendTurn sends the system prompt and the conversation window and returns
// the first choice with the provider's token usage.
func (c *Client) SendTurn(ctx context.Context, turn domain.TurnRequest) (domain.TurnResponse, error) {
	if strings.TrimSpace(turn.Model) == "" {
		return domain.TurnResponse{}, errors.New("openai: model must not be empty")
	}
	if len(turn.Messages) == 0 {
		return domain.TurnResponse{}, errors.New("openai: messages must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.TurnResponse{}, err
	}

	messages := make([]domain.ChatMessage, 0, len(turn.Messages)+1)
	if prompt := strings.TrimSpace(turn.SystemPrompt); prompt != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: turn.SystemPrompt})
	}
	messages = append(messages, turn.Messages...)

	temperature := turn.Temperature
	payload := chatRequest{
		Model:       turn.Model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   turn.MaxTokens,
	}
	if turn.UserID != 0 {
		payload.User = strconv.FormatInt(turn.UserID, 10)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TurnResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := endpointURL(c.baseURL, "/chat/completions")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.TurnResponse{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.TurnResponse{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var out chatResponse
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return domain.TurnResponse{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(out.Choices) == 0 {
		return domain.TurnResponse{}, errors.New("openai: no choices in response")
	}
	c.estimator.observe(messages, out.Usage.PromptTokens)

	model := out.Model
	if model == "" {
		model = turn.Model
	}
	return domain.TurnResponse{
		Text:         out.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// CountTokens estimates the token count of text locally.
func (c *Client) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return c.estimator.estimate(text), nil
}

// ListModels returns the sorted model ids offered by the backend. The list
// is cached for the configured TTL; a failed refresh is not cached.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	if c.models != nil && c.now().Sub(c.modelsFetched) < c.modelTTL {
		return append([]string(nil), c.models...), nil
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	url := endpointURL(c.baseURL, "/models")
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if reqErr != nil {
		return nil, fmt.Errorf("openai: create models request: %w", reqErr)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("openai: models request failed: %w", err)
	}
	var out modelsResponse
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return nil, fmt.Errorf("openai: decode models response: %w", decErr)
	}
	models := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		if id := strings.TrimSpace(m.ID); id != "" {
			models = append(models, id)
		}
	}
	if len(models) == 0 {
		return nil, errors.New("openai: no models in response")
	}
	sort.Strings(models)

	c.models = models
	c.modelsFetched = c.now()
	return append([]string(nil), models...), nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
