package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL     = "https://api.telegram.org"
	defaultPollTimeout = 30 * time.Second
	defaultHTTPTimeout = 60 * time.Second
)

// TokenGetter resolves the bot token. paramstore.Client satisfies it.
type TokenGetter interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a failed Bot API call. The bot token is never included.
type HTTPStatusError struct {
	StatusCode  int
	Method      string
	Description string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: %s failed with status %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a small Telegram Bot API client over net/http.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenGetter
	paramPrefix string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimRight(strings.TrimSpace(baseURL), "/"); b != "" {
			c.baseURL = b
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The bot token is read from the parameter
// <paramPrefix>/telegram-bot-token on the first call.
func NewClient(tokens TokenGetter, paramPrefix string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("telegram: token getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		tokens:      tokens,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = c.tokens.Token(ctx, c.paramPrefix+"/telegram-bot-token")
		if c.tokenErr != nil {
			c.tokenErr = fmt.Errorf("telegram: resolve bot token: %w", c.tokenErr)
		}
	})
	return c.token, c.tokenErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// call posts payload to the Bot API method and decodes the result into out
// when out is non-nil.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		// The URL carries the token; report the method only.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var env apiResponse
	decErr := json.Unmarshal(raw, &env)
	if res.StatusCode < 200 || res.StatusCode >= 300 || decErr != nil || !env.OK {
		status := res.StatusCode
		if env.ErrorCode != 0 {
			status = env.ErrorCode
		}
		desc := env.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
			if len(desc) > 512 {
				desc = desc[:512]
			}
		}
		return &HTTPStatusError{StatusCode: status, Method: method, Description: desc}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, "getMe", struct{}{}, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUpdates long-polls for updates starting at offset and returns them with
// the offset to use next.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(reqCtx, "getUpdates", getUpdates{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message", "callback_query", "my_chat_member"},
	}, &updates)
	if err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

func (c *Client) SendMessage(ctx context.Context, msg SendMessage) (Message, error) {
	var out Message
	if err := c.call(ctx, "sendMessage", msg, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (c *Client) EditMessageText(ctx context.Context, edit EditMessageText) error {
	return c.call(ctx, "editMessageText", edit, nil)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackQuery{CallbackQueryID: id, Text: text}, nil)
}

func (c *Client) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	if strings.TrimSpace(action) == "" {
		action = ActionTyping
	}
	return c.call(ctx, "sendChatAction", sendChatAction{ChatID: chatID, MessageThreadID: threadID, Action: action}, nil)
}
