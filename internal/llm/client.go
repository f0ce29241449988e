package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/logging"
	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float32
	// HistorySize caps remembered messages per speaker; zero disables memory.
	HistorySize int
	HTTPClient  *http.Client
}

// Client generates replies through any OpenAI-compatible chat endpoint
// (OpenAI, ollama, vLLM) and keeps a short history per speaker.
type Client struct {
	api *openai.Client
	cfg Config

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	return &Client{
		api:     openai.NewClientWithConfig(oc),
		cfg:     cfg,
		history: make(map[string][]openai.ChatCompletionMessage),
	}
}

// Generate answers text from speakerID. Transient failures on the primary
// model are retried once on the fallback model.
func (c *Client) Generate(ctx context.Context, speakerID, text string) (string, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	msgs := c.messages(speakerID, user)

	reply, err := c.complete(ctx, c.cfg.Model, msgs)
	if err != nil && errors.Is(err, ErrTransient) && c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
		logging.Warnw("llm: primary model failed, trying fallback", "model", c.cfg.Model, "fallback", c.cfg.FallbackModel, "err", err)
		reply, err = c.complete(ctx, c.cfg.FallbackModel, msgs)
	}
	if err != nil {
		return "", err
	}
	c.remember(speakerID, user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
	return reply, nil
}

func (c *Client) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrTransient)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	logging.Debugw("llm: completion", "model", model, "latency_ms", time.Since(start).Milliseconds(), "reply_len", len(content))
	return content, nil
}

// classify maps 5xx, 429 and transport errors to ErrTransient and every
// other status to ErrPermanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 || status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: status %d: %v", ErrPermanent, status, err)
}

func (c *Client) messages(speakerID string, user openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.history[speakerID]
	out := make([]openai.ChatCompletionMessage, 0, len(h)+2)
	if c.cfg.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	out = append(out, h...)
	return append(out, user)
}

func (c *Client) remember(speakerID string, msgs ...openai.ChatCompletionMessage) {
	if c.cfg.HistorySize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[speakerID], msgs...)
	if over := len(h) - c.cfg.HistorySize; over > 0 {
		h = append([]openai.ChatCompletionMessage(nil), h[over:]...)
	}
	c.history[speakerID] = h
}

// ResetHistory forgets one speaker, or everyone when speakerID is empty.
func (c *Client) ResetHistory(speakerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if speakerID == "" {
		c.history = make(map[string][]openai.ChatCompletionMessage)
		return
	}
	delete(c.history, speakerID)
}

// HistoryLen returns how many messages are remembered for speakerID.
func (c *Client) HistoryLen(speakerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history[speakerID])
}
