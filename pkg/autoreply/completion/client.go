// Package completion implements the client for an OpenAI-compatible chat
// completions endpoint. A call is a single bounded HTTP request: the client
// never retries, callers decide what to do with a failure.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/autoreply/pkg/autoreply/history"
)

// Config configures the completion endpoint.
type Config struct {
	// BaseURL is the API root; "/chat/completions" is appended.
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer credential. Empty disables completions.
	APIKey string `yaml:"api_key"`

	// Model is the model id sent with each request.
	Model string `yaml:"model"`

	// MaxTokens caps the generated reply length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds every request end to end.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		MaxTokens:   150,
		Temperature: 0.7,
		Timeout:     30 * time.Second,
	}
}

// maxResponseBytes limits how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client sends chat completion requests.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a completion client. Zero-valued fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "completion", "model", cfg.Model),
	}
}

// Configured reports whether a credential is present.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

// Model returns the configured model id.
func (c *Client) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends systemPrompt, the prior turns and userMessage as one
// request and returns the trimmed reply text. Any failure is an
// *UpstreamError.
func (c *Client) Complete(ctx context.Context, systemPrompt string, turns []history.Turn, userMessage string) (string, error) {
	messages := make([]chatMessage, 0, len(turns)+2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, t := range turns {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	if userMessage != "" {
		messages = append(messages, chatMessage{Role: history.RoleUser, Content: userMessage})
	}
	return c.send(ctx, messages)
}

func (c *Client) send(ctx context.Context, messages []chatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", &UpstreamError{Kind: ErrorFatal, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &UpstreamError{Kind: ErrorFatal, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending chat completion", "messages", len(messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", transportError(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode, string(respBody))
		c.logger.Warn("completion API error",
			"status", resp.StatusCode,
			"kind", kind.String(),
			"body", truncate(string(respBody), 300))
		return "", &UpstreamError{Kind: kind, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &UpstreamError{Kind: ErrorFatal, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &UpstreamError{Kind: ErrorFatal, Err: fmt.Errorf("API error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &UpstreamError{Kind: ErrorEmpty, Err: fmt.Errorf("no choices in response")}
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", &UpstreamError{Kind: ErrorEmpty, Err: fmt.Errorf("empty reply")}
	}

	c.logger.Info("chat completion done",
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"finish_reason", parsed.Choices[0].FinishReason)

	return content, nil
}
