// Package llm talks to an OpenAI-compatible chat completions endpoint and
// turns conversations into short messages.
package llm

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

	"golang.org/x/time/rate"

	logx "autochat/pkg/logx"
)

var (
	ErrDisabled = errors.New("llm: disabled")
	ErrNoKey    = errors.New("llm: no api key configured")
	ErrEmpty    = errors.New("llm: empty completion")
)

type Config struct {
	Enabled      bool
	BaseURL      string
	APIKeys      []string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	RatePerSec   float64
	SystemPrompt string
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4.1-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderError is a non-2xx answer from the endpoint.
type ProviderError struct {
	Status  int
	Message string
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.Status, e.Message)
}

// retryable reports whether another key may succeed.
func (e ProviderError) retryable() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Status == http.StatusTooManyRequests
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is a minimal chat completions client with key rotation and a
// request rate limit.
type Client struct {
	log  logx.Logger
	http *http.Client

	mu      sync.RWMutex
	cfg     Config
	keys    *Rotator
	limiter *rate.Limiter
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log.With(logx.String("comp", "llm")), http: &http.Client{}}
	c.Apply(cfg)
	return c
}

// Apply swaps configuration; in-flight requests keep the old one.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	burst := max(int(cfg.RatePerSec), 1)
	c.mu.Lock()
	c.cfg = cfg
	c.keys = NewRotator(cfg.APIKeys)
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	c.mu.Unlock()
}

func (c *Client) state() (Config, *Rotator, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.keys, c.limiter
}

// Complete sends msgs and returns the first choice's content. Auth and rate
// limit failures are retried once per remaining key.
func (c *Client) Complete(ctx context.Context, msgs []Message) (string, error) {
	cfg, keys, limiter := c.state()
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	attempts := keys.Len()
	if attempts == 0 {
		return "", ErrNoKey
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	for range attempts {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("llm: rate wait: %w", err)
		}
		out, err := c.do(ctx, cfg, keys.Next(), msgs)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var pe ProviderError
		if !errors.As(err, &pe) || !pe.retryable() {
			break
		}
		c.log.Warn("llm key rejected, rotating", logx.Int("status", pe.Status))
	}
	return "", lastErr
}

func (c *Client) do(ctx context.Context, cfg Config, key string, msgs []Message) (string, error) {
	endpoint, err := url.JoinPath(cfg.BaseURL, "chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm: base url: %w", err)
	}
	req := chatRequest{Model: cfg.Model, Messages: msgs, MaxTokens: cfg.MaxTokens}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out chatResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return "", ProviderError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("llm: decode: %w", decodeErr)
	}
	c.log.Debug("llm completion", logx.String("model", cfg.Model), logx.Duration("took", time.Since(start)))
	if len(out.Choices) == 0 {
		return "", ErrEmpty
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}
