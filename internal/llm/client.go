// Package llm adapts an OpenAI-compatible chat endpoint to the crawler.Completer
// contract and provides the clause similarity comparator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-1.5-flash"

// Config describes the completion endpoint shared by every credential.
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// Credentials are not unmarshaled from env directly; see config.DiscoverCredentials.
	Credentials []string `mapstructure:"credentials"`
}

// Client is a Completer bound to a single credential.
type Client struct {
	model       llms.Model
	temperature float64
	timeout     time.Duration
}

// New builds one client for token.
func New(cfg Config, token string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("new llm client: empty credential")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = DefaultModel
	}
	model, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithModel(modelName),
	)
	if err != nil {
		return nil, fmt.Errorf("new llm client: %w", err)
	}
	return NewWithModel(model, cfg), nil
}

// NewWithModel wraps an existing llms.Model.
func NewWithModel(model llms.Model, cfg Config) *Client {
	return &Client{
		model:       model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
}

// NewClients builds one client per credential, in order.
func NewClients(cfg Config, credentials []string) ([]crawler.Completer, error) {
	out := make([]crawler.Completer, 0, len(credentials))
	for i, token := range credentials {
		c, err := New(cfg, token)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Complete sends prompt as a single human message and returns the first choice.
// Provider failures are mapped onto crawler.ErrRateLimited and crawler.ErrCredentialInvalid.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	resp, err := c.model.GenerateContent(ctx, content, llms.WithTemperature(c.temperature))
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("generate content: no choices: %w", crawler.ErrMalformedResponse)
	}
	return resp.Choices[0].Content, nil
}

var (
	rateLimitMarkers = []string{
		"429",
		"rate limit",
		"ratelimit",
		"quota",
		"resource_exhausted",
		"resource has been exhausted",
		"too many requests",
	}
	credentialMarkers = []string{
		"401",
		"403",
		"api key not valid",
		"invalid api key",
		"api_key_invalid",
		"incorrect api key",
		"permission_denied",
		"unauthorized",
	}
)

// classifyError maps provider error text onto sentinel errors. Context errors
// pass through untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range credentialMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", crawler.ErrCredentialInvalid, err)
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", crawler.ErrRateLimited, err)
		}
	}
	return fmt.Errorf("generate content: %w", err)
}
