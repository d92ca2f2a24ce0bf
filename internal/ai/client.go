package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client provides both embedding and completion capabilities
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, prompt string) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderVertexAI   Provider = "vertexai"
	ProviderStub       Provider = "stub"
)

// ErrRateLimited is wrapped by provider errors for HTTP 429 answers.
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-2xx answer from a provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	return nil
}

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	BaseURL         string
	EmbedModel      string
	CompletionModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
	Timeout         time.Duration
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI, ProviderOpenRouter:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is a stub implementation of the Client interface for testing
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

// Embed returns a zero vector of the configured dimension.
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, s.dim), nil
}

// Complete answers with a heuristic context taken from the chunk in the prompt: its first
// comment line when there is one near the top, otherwise its first line of code.
func (s *StubClient) Complete(ctx context.Context, prompt string) (string, error) {
	chunk := between(prompt, "<chunk>", "</chunk>")
	lines := strings.Split(chunk, "\n")
	first := ""
	for _, line := range lines[:min(5, len(lines))] {
		line = strings.TrimSpace(line)
		if first == "" {
			first = line
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			if len(line) > 10 {
				return line, nil
			}
		}
	}
	if first == "" {
		return "Code excerpt.", nil
	}
	if r := []rune(first); len(r) > 80 {
		first = string(r[:80])
	}
	return "Code excerpt starting with: " + first, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

// between returns the text between the first start marker and the last end marker, or s
// when the markers are missing.
func between(s, start, end string) string {
	i := strings.Index(s, start)
	j := strings.LastIndex(s, end)
	if i < 0 || j < i+len(start) {
		return s
	}
	return strings.TrimSpace(s[i+len(start) : j])
}
