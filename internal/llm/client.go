// Package llm provides model clients and the interceptor that audits every
// model invocation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoClient is returned when no provider is configured for a model.
var ErrNoClient = errors.New("llm: no client configured for model")

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserPrompt builds a single-turn request.
func UserPrompt(modelID, system, prompt string) *CompletionRequest {
	return &CompletionRequest{
		Model:    modelID,
		System:   system,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
	}
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}

// DefaultModel is the model used for requests that name none.
func DefaultModel(p Provider) string {
	if p == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

// Router sends each request to the provider that serves its model. Models
// are matched by prefix ("claude" to Anthropic, "gpt" to OpenAI); anything
// else goes to the fallback provider.
type Router struct {
	clients  map[Provider]Client
	fallback Provider
}

// NewRouter creates a router over the configured providers. Nil clients are
// skipped.
func NewRouter(fallback Provider, clients map[Provider]Client) *Router {
	r := &Router{clients: make(map[Provider]Client), fallback: fallback}
	for p, c := range clients {
		if c != nil {
			r.clients[p] = c
		}
	}
	return r
}

// Empty reports whether no provider is configured.
func (r *Router) Empty() bool {
	return len(r.clients) == 0
}

func (r *Router) providerFor(modelID string) Provider {
	m := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return ProviderOpenAI
	default:
		return r.fallback
	}
}

// Complete dispatches to the provider for req.Model.
func (r *Router) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	c, ok := r.clients[r.providerFor(req.Model)]
	if !ok {
		c, ok = r.clients[r.fallback]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, req.Model)
	}
	return c.Complete(ctx, req)
}

// Name returns the configured provider names.
func (r *Router) Name() string {
	names := make([]string, 0, len(r.clients))
	for p := range r.clients {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return "router(" + strings.Join(names, ",") + ")"
}

// Models returns every model of every configured provider.
func (r *Router) Models() []string {
	var models []string
	for _, c := range r.clients {
		models = append(models, c.Models()...)
	}
	sort.Strings(models)
	return models
}
