// Package classifier maps a canonical event to an intent label using a
// language model.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// Decision is the classifier's answer for one event.
type Decision struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Classifier assigns an intent to an event.
type Classifier interface {
	Classify(ctx context.Context, event model.CanonicalEvent) (Decision, error)
}

// ModelClassifier asks a model for a JSON decision over a fixed label set.
type ModelClassifier struct {
	client  llm.Client
	modelID string
	labels  []string
	logger  *logger.Logger
}

// New creates a classifier restricted to labels.
func New(client llm.Client, modelID string, labels []string, log *logger.Logger) *ModelClassifier {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	if log == nil {
		log = logger.NewNop()
	}
	return &ModelClassifier{
		client:  client,
		modelID: modelID,
		labels:  sorted,
		logger:  log.Named("classifier"),
	}
}

const systemPrompt = `You route inbound business messages to the team that should handle them.
Answer with a single JSON object and nothing else:
{"label": "<one of the allowed labels>", "confidence": <number between 0 and 1>, "reasoning": "<one sentence>"}
If no label fits, use "unknown" with a low confidence.`

func (c *ModelClassifier) prompt(event model.CanonicalEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Allowed labels: %s\n", strings.Join(c.labels, ", "))
	fmt.Fprintf(&b, "Channel: %s\nEvent type: %s\n", event.Source, event.Type)
	if len(event.Attachments) > 0 {
		names := make([]string, 0, len(event.Attachments))
		for _, a := range event.Attachments {
			names = append(names, a.Name)
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("Message:\n")
	b.WriteString(event.Content)
	return b.String()
}

// Classify returns the model's decision. Every failure wraps
// model.ErrClassificationFailure so callers can fall back.
func (c *ModelClassifier) Classify(ctx context.Context, event model.CanonicalEvent) (Decision, error) {
	if c.client == nil {
		return Decision{}, fmt.Errorf("%w: no model client", model.ErrClassificationFailure)
	}

	ctx = llm.WithCaller(ctx, llm.Caller{Type: llm.CallerClassifier, Name: "intent", UserID: event.UserID})
	resp, err := c.client.Complete(ctx, &llm.CompletionRequest{
		Model:       c.modelID,
		System:      systemPrompt,
		Messages:    []llm.ChatMessage{{Role: "user", Content: c.prompt(event)}},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", model.ErrClassificationFailure, err)
	}

	decision, err := ParseDecision(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable classifier response",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %v", model.ErrClassificationFailure, err)
	}
	return decision, nil
}

// ParseDecision extracts the JSON object from a model reply. Text before the
// first brace and after the last brace is ignored.
func ParseDecision(content string) (Decision, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("no JSON object in response")
	}

	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	d.Label = strings.ToLower(strings.TrimSpace(d.Label))
	if d.Label == "" {
		return Decision{}, fmt.Errorf("decision has no label")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return Decision{}, fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return d, nil
}

// Static always returns the same decision. It backs deployments without a
// model provider and tests.
type Static struct {
	Decision Decision
	Err      error
}

// Classify returns the configured decision or error.
func (s Static) Classify(context.Context, model.CanonicalEvent) (Decision, error) {
	if s.Err != nil {
		return Decision{}, fmt.Errorf("%w: %v", model.ErrClassificationFailure, s.Err)
	}
	return s.Decision, nil
}
