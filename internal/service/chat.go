// Package service holds business logic that sits between the dispatcher and
// the model capability.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// ReplyKey is the outcome data key holding a generated chat reply.
const ReplyKey = "reply"

// History reads earlier turns of a chat session.
type History interface {
	ListSessionEvents(ctx context.Context, sessionID string, before time.Time, limit int) ([]model.CanonicalEvent, error)
	LatestOutcome(ctx context.Context, eventID string) (model.EventOutcome, error)
}

// ChatService generates direct replies to chat events.
type ChatService struct {
	client       llm.Client
	history      History
	modelID      string
	historyLimit int
	logger       *logger.Logger
}

// NewChatService creates a chat service. client is normally the audited
// interceptor; history may be nil.
func NewChatService(client llm.Client, history History, modelID string, log *logger.Logger) *ChatService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ChatService{
		client:       client,
		history:      history,
		modelID:      modelID,
		historyLimit: 20,
		logger:       log.Named("chat"),
	}
}

const chatSystemPrompt = `You are the first-line assistant for a B2B supplier.
Answer briefly and factually. When the customer asks for a price, an order
change or anything that needs a person, say that the team will follow up.`

// Reply answers event, using earlier turns of the same session as context.
func (s *ChatService) Reply(ctx context.Context, event model.CanonicalEvent) (*llm.CompletionResponse, error) {
	if s.client == nil {
		return nil, llm.ErrNoClient
	}
	messages := s.conversation(ctx, event)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: event.Content})

	ctx = llm.WithCaller(ctx, llm.Caller{
		Type:   llm.CallerResponder,
		Name:   "chat." + event.Source,
		UserID: event.UserID,
	})
	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		Model:     s.modelID,
		System:    chatSystemPrompt,
		Messages:  messages,
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("chat reply: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, errors.New("chat reply: model returned no content")
	}
	return resp, nil
}

// conversation rebuilds prior user and assistant turns. History errors only
// shorten the context.
func (s *ChatService) conversation(ctx context.Context, event model.CanonicalEvent) []llm.ChatMessage {
	if s.history == nil || event.SessionID == "" {
		return nil
	}
	events, err := s.history.ListSessionEvents(ctx, event.SessionID, event.Timestamp, s.historyLimit)
	if err != nil {
		s.logger.Warn("failed to load chat history",
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
		return nil
	}

	messages := make([]llm.ChatMessage, 0, len(events)*2)
	for _, prior := range events {
		if prior.ID == event.ID || prior.Type != model.EventTypeChat {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: "user", Content: prior.Content})
		outcome, err := s.history.LatestOutcome(ctx, prior.ID)
		if err != nil {
			continue
		}
		if reply, ok := outcome.Data[ReplyKey].(string); ok && reply != "" {
			messages = append(messages, llm.ChatMessage{Role: "assistant", Content: reply})
		}
	}
	return messages
}
