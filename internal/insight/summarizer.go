package insight

import (
	"context"

	"github.com/conduit-ai/conduit/internal/backend"
	"github.com/conduit-ai/conduit/internal/errors"
	"github.com/conduit-ai/conduit/internal/router"
	"github.com/conduit-ai/conduit/pkg/protocol"
)

// summaryPrompt is the system instruction for transcript
// summarization.
const summaryPrompt = "Summarize the following conversation excerpt in one or two short sentences. " +
	"Focus on what the participants are trying to accomplish and any open question. " +
	"Reply with the summary only."

// CompletionSummarizer summarizes transcript windows through a
// completion backend. Summaries are short throughput work, so they
// ride the throughput tier by default.
type CompletionSummarizer struct {
	client    *backend.Client
	maxTokens int
}

// NewCompletionSummarizer creates a summarizer over the given tier
// client.
func NewCompletionSummarizer(client *backend.Client) *CompletionSummarizer {
	return &CompletionSummarizer{
		client:    client,
		maxTokens: 128,
	}
}

// Summarize requests a completion over the window and returns its
// content.
func (s *CompletionSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.client.Complete(ctx, &backend.Request{
		Chat: &protocol.ChatRequest{
			Messages: []protocol.ChatMessage{
				{Role: protocol.RoleSystem, Content: summaryPrompt},
				{Role: protocol.RoleUser, Content: text},
			},
			MaxTokens:   s.maxTokens,
			Temperature: 0.2,
		},
		Decision: router.Decision{Target: router.TierB, Reason: router.ReasonDefaultThroughput},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New(errors.CodeBackendParseError, "summarization response contained no choices", errors.CategoryPermanent)
	}
	return resp.Choices[0].Message.Content, nil
}
