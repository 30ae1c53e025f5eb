// Package planner turns a work item into a proposed set of developer stories
// and index-based dependency edges via the Anthropic API. Validation and
// persistence of the proposal happen elsewhere.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"storyline/internal/domain"
)

// Client wraps the Anthropic SDK for refinement calls.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates a refinement client. apiKey defaults to the
// ANTHROPIC_API_KEY env var.
func NewClient(apiKey, model string, maxTokens int) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	inner := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	m := anthropic.ModelClaudeSonnet4_5
	if model != "" {
		m = anthropic.Model(model)
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Client{inner: inner, model: m, maxTokens: int64(maxTokens)}, nil
}

// Propose asks the model to break the work item into stories and edges.
func (c *Client) Propose(ctx context.Context, wi domain.WorkItem) (Proposal, error) {
	prompt, err := buildPrompt(wi)
	if err != nil {
		return Proposal{}, err
	}

	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("refinement API call: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	text = stripJSONFences(text)

	var p Proposal
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Proposal{}, fmt.Errorf("parse refinement response: %w\nraw: %s", err, text)
	}
	if len(p.Stories) == 0 {
		return Proposal{}, fmt.Errorf("refinement response contains no stories")
	}
	return p, nil
}

// stripJSONFences removes markdown code fences that models sometimes add.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
