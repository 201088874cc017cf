package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are the arbiter of a turn-based multiplayer game.
You receive the current game state, the declared rules, every player's decision
for this round and any active temporary events or rules. Resolve the round.

Respond with a single JSON object and nothing else:
{"narrative": "<what happened this round>", "deltas": {"<state key>": <new value>, ...}}

Only include keys in "deltas" whose values actually changed.`

// Client is an OpenAI-compatible inference provider.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// ClientConfig configures the provider endpoint.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.RequestTimeout,
	}
}

// Resolve makes one chat completion call and parses the outcome. It never
// retries; a failed or malformed response surfaces to the caller, which
// owns the retry policy.
func (c *Client) Resolve(ctx context.Context, bundle Bundle) (*Outcome, error) {
	reqBody, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(reqBody)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inference call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("inference response has no choices")
	}

	outcome, err := ParseOutcome(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// ParseOutcome decodes and structurally validates a provider response
// body.
func ParseOutcome(content string) (*Outcome, error) {
	content = strings.TrimSpace(content)
	// Some providers wrap JSON in a code fence despite the response format.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var outcome Outcome
	if err := json.Unmarshal([]byte(content), &outcome); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: no narrative or deltas", ErrMalformed)
	}
	return &outcome, nil
}
