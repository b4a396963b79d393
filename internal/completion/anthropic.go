package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/threadsync/threadsync/internal/schema"
)

// AnthropicConfig configures AnthropicSource.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64

	// BaseURL overrides the API endpoint (optional)
	BaseURL string
}

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicSource streams responses from the Anthropic Messages API.
type AnthropicSource struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSource creates a source. An empty API key falls back to the
// ANTHROPIC_API_KEY environment variable read by the SDK.
func NewAnthropicSource(cfg AnthropicConfig) *AnthropicSource {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicSource{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Complete streams one response.
func (s *AnthropicSource) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	system, messages := buildPrompt(req.History)
	if len(messages) == 0 {
		return "", fmt.Errorf("no user or assistant messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
			text.WriteString(td.Text)
			onDelta(td.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return text.String(), fmt.Errorf("anthropic stream: %w", err)
	}
	return text.String(), nil
}

// buildPrompt maps stored messages to API messages. System messages are
// joined into the system prompt; data messages and empty turns are skipped.
func buildPrompt(history []schema.Message) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case schema.RoleSystem:
			system = append(system, m.Content)
		case schema.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case schema.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return strings.Join(system, "\n\n"), out
}
