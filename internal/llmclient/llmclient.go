// Package llmclient implements the single non-streaming chat-completion
// call the refinement pool needs, against whichever provider is
// configured. The Anthropic path uses anthropics/anthropic-sdk-go
// directly; OpenAI and OpenRouter share an OpenAI-compatible REST client.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client implements refinepool.LLMClient against one configured provider.
type Client struct {
	provider string
	model    string

	anthropic *anthropic.Client
	httpKey   string
	httpBase  string
	httpc     *http.Client
}

// Opts selects and configures the provider. Exactly one of the three keys
// should be non-empty; Anthropic is tried first, then OpenAI, then
// OpenRouter.
type Opts struct {
	AnthropicKey  string
	OpenAIKey     string
	OpenRouterKey string
	Model         string // provider default used when empty
}

// New constructs a Client for the first configured provider, or nil if
// none is configured.
func New(opts Opts) *Client {
	switch {
	case opts.AnthropicKey != "":
		client := anthropic.NewClient(option.WithAPIKey(opts.AnthropicKey))
		model := opts.Model
		if model == "" {
			model = string(anthropic.ModelClaudeSonnet4_5)
		}
		return &Client{provider: "anthropic", model: model, anthropic: &client}
	case opts.OpenAIKey != "":
		model := opts.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return &Client{
			provider: "openai", model: model, httpKey: opts.OpenAIKey,
			httpBase: "https://api.openai.com/v1", httpc: &http.Client{Timeout: 2 * time.Minute},
		}
	case opts.OpenRouterKey != "":
		model := opts.Model
		if model == "" {
			model = "anthropic/claude-3.5-sonnet"
		}
		return &Client{
			provider: "openrouter", model: model, httpKey: opts.OpenRouterKey,
			httpBase: "https://openrouter.ai/api/v1", httpc: &http.Client{Timeout: 2 * time.Minute},
		}
	default:
		return nil
	}
}

// Complete issues one non-streaming chat completion and returns the
// assistant's text. The caller treats the result as opaque markdown.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("llmclient: no provider configured")
	}
	switch c.provider {
	case "anthropic":
		return c.completeAnthropic(ctx, systemPrompt, userPrompt)
	default:
		return c.completeOpenAICompatible(ctx, systemPrompt, userPrompt)
	}
}

func (c *Client) completeAnthropic(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, err := c.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llmclient: anthropic completion: %w", err)
	}
	var out bytes.Buffer
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// completeOpenAICompatible calls the OpenAI chat/completions contract,
// which OpenAI and OpenRouter both implement.
func (c *Client) completeOpenAICompatible(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llmclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.httpKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: %s completion: %w", c.provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmclient: read response: %w", err)
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("llmclient: %s: %s", c.provider, decoded.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(decoded.Choices) == 0 {
		return "", fmt.Errorf("llmclient: %s returned status %d with no choices", c.provider, resp.StatusCode)
	}
	return decoded.Choices[0].Message.Content, nil
}
