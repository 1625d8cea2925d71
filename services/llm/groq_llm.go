package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// GroqClient talks to Groq's OpenAI-compatible chat completion API.
// Used by the intent/plan stage.
type GroqClient struct {
	baseURL string
	model   string
	timeout time.Duration
}

func NewGroqClient(baseURL, model string, timeout time.Duration) *GroqClient {
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	slog.Info("Initializing Groq client", "model", model, "base_url", baseURL)
	return &GroqClient{baseURL: baseURL, model: model, timeout: timeout}
}

func (g *GroqClient) Name() string { return "groq" }

// Generate implements the ProviderClient interface. A fresh SDK client
// is built per call because the credential rotates per request.
func (g *GroqClient) Generate(ctx context.Context, secret string, prompt string, params GenerationParams) (string, error) {
	cfg := openai.DefaultConfig(secret)
	cfg.BaseURL = g.baseURL
	client := openai.NewClientWithConfig(cfg)

	messages := []openai.ChatCompletionMessage{}
	if params.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: params.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	slog.Debug("Sending chat completion to Groq", "model", g.model)
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", g.wrapError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{
			Provider: g.Name(),
			Kind:     KindPermanent,
			Message:  "response contained no choices",
		}
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *GroqClient) wrapError(err error) error {
	pe := &ProviderError{Provider: g.Name(), Kind: KindTransient, Message: err.Error(), Err: err}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Kind = ClassifyStatus(apiErr.HTTPStatusCode)
	}
	slog.Warn("Groq API call failed", "kind", string(pe.Kind), "status", pe.StatusCode, "error", err)
	return pe
}
