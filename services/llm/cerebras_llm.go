package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultCerebrasBaseURL = "https://api.cerebras.ai/v1"

type cerebrasRequest struct {
	Model    string            `json:"model"`
	Messages []cerebrasMessage `json:"messages"`

	Temperature    *float32        `json:"temperature,omitempty"`
	TopP           *float32        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type cerebrasMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"` // "json_object"
}

type cerebrasResponse struct {
	ID      string           `json:"id"`
	Choices []cerebrasChoice `json:"choices"`
	Error   *cerebrasError   `json:"error,omitempty"`
}

type cerebrasChoice struct {
	Message      cerebrasMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type cerebrasError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client Implementation ---

// CerebrasClient talks to Cerebras's OpenAI-compatible chat completion
// API over raw HTTP. Used by the code-generation stage.
type CerebrasClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

func NewCerebrasClient(baseURL, model string, timeout time.Duration) *CerebrasClient {
	if baseURL == "" {
		baseURL = defaultCerebrasBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	slog.Info("Initializing Cerebras client", "model", model, "base_url", baseURL)
	return &CerebrasClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}
}

func (c *CerebrasClient) Name() string { return "cerebras" }

// Generate implements the ProviderClient interface.
func (c *CerebrasClient) Generate(ctx context.Context, secret string, prompt string, params GenerationParams) (string, error) {
	var messages []cerebrasMessage
	if params.System != "" {
		messages = append(messages, cerebrasMessage{Role: "system", Content: params.System})
	}
	messages = append(messages, cerebrasMessage{Role: "user", Content: prompt})

	reqPayload := cerebrasRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
	}
	if params.JSONMode {
		reqPayload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", c.permanent(fmt.Sprintf("failed to marshal request: %v", err), err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", c.permanent(fmt.Sprintf("failed to create request: %v", err), err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Sending REST request to Cerebras", "model", c.model)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{
			Provider: c.Name(),
			Kind:     KindTransient,
			Message:  err.Error(),
			Err:      err,
		}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		kind := ClassifyStatus(resp.StatusCode)
		slog.Warn("Cerebras API call failed",
			"status", resp.StatusCode,
			"kind", string(kind),
			"body_length", len(bodyBytes),
		)
		return "", &ProviderError{
			Provider:   c.Name(),
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    string(bodyBytes),
		}
	}

	var apiResp cerebrasResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", c.permanent("failed to parse response JSON", err)
	}
	if apiResp.Error != nil {
		return "", c.permanent(fmt.Sprintf("%s - %s", apiResp.Error.Type, apiResp.Error.Message), nil)
	}
	if len(apiResp.Choices) == 0 || apiResp.Choices[0].Message.Content == "" {
		return "", c.permanent("received empty content", nil)
	}

	return apiResp.Choices[0].Message.Content, nil
}

func (c *CerebrasClient) permanent(msg string, err error) *ProviderError {
	return &ProviderError{Provider: c.Name(), Kind: KindPermanent, Message: msg, Err: err}
}
