package llm

import "context"

type GenerationParams struct {
	System      string   `json:"system,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ProviderClient is the standard interface for a hosted LLM backend.
// The credential secret is passed per call so the key rotation pool
// stays the single owner of key selection; clients hold no key state.
//
// Failures are always a *ProviderError; callers branch on its Kind.
type ProviderClient interface {
	Generate(ctx context.Context, secret string, prompt string, params GenerationParams) (string, error)
	Name() string
}
