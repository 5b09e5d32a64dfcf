package triage

import "context"

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-turn prompt: one system instruction and one user message.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the provider's raw text answer plus accounting.
type CompletionResponse struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
