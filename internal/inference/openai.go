// Package inference implements the AI code-suggestion fallback against an
// OpenAI-compatible chat completions endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gyeh/claimflow/internal/resolver"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultModel    = "gpt-4o-mini"
	maxErrorBody    = 4 << 10
)

const systemPrompt = `You map hospital-internal service codes to official Saudi billing codes.
Reply with a single JSON object: {"code": "<official code>", "description": "<official description>", "confidence": <0..1>}.
Use an empty code and confidence 0 when you cannot tell.`

// OpenAIProvider asks a chat model for the official code of a facility code.
type OpenAIProvider struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

// Option customises an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithEndpoint overrides the chat completions URL.
func WithEndpoint(url string) Option {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.endpoint = url
		}
	}
}

func WithModel(model string) Option {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAIProvider creates a provider. Per-call deadlines come from the
// caller's context.
func NewOpenAIProvider(apiKey string, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type suggestion struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Infer implements resolver.CodeInferenceProvider.
func (p *OpenAIProvider) Infer(ctx context.Context, req resolver.InferenceRequest) (resolver.Inference, error) {
	if p.apiKey == "" {
		return resolver.Inference{}, fmt.Errorf("inference api key not set")
	}

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return resolver.Inference{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return resolver.Inference{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return resolver.Inference{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return resolver.Inference{}, fmt.Errorf("inference api error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return resolver.Inference{}, fmt.Errorf("inference api error (status %d)", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resolver.Inference{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return resolver.Inference{}, fmt.Errorf("inference returned no choices")
	}

	var s suggestion
	if err := json.Unmarshal([]byte(stripFence(out.Choices[0].Message.Content)), &s); err != nil {
		return resolver.Inference{}, fmt.Errorf("parse suggestion: %w", err)
	}
	return resolver.Inference{
		Code:        strings.TrimSpace(s.Code),
		Description: strings.TrimSpace(s.Description),
		Confidence:  s.Confidence,
	}, nil
}

func userPrompt(req resolver.InferenceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Facility: %s\nFacility code: %s\n", req.FacilityID, req.FacilityCode)
	if req.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.Description)
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, "Clinical notes: %s\n", req.Notes)
	}
	return b.String()
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
