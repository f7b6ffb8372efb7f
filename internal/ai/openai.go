package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// openAIProvider speaks the OpenAI-compatible /v1/chat/completions format.
// DeepSeek and most self-hosted gateways expose the same shapes.
type openAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider returns a Provider for an OpenAI-compatible endpoint.
//   - apiKey:  bearer token
//   - model:   e.g. "deepseek-chat"
//   - baseURL: e.g. "https://api.deepseek.com"
func NewOpenAIProvider(apiKey, model, baseURL string, hc *http.Client) Provider {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	return &openAIProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// ─── OPENAI-COMPATIBLE API SHAPES ────────────────────────────────────────────

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// ─── IMPLEMENTATION ───────────────────────────────────────────────────────────

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/chat/completions", p.headers(), p.body(req, false))
	if err != nil {
		return "", err
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", err
	}
	return parseOpenAIResponse(raw)
}

func (p *openAIProvider) OpenStream(ctx context.Context, req Request) (DeltaStream, error) {
	headers := p.headers()
	headers["Accept"] = "text/event-stream"
	resp, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/chat/completions", headers, p.body(req, true))
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body, decodeOpenAIChunk), nil
}

func (p *openAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *openAIProvider) body(req Request, stream bool) openAIRequest {
	return openAIRequest{
		Model:       p.model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// parseOpenAIResponse extracts choices[0].message.content.
func parseOpenAIResponse(raw []byte) (string, error) {
	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &MalformedResponseError{Reason: "invalid JSON: " + err.Error(), Body: string(raw)}
	}
	if parsed.Error != nil {
		return "", &UpstreamError{Message: parsed.Error.Message, Retryable: true}
	}
	if len(parsed.Choices) == 0 {
		return "", &MalformedResponseError{Reason: "no choices in response", Body: string(raw)}
	}
	msg := parsed.Choices[0].Message
	if msg == nil {
		return "", &MalformedResponseError{Reason: "choice has no message", Body: string(raw)}
	}
	return msg.Content, nil
}

// decodeOpenAIChunk handles one "data:" payload of a chat completion stream.
func decodeOpenAIChunk(data string) (string, bool, error) {
	data = strings.TrimSpace(data)
	if data == "[DONE]" {
		return "", true, nil
	}
	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, &ChunkError{Data: data, Err: err}
	}
	if chunk.Error != nil {
		return "", false, &UpstreamError{Message: chunk.Error.Message, Retryable: true}
	}
	var sb strings.Builder
	for _, c := range chunk.Choices {
		sb.WriteString(c.Delta.Content)
	}
	return sb.String(), false, nil
}
