package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// geminiProvider is the default Provider, backed by the Gemini
// generateContent REST API.
type geminiProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider returns a Provider that calls the Gemini API.
//   - apiKey:  your AI_API_KEY
//   - model:   e.g. "gemini-2.0-flash"
//   - baseURL: defaults to https://generativelanguage.googleapis.com
func NewGeminiProvider(apiKey, model, baseURL string, hc *http.Client) Provider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &geminiProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// ─── GEMINI API SHAPES ────────────────────────────────────────────────────────

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

// geminiResponse is both the blocking body and one streamed chunk.
type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ─── IMPLEMENTATION ───────────────────────────────────────────────────────────

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, p.httpClient, p.endpoint("generateContent", nil), p.headers(), p.body(req))
	if err != nil {
		return "", err
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", err
	}
	return parseGeminiResponse(raw)
}

func (p *geminiProvider) OpenStream(ctx context.Context, req Request) (DeltaStream, error) {
	resp, err := postJSON(ctx, p.httpClient,
		p.endpoint("streamGenerateContent", url.Values{"alt": {"sse"}}),
		p.headers(), p.body(req))
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body, decodeGeminiChunk), nil
}

func (p *geminiProvider) endpoint(method string, q url.Values) string {
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, url.PathEscape(p.model), method)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (p *geminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

func (p *geminiProvider) body(req Request) geminiRequest {
	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     req.Temperature,
		},
	}
}

// parseGeminiResponse extracts the text of the first candidate. Every missing
// level is reported as a *MalformedResponseError naming the field.
func parseGeminiResponse(raw []byte) (string, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &MalformedResponseError{Reason: "invalid JSON: " + err.Error(), Body: string(raw)}
	}
	if parsed.Error != nil {
		return "", newStatusError(parsed.Error.Code, parsed.Error.Message)
	}

	text, err := firstCandidateText(parsed)
	if err != nil {
		return "", &MalformedResponseError{Reason: err.Error(), Body: string(raw)}
	}
	return text, nil
}

func firstCandidateText(r geminiResponse) (string, error) {
	if len(r.Candidates) == 0 {
		return "", fmt.Errorf("no candidates")
	}
	c := r.Candidates[0]
	if c.Content == nil {
		return "", fmt.Errorf("candidate has no content (finishReason=%q)", c.FinishReason)
	}
	var (
		sb    strings.Builder
		found bool
	)
	for _, part := range c.Content.Parts {
		if part.Text != nil {
			sb.WriteString(*part.Text)
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("candidate has no text parts")
	}
	return sb.String(), nil
}

// decodeGeminiChunk handles one "data:" payload of streamGenerateContent.
// Chunks without candidates (usage metadata) yield no text.
func decodeGeminiChunk(data string) (string, bool, error) {
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, &ChunkError{Data: data, Err: err}
	}
	if chunk.Error != nil {
		return "", false, newStatusError(chunk.Error.Code, chunk.Error.Message)
	}
	if len(chunk.Candidates) == 0 {
		return "", false, nil
	}
	text, err := firstCandidateText(chunk)
	if err != nil {
		// A final chunk may carry only a finishReason.
		return "", false, nil
	}
	return text, false, nil
}
