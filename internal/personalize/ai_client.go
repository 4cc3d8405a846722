package personalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/intralog/outreach-engine/internal/pkg/httpretry"
)

// AIClient produces free-form completions for personalization prompts.
type AIClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPAIClient calls an Anthropic-compatible messages endpoint. Transient
// failures (429, 5xx, network errors) are retried with backoff by the
// underlying client.
type HTTPAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  httpretry.HTTPDoer
}

// NewHTTPAIClient builds an AI client with retrying transport.
func NewHTTPAIClient(baseURL, apiKey, model string) *HTTPAIClient {
	return &HTTPAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 3),
	}
}

type aiRequest struct {
	Model     string      `json:"model"`
	MaxTokens int         `json:"max_tokens"`
	Messages  []aiMessage `json:"messages"`
}

type aiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type aiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends a single-turn prompt and returns the text of the response.
func (c *HTTPAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(aiRequest{
		Model:     c.model,
		MaxTokens: 1024,
		Messages:  []aiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal AI request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("AI request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("AI API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed aiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode AI response: %w", err)
	}

	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("AI response contained no text")
	}
	return text, nil
}
