package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/menta2k/snapdetect/pkg/client"
)

// Client talks to an OpenAI-compatible chat completions server (llama.cpp, vLLM, LM Studio)
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// Message is an OpenAI-compatible chat message
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type ChatCompletionResponse struct {
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// NewClient creates a client; apiKey may be empty for local servers
func NewClient(serverURL, model, apiKey string) *Client {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (c *Client) Name() string { return "llamacpp" }

func (c *Client) Infer(ctx context.Context, req client.Request) (string, error) {
	content := []ContentPart{{Type: "text", Text: req.Instruction}}
	for _, img := range req.Images {
		content = append(content, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: img.DataURL(), Detail: req.Detail},
		})
	}

	body := ChatCompletionRequest{
		Model:       c.model,
		Messages:    []Message{{Role: "user", Content: content}},
		Temperature: 0,
		MaxTokens:   2048,
		Stream:      false,
	}

	respBody, err := c.sendRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	text := messageText(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from chat completions server")
	}
	return text, nil
}

// messageText handles both the string and the content-part array forms
func messageText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				b.WriteString(text)
			}
		}
		return b.String()
	}
	return ""
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, client.Truncate(body, 512))
	}
	return body, nil
}
