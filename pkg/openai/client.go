package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/snapdetect/pkg/client"
)

const DefaultBaseURL = "https://api.openai.com"

// Client talks to the OpenAI Responses API
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type inputMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	Temperature     float64        `json:"temperature"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

// NewClient creates a Responses API client; an empty baseURL uses api.openai.com
func NewClient(apiKey, model, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// the caller's context bounds each request
		httpClient: &http.Client{Transport: tr},
	}
}

// WithHTTPClient overrides the internal HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

func (c *Client) Name() string { return "openai" }

// Infer posts the instruction and images and returns the model's output text
func (c *Client) Infer(ctx context.Context, req client.Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("openai: %w (OPENAI_API_KEY)", client.ErrMissingCredential)
	}

	parts := []contentPart{{Type: "input_text", Text: req.Instruction}}
	for _, img := range req.Images {
		parts = append(parts, contentPart{
			Type:     "input_image",
			ImageURL: img.DataURL(),
			Detail:   req.Detail,
		})
	}

	body := responsesRequest{
		Model:           c.model,
		Input:           []inputMessage{{Role: "user", Content: parts}},
		Temperature:     0,
		MaxOutputTokens: 600,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, client.Truncate(raw, 512))
	}

	text := extractOutputText(raw)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("openai: empty output")
	}
	return text, nil
}

// extractOutputText prefers output_text and otherwise joins the text segments of output[].content[]
func extractOutputText(raw []byte) string {
	type content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type output struct {
		Content []content `json:"content"`
	}
	var env struct {
		Output     []output `json:"output"`
		OutputText string   `json:"output_text"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	if s := strings.TrimSpace(env.OutputText); s != "" {
		return s
	}

	var b strings.Builder
	for _, o := range env.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) == "" {
				continue
			}
			if c.Type == "output_text" || c.Type == "text" || c.Type == "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}
