package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/snapdetect/pkg/client"
)

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Base URL only; a path like /api/chat is dropped
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{
		client: api.NewClient(baseURL, http.DefaultClient),
		model:  model,
	}, nil
}

func (c *Client) Name() string { return "ollama" }

// Infer runs a non-streaming chat request with every image attached to one user message
func (c *Client) Infer(ctx context.Context, req client.Request) (string, error) {
	images := make([]api.ImageData, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, api.ImageData(img.Data))
	}

	options := map[string]any{"temperature": 0}

	// minicpm-v 4.x behaves better with a wider context
	modelLower := strings.ToLower(c.model)
	if strings.Contains(modelLower, "minicpm-v4") || strings.Contains(modelLower, "minicpm-v-4") {
		options["num_ctx"] = 4096
	}

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: req.Instruction,
				Images:  images,
			},
		},
		Stream:  &streamFalse,
		Format:  json.RawMessage(`"json"`),
		Options: options,
	}

	var content strings.Builder
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}

	if content.Len() == 0 {
		return "", fmt.Errorf("empty response from ollama")
	}
	return content.String(), nil
}
