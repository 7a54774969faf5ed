package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/types"
)

func TestInfer(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"string content", `{"choices":[{"message":{"role":"assistant","content":"{\"objects\":[]}"}}]}`, `{"objects":[]}`},
		{"part content", `{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{\"detections\":[]}"}]}}]}`, `{"detections":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ChatCompletionRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("bad request body: %v", err)
				}
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			c := NewClient(srv.URL+"/", "qwen2.5-vl", "")
			text, err := c.Infer(context.Background(), client.Request{
				Instruction: "detect",
				Images:      []types.EncodedImage{{MIMEType: "image/png", Data: []byte("x")}},
			})
			if err != nil {
				t.Fatalf("Infer failed: %v", err)
			}
			if text != tt.want {
				t.Errorf("got %q, want %q", text, tt.want)
			}

			parts, ok := got.Messages[0].Content.([]any)
			if !ok || len(parts) != 2 {
				t.Fatalf("unexpected content %#v", got.Messages[0].Content)
			}
			img := parts[1].(map[string]any)["image_url"].(map[string]any)
			if !strings.HasPrefix(img["url"].(string), "data:image/png;base64,") {
				t.Errorf("unexpected image url %v", img["url"])
			}
		})
	}
}

func TestInferNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "")
	if _, err := c.Infer(context.Background(), client.Request{}); err == nil {
		t.Error("Expected an error when the server returns no choices")
	}
}

func TestInferStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "m", "")
	_, err := c.Infer(context.Background(), client.Request{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected status error, got %v", err)
	}
}
