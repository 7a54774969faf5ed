package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/types"
)

func TestInferSendsImagesAndReturnsText(t *testing.T) {
	var got responsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected Authorization %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":[{"content":[{"type":"output_text","text":"{\"detections\":[]}"}]}]}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "gpt-4.1-mini", srv.URL)
	text, err := c.Infer(context.Background(), client.Request{
		Instruction: "find things",
		Images:      []types.EncodedImage{{MIMEType: "image/jpeg", Data: []byte{0xFF, 0xD8}}},
		Detail:      "high",
	})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != `{"detections":[]}` {
		t.Errorf("unexpected text %q", text)
	}

	if got.Model != "gpt-4.1-mini" {
		t.Errorf("unexpected model %q", got.Model)
	}
	if len(got.Input) != 1 || len(got.Input[0].Content) != 2 {
		t.Fatalf("unexpected input %+v", got.Input)
	}
	img := got.Input[0].Content[1]
	if img.Type != "input_image" || !strings.HasPrefix(img.ImageURL, "data:image/jpeg;base64,") || img.Detail != "high" {
		t.Errorf("unexpected image part %+v", img)
	}
}

func TestInferMissingKey(t *testing.T) {
	c := NewClient("", "gpt-4.1-mini", "")
	if _, err := c.Infer(context.Background(), client.Request{}); !errors.Is(err, client.ErrMissingCredential) {
		t.Errorf("Expected ErrMissingCredential, got %v", err)
	}
}

func TestInferStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("sk-test", "m", srv.URL)
	_, err := c.Infer(context.Background(), client.Request{Instruction: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestInferHonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient("sk-test", "m", srv.URL)
	_, err := c.Infer(ctx, client.Request{Instruction: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestExtractOutputText(t *testing.T) {
	cases := map[string]string{
		`{"output_text":"  hello "}`: "hello",
		`{"output":[{"content":[{"type":"output_text","text":"a"},{"type":"refusal","text":"no"}]},{"content":[{"type":"text","text":"b"}]}]}`: "a\nb",
		`not json`: "",
	}
	for in, want := range cases {
		if got := extractOutputText([]byte(in)); got != want {
			t.Errorf("extractOutputText(%s) = %q, want %q", in, got, want)
		}
	}
}
