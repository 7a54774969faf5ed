package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/menta2k/snapdetect/pkg/client"
	"github.com/menta2k/snapdetect/pkg/types"
)

func TestNewClientInvalidURL(t *testing.T) {
	if _, err := NewClient("not a url", "llava"); err == nil {
		t.Error("Expected an error for a URL without scheme and host")
	}
}

func TestInferSendsAllImages(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Content string   `json:"content"`
			Images  [][]byte `json:"images"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llava","message":{"role":"assistant","content":"{\"detections\":[]}"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/chat", "llava")
	if err != nil {
		t.Fatal(err)
	}

	text, err := c.Infer(context.Background(), client.Request{
		Instruction: "find things",
		Images: []types.EncodedImage{
			{Data: []byte("full")},
			{Data: []byte("tile")},
		},
	})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != `{"detections":[]}` {
		t.Errorf("unexpected text %q", text)
	}
	if got.Model != "llava" || len(got.Messages) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Content != "find things" || len(got.Messages[0].Images) != 2 {
		t.Errorf("unexpected message %+v", got.Messages[0])
	}
	if string(got.Messages[0].Images[1]) != "tile" {
		t.Errorf("unexpected second image %q", got.Messages[0].Images[1])
	}
}
