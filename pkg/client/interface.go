package client

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/menta2k/snapdetect/pkg/types"
)

// ErrMissingCredential is returned when a backend has no API key configured
var ErrMissingCredential = errors.New("missing inference credential")

// Request is a single instruction plus the images it refers to.
// The first image is the full frame; any further images are tiles.
type Request struct {
	Instruction string
	Images      []types.EncodedImage
	// Detail is a resolution hint for backends that support one ("low", "high", "auto")
	Detail string
}

// InferenceClient sends a Request to a remote vision service and returns its raw text.
// Implementations must stop when ctx is done and must not retry on their own.
type InferenceClient interface {
	Name() string
	Infer(ctx context.Context, req Request) (string, error)
}

// Truncate shortens a response body for error messages without splitting a UTF-8 sequence
func Truncate(b []byte, n int) string {
	if n < 0 {
		n = 0
	}
	if len(b) <= n {
		return string(b)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "..."
}
