package client

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"ascii", "abcdef", 3, "abc..."},
		{"inside rune", "ab€cd", 3, "ab..."},
		{"rune boundary", "ab€cd", 5, "ab€..."},
		{"first rune split", "€uro", 1, "..."},
		{"negative", "abc", -1, "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate([]byte(tt.in), tt.n)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Truncate(%q, %d) produced invalid UTF-8 %q", tt.in, tt.n, got)
			}
		})
	}
}
