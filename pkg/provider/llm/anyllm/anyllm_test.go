package anyllm

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateTokens(t *testing.T) {
	t.Run("word boundary", func(t *testing.T) {
		if got := truncateTokens("one two three four five", 3); got != "one two three" {
			t.Errorf("got %q, want %q", got, "one two three")
		}
	})

	t.Run("short input unchanged", func(t *testing.T) {
		if got := truncateTokens("hello", 3); got != "hello" {
			t.Errorf("got %q, want %q", got, "hello")
		}
	})

	t.Run("byte cut stays valid utf8", func(t *testing.T) {
		// One long multi-byte "word" forces the byte-length cut, positioned
		// so a naive slice would land inside a code point.
		s := "a" + strings.Repeat("é", 50)
		got := truncateTokens(s, 3)
		if !utf8.ValidString(got) {
			t.Fatalf("truncated text is not valid UTF-8: %q", got)
		}
		if len(got) > 12 {
			t.Errorf("len = %d, want at most 12 bytes", len(got))
		}
		if !strings.HasPrefix(s, got) {
			t.Errorf("truncation altered content: %q", got)
		}
	})
}
