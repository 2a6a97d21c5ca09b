package translate

import (
	"context"
	"strings"
)

// Backend translates a batch of texts. It must return exactly one output
// per input, in order. Codes are the translation-table codes (en_XX, hi_IN).
type Backend interface {
	Translate(ctx context.Context, texts []string, source, target string) ([]string, error)
}

// BaseCode reduces a table code such as "hi_IN" or "fr-CA" to its ISO-639-1
// part.
func BaseCode(code string) string {
	lang := strings.ToLower(code)
	if idx := strings.IndexAny(lang, "-_"); idx >= 0 {
		lang = lang[:idx]
	}
	return lang
}

type mockBackend struct{}

// NewMockBackend tags every text with its target code instead of
// translating it.
func NewMockBackend() Backend { return mockBackend{} }

func (mockBackend) Translate(ctx context.Context, texts []string, _, target string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + target + "] " + t
	}
	return out, nil
}
