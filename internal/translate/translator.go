// Package translate localizes English answers into the selected language.
// Failures are absorbed: the caller always gets text back, and Status tells
// a real translation apart from a fallback to the original.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/minerlex/internal/language"
)

// Status records how Result.Text was produced.
type Status string

const (
	// StatusIdentity: the target is English; no backend was called.
	StatusIdentity Status = "identity"
	// StatusTranslated: the backend produced the text.
	StatusTranslated Status = "translated"
	// StatusFallback: the backend failed and Text is the original input.
	StatusFallback Status = "fallback"
)

// Result is always usable. Err is set only with StatusFallback.
type Result struct {
	Text   string `json:"text"`
	Code   string `json:"code"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
}

// Degraded reports whether the translation fell back to the input.
func (r Result) Degraded() bool { return r.Status == StatusFallback }

type Options struct {
	// SourceCode is the code of the language answers are written in.
	SourceCode     string
	MaxChunkTokens int
	Timeout        time.Duration
}

type Translator struct {
	backend Backend
	tables  language.Tables
	opts    Options
	logger  *slog.Logger
}

func New(backend Backend, tables language.Tables, opts Options, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SourceCode == "" {
		opts.SourceCode = tables.TranslationCode(language.English)
	}
	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	return &Translator{
		backend: backend,
		tables:  tables,
		opts:    opts,
		logger:  logger.With(slog.String("component", "translate")),
	}
}

// TranslateLabel resolves label against the tables and translates. Unknown
// labels behave as English.
func (t *Translator) TranslateLabel(ctx context.Context, text, label string) Result {
	return t.Translate(ctx, text, t.tables.Resolve(label))
}

// Translate never fails; see Result.Status.
func (t *Translator) Translate(ctx context.Context, text string, sel language.Selection) Result {
	code := sel.TranslationCode
	if sel.IsEnglish() || code == "" || code == t.opts.SourceCode {
		return Result{Text: text, Code: t.opts.SourceCode, Status: StatusIdentity}
	}
	if strings.TrimSpace(text) == "" {
		return Result{Text: text, Code: code, Status: StatusIdentity}
	}

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := t.run(ctx, text, code)
	if err != nil {
		t.logger.Warn("translation failed, keeping original text",
			slog.String("target", code),
			slog.String("error", err.Error()),
		)
		return Result{Text: text, Code: code, Status: StatusFallback, Err: err}
	}
	t.logger.Debug("answer translated",
		slog.String("target", code),
		slog.Duration("latency", time.Since(start)),
	)
	return Result{Text: out, Code: code, Status: StatusTranslated}
}

func (t *Translator) run(ctx context.Context, text, code string) (out string, err error) {
	if t.backend == nil {
		return "", errors.New("no translation backend configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("translation backend panicked: %v", r)
		}
	}()

	segs := split(text, t.opts.MaxChunkTokens)
	units := pending(segs)
	translated, err := t.backend.Translate(ctx, units, t.opts.SourceCode, code)
	if err != nil {
		return "", err
	}
	if len(translated) != len(units) {
		return "", fmt.Errorf("backend returned %d translations for %d inputs", len(translated), len(units))
	}
	return join(segs, translated), nil
}
