package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxPieceRunes is the longest text the translate_tts endpoint accepts.
const maxPieceRunes = 100

type gttsEngine struct {
	endpoint string
	client   *http.Client
}

// NewGTTSEngine uses the Google Translate speech endpoint. Each piece of
// text comes back as MP3 frames which are concatenated into one file.
func NewGTTSEngine(endpoint string, client *http.Client) Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &gttsEngine{endpoint: endpoint, client: client}
}

func (g *gttsEngine) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		pieces := splitText(req.Text, maxPieceRunes)
		if len(pieces) == 0 {
			errs <- fmt.Errorf("nothing to speak")
			return
		}
		for i, piece := range pieces {
			data, err := g.fetch(ctx, piece, req.Voice, i, len(pieces))
			if err != nil {
				errs <- fmt.Errorf("piece %d/%d: %w", i+1, len(pieces), err)
				return
			}
			select {
			case chunks <- SynthChunk{
				TurnID:   req.TurnID,
				Sequence: i,
				Encoding: EncodingMP3,
				Data:     data,
				Final:    i == len(pieces)-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func (g *gttsEngine) fetch(ctx context.Context, text, lang string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", text)
	q.Set("tl", lang)
	q.Set("client", "tw-ob")
	q.Set("ttsspeed", "1")
	q.Set("total", strconv.Itoa(total))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(text)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Referer", "https://translate.google.com/")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech endpoint returned status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("speech endpoint returned no audio")
	}
	return data, nil
}

// splitText cuts text into pieces of at most max runes, preferring word
// boundaries. Words longer than max are hard-split.
func splitText(text string, max int) []string {
	var (
		pieces  []string
		current []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			pieces = append(pieces, s)
		}
		current = current[:0]
	}
	for _, word := range strings.FieldsFunc(text, unicode.IsSpace) {
		w := []rune(word)
		for len(w) > max {
			flush()
			pieces = append(pieces, string(w[:max]))
			w = w[max:]
		}
		need := len(w)
		if len(current) > 0 {
			need++
		}
		if len(current)+need > max {
			flush()
		}
		if len(current) > 0 {
			current = append(current, ' ')
		}
		current = append(current, w...)
	}
	flush()
	return pieces
}
