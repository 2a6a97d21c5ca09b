package translate

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxChunkTokens bounds one unit sent to the backend.
const DefaultMaxChunkTokens = 200

// EstimateTokens approximates a token count at four bytes per token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// ChunkByTokens groups texts so that no group exceeds maxTokens. Texts are
// never split; an oversized text gets a group of its own.
func ChunkByTokens(texts []string, maxTokens int) [][]string {
	if len(texts) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}

	var (
		chunks  [][]string
		current []string
		tokens  int
	)
	for _, text := range texts {
		n := EstimateTokens(text)
		if n > maxTokens {
			if len(current) > 0 {
				chunks = append(chunks, current)
				current, tokens = nil, 0
			}
			chunks = append(chunks, []string{text})
			continue
		}
		if tokens+n > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current, tokens = nil, 0
		}
		current = append(current, text)
		tokens += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// segment is a piece of the answer. Separators are copied through verbatim.
type segment struct {
	text      string
	translate bool
}

// sentenceEnd matches terminators followed by whitespace or the end of the
// line. Decimals and abbreviations glued to the next word are not breaks.
var sentenceEnd = regexp.MustCompile(`[.!?।]+(\s+|$)`)

// split breaks text into translatable units of at most maxTokens each,
// keeping line breaks and surrounding whitespace as separators.
// Concatenating the segments always yields text.
func split(text string, maxTokens int) []segment {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	var segs []segment
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			segs = append(segs, segment{text: "\n"})
		}
		body := strings.TrimSpace(line)
		if body == "" {
			if line != "" {
				segs = append(segs, segment{text: line})
			}
			continue
		}
		lead := line[:len(line)-len(strings.TrimLeftFunc(line, unicode.IsSpace))]
		trail := line[len(strings.TrimRightFunc(line, unicode.IsSpace)):]
		if lead != "" {
			segs = append(segs, segment{text: lead})
		}
		segs = append(segs, units(body, maxTokens)...)
		if trail != "" {
			segs = append(segs, segment{text: trail})
		}
	}
	return segs
}

// sentence spans body[start:end], followed by separator body[end:next].
type sentence struct{ start, end, next int }

func sentences(body string) []sentence {
	var out []sentence
	pos := 0
	for _, m := range sentenceEnd.FindAllStringSubmatchIndex(body, -1) {
		sep := m[2]
		if sep < 0 {
			sep = m[1]
		}
		out = append(out, sentence{start: pos, end: sep, next: m[1]})
		pos = m[1]
	}
	if pos < len(body) {
		out = append(out, sentence{start: pos, end: len(body), next: len(body)})
	}
	return out
}

// units groups whole sentences of one line into translatable segments.
// Separators between groups are kept verbatim; separators inside a group
// travel with it.
func units(body string, maxTokens int) []segment {
	if EstimateTokens(body) <= maxTokens {
		return []segment{{text: body, translate: true}}
	}
	var segs []segment
	flush := func(first, last sentence) {
		segs = append(segs, segment{text: body[first.start:last.end], translate: true})
		if last.next > last.end {
			segs = append(segs, segment{text: body[last.end:last.next]})
		}
	}
	all := sentences(body)
	first := all[0]
	for i := 1; i < len(all); i++ {
		if EstimateTokens(body[first.start:all[i].end]) > maxTokens {
			flush(first, all[i-1])
			first = all[i]
		}
	}
	flush(first, all[len(all)-1])
	return segs
}

func pending(segs []segment) []string {
	var out []string
	for _, s := range segs {
		if s.translate {
			out = append(out, s.text)
		}
	}
	return out
}

// join replaces the translatable segments with translated, in order.
func join(segs []segment, translated []string) string {
	var sb strings.Builder
	next := 0
	for _, s := range segs {
		if s.translate {
			sb.WriteString(translated[next])
			next++
			continue
		}
		sb.WriteString(s.text)
	}
	return sb.String()
}
