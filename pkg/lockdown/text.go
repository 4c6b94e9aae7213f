package lockdown

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type span struct{ start, end int }

// sentenceSpans cuts text after ., ! and ? runs and newlines, keeping the
// terminators with each sentence. Spans are byte offsets into text with
// surrounding whitespace excluded.
func sentenceSpans(text string) []span {
	var out []span
	start := 0
	emit := func(end int) {
		seg := text[start:end]
		lead := len(seg) - len(strings.TrimLeftFunc(seg, unicode.IsSpace))
		if trimmed := strings.TrimSpace(seg); trimmed != "" {
			out = append(out, span{start + lead, start + lead + len(trimmed)})
		}
		start = end
	}
	for i, r := range text {
		_, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		if r == '\n' {
			emit(next)
			continue
		}
		if isTerminator(r) {
			if after, _ := utf8.DecodeRuneInString(text[next:]); next == len(text) || !isTerminator(after) {
				emit(next)
			}
		}
	}
	emit(len(text))
	return out
}

func splitSentences(text string) []string {
	spans := sentenceSpans(text)
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = text[sp.start:sp.end]
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// truncateWords keeps the first max words and marks the cut with an
// ellipsis.
func truncateWords(text string, max int) string {
	words := strings.Fields(text)
	if max <= 0 || len(words) <= max {
		return text
	}
	kept := strings.Join(words[:max], " ")
	kept = strings.TrimRight(kept, ".,;:!?-—… ")
	return kept + "..."
}
