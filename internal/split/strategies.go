package split

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// splitMarkdown cuts the content at heading offsets: an optional
// preamble before the first heading, then one piece per heading section.
func splitMarkdown(content string, events []headingEvent) []rawPiece {
	if len(events) == 0 {
		return []rawPiece{{offset: 0, content: content}}
	}

	var out []rawPiece
	if events[0].offset > 0 {
		out = append(out, rawPiece{offset: 0, content: content[:events[0].offset]})
	}
	for i, ev := range events {
		end := len(content)
		if i+1 < len(events) {
			end = events[i+1].offset
		}
		out = append(out, rawPiece{offset: ev.offset, content: content[ev.offset:end]})
	}
	return out
}

// splitFixed slides a window of chunkSize by chunkSize-overlap. Each
// hard cut shifts within ±cutWindow to the nearest sentence-ending
// punctuation or whitespace, but never behind start+1.
func splitFixed(content string, chunkSize, overlap int) []rawPiece {
	step := chunkSize - overlap
	var out []rawPiece

	for start := 0; start < len(content); {
		end := start + chunkSize
		if end >= len(content) {
			out = append(out, rawPiece{offset: start, content: content[start:]})
			break
		}

		end = adjustCut(content, end, start+1)
		out = append(out, rawPiece{offset: start, content: content[start:end]})

		next := start + step
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// adjustCut looks for a boundary within ±cutWindow of pos: the position
// just after sentence punctuation, or at whitespace. The nearest
// boundary wins; ties prefer the later one. Never returns < floor.
func adjustCut(content string, pos, floor int) int {
	lo := pos - cutWindow
	if lo < floor {
		lo = floor
	}
	hi := pos + cutWindow
	if hi > len(content) {
		hi = len(content)
	}

	best := -1
	bestDist := cutWindow + 1
	for i := lo; i < hi; {
		r, size := utf8.DecodeRuneInString(content[i:])
		var candidate int
		switch {
		case isSentenceEnd(r):
			candidate = i + size // cut after the punctuation
		case unicode.IsSpace(r):
			candidate = i
		default:
			i += size
			continue
		}
		if candidate >= floor && candidate <= len(content) {
			dist := candidate - pos
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist || (dist == bestDist && candidate > best) {
				best = candidate
				bestDist = dist
			}
		}
		i += size
	}
	if best >= 0 {
		return best
	}
	return pos
}

// splitSentences accumulates whole sentences until maxLen would be
// exceeded, flushing buffers of at least minLen. The final unterminated
// tail is emitted as-is.
func splitSentences(content string, minLen, maxLen int) []rawPiece {
	sentences := scanSentences(content)
	var out []rawPiece

	bufStart := -1
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, rawPiece{offset: bufStart, content: buf.String()})
			buf.Reset()
			bufStart = -1
		}
	}

	for _, s := range sentences {
		if buf.Len() >= minLen && buf.Len()+len(s.text) > maxLen {
			flush()
		}
		if bufStart < 0 {
			bufStart = s.offset
		}
		buf.WriteString(s.text)
	}
	flush()
	return out
}

type sentence struct {
	offset int
	text   string
}

// scanSentences splits content into runs ending in sentence punctuation.
// Trailing punctuation stays with its sentence; the tail without a
// terminator becomes the last sentence.
func scanSentences(content string) []sentence {
	var out []sentence
	start := 0
	for i := 0; i < len(content); {
		r, size := utf8.DecodeRuneInString(content[i:])
		i += size
		if isSentenceEnd(r) {
			// Swallow any immediately following closers/punctuation.
			for i < len(content) {
				nr, nsize := utf8.DecodeRuneInString(content[i:])
				if !isSentenceEnd(nr) {
					break
				}
				i += nsize
			}
			out = append(out, sentence{offset: start, text: content[start:i]})
			start = i
		}
	}
	if start < len(content) {
		out = append(out, sentence{offset: start, text: content[start:]})
	}
	return out
}
