// Package split turns document text into ordered chunks. Three
// strategies share one heading scanner, so every chunk carries the title
// breadcrumb of the section it starts in regardless of strategy.
package split

import (
	"fmt"
	"strings"

	ragerr "github.com/ragsync/ragsync/internal/errors"
)

// Strategy names a chunking strategy.
type Strategy string

const (
	StrategyMarkdown  Strategy = "markdown_headings"
	StrategyFixedSize Strategy = "fixed_size"
	StrategySentence  Strategy = "sentence"
)

// Chunk size bounds enforced on every strategy's output.
const (
	MinChunkChars = 10
	MaxChunkChars = 50_000
)

// Fixed-size strategy defaults.
const (
	DefaultChunkSize = 500
	DefaultOverlap   = 50

	// cutWindow is how far a hard cut may shift to land on a sentence
	// boundary or whitespace.
	cutWindow = 30
)

// Sentence strategy defaults.
const (
	DefaultSentenceMinLen = 10
	DefaultSentenceMaxLen = 500
)

// Options configures a split call.
type Options struct {
	Strategy Strategy

	// BaseName, when set, becomes the first element of every chunk's
	// title chain (typically the document name).
	BaseName string

	// Fixed-size knobs. Zero values take defaults.
	ChunkSize int
	Overlap   int

	// Sentence knobs. Zero values take defaults.
	MinLen int
	MaxLen int
}

// Piece is one produced chunk, in reading order with dense indices.
type Piece struct {
	Index      int
	Title      string
	TitleChain []string
	Content    string
}

// Split chunks content using the selected strategy. Output pieces are
// trimmed, non-empty, within [MinChunkChars, MaxChunkChars], and indexed
// densely from 0.
func Split(content string, opts Options) ([]Piece, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyMarkdown
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.Overlap == 0 {
			opts.Overlap = DefaultOverlap
		}
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.ChunkSize {
		return nil, ragerr.Validation(fmt.Sprintf("overlap %d must be in [0, chunk size %d)", opts.Overlap, opts.ChunkSize))
	}
	if opts.MinLen <= 0 {
		opts.MinLen = DefaultSentenceMinLen
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultSentenceMaxLen
	}

	normalized := normalizeNewlines(content)
	if strings.TrimSpace(normalized) == "" {
		return nil, nil
	}

	events := scanHeadings(normalized)

	var raw []rawPiece
	var err error
	switch opts.Strategy {
	case StrategyMarkdown:
		raw = splitMarkdown(normalized, events)
	case StrategyFixedSize:
		raw = splitFixed(normalized, opts.ChunkSize, opts.Overlap)
	case StrategySentence:
		raw = splitSentences(normalized, opts.MinLen, opts.MaxLen)
	default:
		return nil, ragerr.Validation(fmt.Sprintf("unknown split strategy %q", opts.Strategy))
	}
	if err != nil {
		return nil, err
	}

	return finalize(raw, events, opts.BaseName), nil
}

// rawPiece is a candidate chunk before trimming and title resolution.
// Offset is the byte position of the chunk's start in the normalized
// content; it selects the title stack in effect where the chunk begins.
type rawPiece struct {
	offset  int
	content string
}

// finalize trims, enforces size bounds, attaches title chains, and
// assigns dense indices.
func finalize(raw []rawPiece, events []headingEvent, baseName string) []Piece {
	var out []Piece
	walker := newStackWalker(events)

	for _, rp := range raw {
		stack := walker.stackAt(rp.offset)

		for _, content := range boundContent(strings.TrimSpace(rp.content)) {
			if len(content) < MinChunkChars {
				continue
			}
			chain := make([]string, 0, len(stack)+1)
			if baseName != "" {
				chain = append(chain, baseName)
			}
			chain = append(chain, stack...)

			title := baseName
			if len(stack) > 0 {
				title = stack[len(stack)-1]
			}

			out = append(out, Piece{
				Index:      len(out),
				Title:      title,
				TitleChain: chain,
				Content:    content,
			})
		}
	}
	return out
}

// boundContent hard-splits content that exceeds MaxChunkChars.
func boundContent(content string) []string {
	if len(content) <= MaxChunkChars {
		if content == "" {
			return nil
		}
		return []string{content}
	}
	var parts []string
	for len(content) > 0 {
		end := MaxChunkChars
		if end > len(content) {
			end = len(content)
		}
		part := strings.TrimSpace(content[:end])
		if part != "" {
			parts = append(parts, part)
		}
		content = strings.TrimSpace(content[end:])
	}
	return parts
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// sentenceEnders are the punctuation runes that close a sentence.
var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '…': true,
	'」': true, '』': true, '】': true, '）': true,
}

func isSentenceEnd(r rune) bool { return sentenceEnders[r] }
