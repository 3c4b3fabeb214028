package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/docgrove/docgrove/internal/models"
)

// Chunking clamps. The boundary window is how far past targetSize the
// splitter may look for a sentence terminator before falling back to a
// word boundary or a hard cut.
const (
	minTargetSize  = 100
	maxTargetSize  = 8000
	boundaryWindow = 100
)

var blankLine = regexp.MustCompile(`\n[ \t]*\n+`)

// ChunkMetrics summarizes a chunking run. Coverage compares the characters
// kept in fragment bodies against the normalized input; anything below 0.95
// indicates the splitter dropped real content and is logged by the caller.
type ChunkMetrics struct {
	InputChars    int     `json:"input_chars"`
	OutputChars   int     `json:"output_chars"`
	FragmentCount int     `json:"fragment_count"`
	MinSize       int     `json:"min_size"`
	MaxSize       int     `json:"max_size"`
	AvgSize       int     `json:"avg_size"`
	Coverage      float64 `json:"coverage"`
}

// Chunk splits normalized document text into ordered fragments of roughly
// targetSize characters. It is a pure function: the same text and knobs
// always produce the same fragments, which is what lets a resumed
// invocation re-derive the exact batches a checkpoint refers to.
//
// Paragraphs (blank-line delimited) are packed greedily until the next one
// would overflow targetSize. A paragraph longer than targetSize is split at
// the best boundary available: a sentence end within targetSize+window,
// else the last word break before targetSize, else a hard cut at
// targetSize. The hard cut guarantees the splitter always makes size
// progress and can never loop.
//
// Overlap is context, not duplicated body text: each fragment sees the tail
// of its predecessor as PreContext and the head of its successor as
// PostContext, so consumers get surrounding text without double-embedding.
//
// Empty or whitespace-only input yields zero fragments, not an error; the
// caller must treat that as fatal.
func Chunk(text string, targetSize, overlap int) ([]models.Fragment, ChunkMetrics) {
	normalized := normalize(text)
	if normalized == "" {
		return nil, ChunkMetrics{}
	}

	if targetSize < minTargetSize {
		targetSize = minTargetSize
	}
	if targetSize > maxTargetSize {
		targetSize = maxTargetSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap > targetSize/4 {
		overlap = targetSize / 4
	}

	bodies := packParagraphs(normalized, targetSize)

	fragments := make([]models.Fragment, len(bodies))
	for i, body := range bodies {
		fragments[i] = models.Fragment{Order: i, Text: body}
		if i > 0 {
			fragments[i].PreContext = tailRunes(bodies[i-1], overlap)
			fragments[i-1].PostContext = headRunes(body, overlap)
		}
	}

	return fragments, buildMetrics(normalized, bodies)
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// packParagraphs greedily fills fragment bodies with whole paragraphs,
// splitting any paragraph that alone exceeds targetSize.
func packParagraphs(text string, targetSize int) []string {
	var bodies []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			bodies = append(bodies, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, para := range blankLine.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraLen := utf8.RuneCountInString(para)

		if paraLen > targetSize {
			flush()
			bodies = append(bodies, splitOversized(para, targetSize)...)
			continue
		}

		if curLen > 0 && curLen+2+paraLen > targetSize {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += paraLen
	}
	flush()

	return bodies
}

// splitOversized cuts a single paragraph that exceeds targetSize. Boundary
// preference: last sentence end within targetSize+boundaryWindow, then last
// word break before targetSize, then a hard cut at targetSize. The cut
// index is always >= 1, so every iteration shrinks the remainder.
func splitOversized(para string, targetSize int) []string {
	var pieces []string
	rs := []rune(para)

	for len(rs) > targetSize {
		window := len(rs)
		if window > targetSize+boundaryWindow {
			window = targetSize + boundaryWindow
		}

		cut := -1
		for i := window - 1; i >= 1; i-- {
			if isSentenceEnd(rs[i-1]) && unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			for i := targetSize - 1; i >= 1; i-- {
				if unicode.IsSpace(rs[i]) {
					cut = i
					break
				}
			}
		}
		if cut <= 0 {
			cut = targetSize
		}

		piece := strings.TrimSpace(string(rs[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		rs = trimLeadingSpace(rs[cut:])
	}

	if tail := strings.TrimSpace(string(rs)); tail != "" {
		pieces = append(pieces, tail)
	}
	return pieces
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func trimLeadingSpace(rs []rune) []rune {
	for len(rs) > 0 && unicode.IsSpace(rs[0]) {
		rs = rs[1:]
	}
	return rs
}

func buildMetrics(normalized string, bodies []string) ChunkMetrics {
	m := ChunkMetrics{
		InputChars:    utf8.RuneCountInString(normalized),
		FragmentCount: len(bodies),
	}
	for i, b := range bodies {
		n := utf8.RuneCountInString(b)
		m.OutputChars += n
		if i == 0 || n < m.MinSize {
			m.MinSize = n
		}
		if n > m.MaxSize {
			m.MaxSize = n
		}
	}
	if len(bodies) > 0 {
		m.AvgSize = m.OutputChars / len(bodies)
	}
	if m.InputChars > 0 {
		m.Coverage = float64(m.OutputChars) / float64(m.InputChars)
	}
	return m
}

// tailRunes returns the last n runes of s.
func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[len(rs)-n:])
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
