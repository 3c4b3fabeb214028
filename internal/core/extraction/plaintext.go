package extraction

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/docgrove/docgrove/internal/core"
)

var (
	_ core.DocumentExtractor = (*PlainTextExtractor)(nil)
	_ core.DocumentExtractor = (*FallbackExtractor)(nil)
)

// PlainTextExtractor treats the raw bytes as UTF-8 text, dropping invalid
// sequences and control characters. It is the alternate method used when
// the format-specific extractor cannot handle a file.
type PlainTextExtractor struct{}

func (PlainTextExtractor) ExtractText(ctx context.Context, raw []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("plaintext %s: %w", contentType, core.ErrEmptyExtraction)
	}
	return text, nil
}

// FallbackExtractor runs the preferred extractor and, when it fails, falls
// back to the alternate before giving up. Only when both fail does the
// document go to the error state.
type FallbackExtractor struct {
	Preferred core.DocumentExtractor
	Fallback  core.DocumentExtractor
}

func NewFallbackExtractor(preferred, fallback core.DocumentExtractor) *FallbackExtractor {
	return &FallbackExtractor{Preferred: preferred, Fallback: fallback}
}

func (e *FallbackExtractor) ExtractText(ctx context.Context, raw []byte, contentType string) (string, error) {
	text, err := e.Preferred.ExtractText(ctx, raw, contentType)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	log.Printf("extraction: preferred method failed for %s, trying fallback: %v", contentType, err)

	text, fbErr := e.Fallback.ExtractText(ctx, raw, contentType)
	if fbErr != nil {
		return "", fmt.Errorf("extraction failed (preferred: %v): %w", err, fbErr)
	}
	return text, nil
}
