package core

import "context"

// DocumentExtractor extracts plain text from raw uploaded bytes. The
// contentType hint helps the extractor pick the right parsing strategy.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, raw []byte, contentType string) (string, error)
}
