package core

import "context"

// EmbeddingProvider turns texts into fixed-length float vectors, batched.
// Implementations may surface rate or capacity errors; callers decide how
// to degrade (see IsRateLimited).
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}
