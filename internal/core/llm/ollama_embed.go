package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/docgrove/docgrove/internal/core"
)

// OllamaEmbedder is the local alternative to Gemini, used in development
// and air-gapped deployments. Selected by EMBED_PROVIDER=ollama.
type OllamaEmbedder struct {
	llm *ollama.LLM
}

func NewOllamaEmbedder(serverURL, model string) (*OllamaEmbedder, error) {
	if serverURL == "" {
		serverURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text:latest"
	}

	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(serverURL),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize ollama embedder: %w", err)
	}

	return &OllamaEmbedder{llm: llm}, nil
}

func (o *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := o.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

var _ core.EmbeddingProvider = (*OllamaEmbedder)(nil)
