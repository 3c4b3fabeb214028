package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/docgrove/docgrove/internal/core"
)

// EmbedCache memoizes the embedding provider by content hash so re-running
// a batch after a resume or a partial failure does not pay for the same
// texts twice. The cache is process-local and best-effort: a cold process
// is slower, never incorrect.
//
// The cache adds no retry semantics of its own; a provider error on a miss
// propagates unchanged.
type EmbedCache struct {
	provider core.EmbeddingProvider
	limiter  *rate.Limiter

	mu      sync.Mutex
	entries map[string][]float32
	cap     int
}

var _ core.EmbeddingProvider = (*EmbedCache)(nil)

// NewEmbedCache wraps provider. limiter may be nil to disable throttling;
// maxEntries <= 0 falls back to the default cap.
func NewEmbedCache(provider core.EmbeddingProvider, limiter *rate.Limiter, maxEntries int) *EmbedCache {
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().CacheCap
	}
	return &EmbedCache{
		provider: provider,
		limiter:  limiter,
		entries:  make(map[string][]float32),
		cap:      maxEntries,
	}
}

// EmbedTexts returns a vector per input text, serving hits from the cache
// and fetching all misses from the provider in a single batched call.
func (c *EmbedCache) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	out := make([][]float32, len(texts))

	var missKeys []string
	var missTexts []string
	seen := make(map[string]bool)

	c.mu.Lock()
	for i, t := range texts {
		keys[i] = contentHash(t)
		if vec, ok := c.entries[keys[i]]; ok {
			out[i] = vec
		} else if !seen[keys[i]] {
			seen[keys[i]] = true
			missKeys = append(missKeys, keys[i])
			missTexts = append(missTexts, t)
		}
	}
	c.mu.Unlock()

	if len(missTexts) > 0 {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		vecs, err := c.provider.EmbedTexts(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(missTexts) {
			return nil, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(missTexts), len(vecs))
		}

		// Fill the outputs from the provider response, not from the map:
		// storing may already have evicted an earlier key from this very
		// call when the misses exceed the cap, and a concurrent caller can
		// evict between the store and a re-read. The caller must always get
		// a vector per text.
		fresh := make(map[string][]float32, len(missKeys))
		c.mu.Lock()
		for i, k := range missKeys {
			c.store(k, vecs[i])
			fresh[k] = vecs[i]
		}
		c.mu.Unlock()

		for i := range out {
			if out[i] == nil {
				out[i] = fresh[keys[i]]
			}
		}
	}

	return out, nil
}

// Len reports the number of cached vectors.
func (c *EmbedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// store inserts under the cap, evicting an arbitrary entry when full.
// Map iteration order makes this a cheap random eviction. Must be called
// with the lock held.
func (c *EmbedCache) store(key string, vec []float32) {
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.cap {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = vec
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
