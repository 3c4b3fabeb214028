package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedCacheHitSkipsProvider(t *testing.T) {
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 100)

	texts := []string{"alpha", "beta"}
	first, err := cache.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, provider.calls)

	second, err := cache.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.calls, "a full cache hit must not touch the provider")
}

func TestEmbedCachePartialMiss(t *testing.T) {
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 100)

	_, err := cache.EmbedTexts(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	out, err := cache.EmbedTexts(context.Background(), []string{"alpha", "gamma"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 2, provider.calls)
	// Only the miss went to the provider.
	assert.Equal(t, []int{1, 1}, provider.batchSizes)
}

func TestEmbedCacheDedupesWithinBatch(t *testing.T) {
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 100)

	out, err := cache.EmbedTexts(context.Background(), []string{"same", "same", "same"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int{1}, provider.batchSizes, "duplicate texts collapse to one provider input")
	assert.Equal(t, out[0], out[1])
	assert.Equal(t, out[0], out[2])
}

func TestEmbedCacheProviderErrorPropagates(t *testing.T) {
	boom := errors.New("provider exploded")
	provider := &fakeEmbedder{err: boom}
	cache := NewEmbedCache(provider, nil, 100)

	_, err := cache.EmbedTexts(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom, "no retry, no wrapping surprises")
	assert.Equal(t, 0, cache.Len(), "a failed miss must not be cached")
}

func TestEmbedCacheEvictsAtCap(t *testing.T) {
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 5)

	for i := 0; i < 20; i++ {
		_, err := cache.EmbedTexts(context.Background(), []string{fmt.Sprintf("text-%d", i)})
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, cache.Len(), 5)
}

func TestEmbedCacheReturnsAllVectorsWhenMissesExceedCap(t *testing.T) {
	// More distinct misses in one call than the cache can hold: eviction
	// must only shrink the cache, never the response.
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 2)

	texts := []string{"one", "two", "three", "four", "five"}
	out, err := cache.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, vec := range out {
		require.NotNil(t, vec, "text %d got no vector", i)
		assert.Equal(t, float32(len(texts[i])), vec[0])
	}
	assert.LessOrEqual(t, cache.Len(), 2)
}

func TestEmbedCacheEmptyInput(t *testing.T) {
	provider := &fakeEmbedder{}
	cache := NewEmbedCache(provider, nil, 100)

	out, err := cache.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 0, provider.calls)
}
