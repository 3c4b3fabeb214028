package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

func makeFragments(n int) []models.Fragment {
	frags := make([]models.Fragment, n)
	for i := range frags {
		frags[i] = models.Fragment{Order: i, Text: fmt.Sprintf("fragment body %d", i)}
	}
	return frags
}

func newTestUploader(embedder core.EmbeddingProvider, vectors core.VectorClient) *BatchUploader {
	u := NewBatchUploader(embedder, vectors, &Config{
		TargetSize:        2000,
		Overlap:           200,
		FragmentsPerBatch: 20,
		GroupSize:         40,
		FallbackSize:      20,
		InvocationBudget:  time.Minute,
	})
	u.retryDelay = time.Millisecond
	return u
}

func TestUpsertBatchHappyPath(t *testing.T) {
	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	frags := makeFragments(100)
	err := u.UpsertBatch(context.Background(), "owner-1", "doc-1", frags)
	require.NoError(t, err)

	// 100 fragments in groups of 40: 40, 40, 20.
	assert.Equal(t, []int{40, 40, 20}, embedder.batchSizes)
	assert.Equal(t, []int{40, 40, 20}, vectors.upsertSizes)
	assert.Equal(t, 100, vectors.count("owner-1", "doc-1"))
}

func TestUpsertBatchDeterministicIDs(t *testing.T) {
	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	frags := makeFragments(3)
	require.NoError(t, u.UpsertBatch(context.Background(), "owner-1", "doc-9", frags))

	for i := 0; i < 3; i++ {
		item, ok := vectors.store["owner-1"][fmt.Sprintf("doc-9-%d", i)]
		require.True(t, ok, "fragment %d must be keyed by documentID-order", i)
		assert.Equal(t, i, item.Order)
	}
}

func TestUpsertBatchReplayIsIdempotent(t *testing.T) {
	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	frags := makeFragments(30)
	require.NoError(t, u.UpsertBatch(context.Background(), "owner-1", "doc-1", frags))
	require.NoError(t, u.UpsertBatch(context.Background(), "owner-1", "doc-1", frags))

	assert.Equal(t, 30, vectors.count("owner-1", "doc-1"), "replaying a batch must overwrite, not duplicate")
}

func TestUpsertBatchDegradesOnRateLimit(t *testing.T) {
	// Provider rejects batches above 20, so the 40-group is rate limited
	// and the degraded retry lands as two sub-groups of 20.
	embedder := &fakeEmbedder{failOver: 20}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	frags := makeFragments(40)
	err := u.UpsertBatch(context.Background(), "owner-1", "doc-1", frags)
	require.NoError(t, err)

	assert.Equal(t, 3, embedder.calls, "one rejected full group, then two fallback sub-groups")
	assert.Equal(t, 40, vectors.count("owner-1", "doc-1"))
	for _, size := range vectors.upsertSizes {
		assert.LessOrEqual(t, size, 20)
	}
}

func TestUpsertBatchDegradedFailurePropagates(t *testing.T) {
	// Even the fallback size is over the provider's limit: the degraded
	// attempt fails too and the error must reach the caller untouched by
	// any further retries.
	embedder := &fakeEmbedder{failOver: 10}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	err := u.UpsertBatch(context.Background(), "owner-1", "doc-1", makeFragments(40))
	require.Error(t, err)
	assert.True(t, core.IsRateLimited(err))
	assert.Equal(t, 0, vectors.count("owner-1", "doc-1"))
}

func TestUpsertBatchNonRateLimitErrorFailsFast(t *testing.T) {
	boom := errors.New("model not found")
	embedder := &fakeEmbedder{err: boom}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	err := u.UpsertBatch(context.Background(), "owner-1", "doc-1", makeFragments(40))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, embedder.calls, "no degraded retry for a non-capacity failure")
}

func TestUpsertBatchRateLimitedStore(t *testing.T) {
	// The rejection can come from the vector store side as well.
	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	vectors.failNext = 1
	vectors.failErr = core.ErrRateLimited
	u := newTestUploader(embedder, vectors)

	frags := makeFragments(40)
	err := u.UpsertBatch(context.Background(), "owner-1", "doc-1", frags)
	require.NoError(t, err)
	assert.Equal(t, 40, vectors.count("owner-1", "doc-1"))
}

func TestUpsertBatchEmpty(t *testing.T) {
	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	u := newTestUploader(embedder, vectors)

	require.NoError(t, u.UpsertBatch(context.Background(), "owner-1", "doc-1", nil))
	assert.Equal(t, 0, embedder.calls)
}
