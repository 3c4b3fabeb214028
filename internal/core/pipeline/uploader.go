package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

// BatchUploader embeds fragments and writes them to the vector store in
// size-bounded groups. Groups stay under both the embedding provider's
// per-call input limit and the vector store's per-call write limit.
//
// On a rate or capacity rejection the same group is retried split into
// fallback-size sub-groups, dispatched together and awaited together. If
// the degraded attempt also fails the error propagates; the caller must
// leave the checkpoint untouched so the whole batch can be replayed — ids
// are deterministic, so the replay is idempotent.
type BatchUploader struct {
	embedder     core.EmbeddingProvider
	vectors      core.VectorClient
	groupSize    int
	fallbackSize int
	retryDelay   time.Duration
}

func NewBatchUploader(embedder core.EmbeddingProvider, vectors core.VectorClient, cfg *Config) *BatchUploader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.sanitize()
	return &BatchUploader{
		embedder:     embedder,
		vectors:      vectors,
		groupSize:    cfg.GroupSize,
		fallbackSize: cfg.FallbackSize,
		retryDelay:   500 * time.Millisecond,
	}
}

// UpsertBatch embeds and upserts all fragments for the owner's namespace.
func (u *BatchUploader) UpsertBatch(ctx context.Context, ownerID, documentID string, frags []models.Fragment) error {
	for start := 0; start < len(frags); start += u.groupSize {
		end := start + u.groupSize
		if end > len(frags) {
			end = len(frags)
		}
		group := frags[start:end]

		err := u.flush(ctx, ownerID, documentID, group)
		if err == nil {
			continue
		}
		if !core.IsRateLimited(err) || len(group) <= u.fallbackSize {
			return err
		}

		log.Printf("uploader: rate limited on group of %d for %s, degrading to %d", len(group), documentID, u.fallbackSize)
		if err := u.sleep(ctx); err != nil {
			return err
		}
		if err := u.flushDegraded(ctx, ownerID, documentID, group); err != nil {
			return err
		}
	}
	return nil
}

// flushDegraded replays one rejected group as fallback-size sub-groups,
// dispatched together and awaited together. Fan-out is bounded by the
// group/fallback ratio, never by the document size.
func (u *BatchUploader) flushDegraded(ctx context.Context, ownerID, documentID string, group []models.Fragment) error {
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(group); start += u.fallbackSize {
		end := start + u.fallbackSize
		if end > len(group) {
			end = len(group)
		}
		sub := group[start:end]
		g.Go(func() error {
			return u.flush(gctx, ownerID, documentID, sub)
		})
	}
	return g.Wait()
}

func (u *BatchUploader) flush(ctx context.Context, ownerID, documentID string, frags []models.Fragment) error {
	if len(frags) == 0 {
		return nil
	}

	texts := make([]string, len(frags))
	for i := range frags {
		texts[i] = frags[i].Text
	}

	vecs, err := u.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(frags) {
		return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(frags))
	}

	items := make([]core.FragmentVector, len(frags))
	for i := range frags {
		f := &frags[i]
		items[i] = core.FragmentVector{
			ID:          f.VectorID(documentID),
			DocumentID:  documentID,
			Order:       f.Order,
			Text:        f.Text,
			PreContext:  f.PreContext,
			PostContext: f.PostContext,
			Embedding:   vecs[i],
		}
	}

	if err := u.vectors.UpsertFragments(ctx, ownerID, items); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

func (u *BatchUploader) sleep(ctx context.Context) error {
	timer := time.NewTimer(u.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
