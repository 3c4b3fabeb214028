package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

// Controller drives a document through extraction, chunking, embedding and
// completion, checkpointing after every unit of work. It is written for a
// bounded-duration host: an invocation may be killed at any moment, so the
// only durable truth is the checkpoint, and a checkpoint is only advanced
// after the work it covers (a full batch, fully upserted) has committed.
// A kill between checkpoints at worst replays one idempotent batch.
//
// The inflight set stops two goroutines in this process from working the
// same document; it does not protect against a second process instance.
// Safety against that race rests on deterministic vector ids and monotonic
// cursor writes, not mutual exclusion.
type Controller struct {
	checkpoints *CheckpointStore
	blobs       core.ObjectClient
	uploader    *BatchUploader
	extractor   core.DocumentExtractor
	cfg         *Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewController(checkpoints *CheckpointStore, blobs core.ObjectClient, uploader *BatchUploader, extractor core.DocumentExtractor, cfg *Config) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.sanitize()
	return &Controller{
		checkpoints: checkpoints,
		blobs:       blobs,
		uploader:    uploader,
		extractor:   extractor,
		cfg:         cfg,
		inflight:    make(map[string]struct{}),
	}
}

// derivedTextPath is where the normalized extracted text lives between
// chunking and completion. Chunking is deterministic, so this blob plus the
// layout summary is all a cold process needs to rebuild the exact batches
// the cursor refers to. The raw upload can be deleted independently.
func derivedTextPath(ownerID, documentID string) string {
	return fmt.Sprintf("%s/%s/normalized.txt", ownerID, documentID)
}

// Run executes one pipeline invocation for the document and returns the
// status the document was left in. A paused return is a voluntary early
// exit, not a failure: the checkpoint names the next batch and a resume
// picks up from there, possibly in a different process.
func (c *Controller) Run(ctx context.Context, documentID, ownerID string) (string, error) {
	if !c.acquire(documentID) {
		return "", core.ErrAlreadyRunning
	}
	defer c.release(documentID)

	start := time.Now()

	doc, err := c.checkpoints.Load(ctx, documentID, ownerID)
	if err != nil {
		return "", err
	}

	switch doc.Status {
	case models.StatusComplete:
		return models.StatusComplete, nil

	case models.StatusError:
		return models.StatusError, fmt.Errorf("document %s is in error state (%s); call resume", doc.ID, doc.ErrorMessage)

	case models.StatusEmbedding, models.StatusPaused:
		if doc.BatchCount > 0 {
			return c.resumeEmbedding(ctx, start, doc)
		}
		// Prep never committed; the raw blob is still there.
		return c.runFromExtraction(ctx, start, doc)

	default: // queued, or a crashed invocation left extracting/chunking
		return c.runFromExtraction(ctx, start, doc)
	}
}

// runFromExtraction is the full path: fetch raw bytes, extract, persist the
// normalized text, chunk, save the batch layout, then embed.
func (c *Controller) runFromExtraction(ctx context.Context, start time.Time, doc *models.Document) (string, error) {
	if err := c.checkpoints.EnterStage(ctx, doc.ID, models.StatusExtracting, progressExtracting); err != nil {
		return c.fail(ctx, doc.ID, err)
	}

	if doc.RawBlobPath == "" {
		return c.fail(ctx, doc.ID, errors.New("raw blob path is empty; nothing to extract"))
	}
	raw, err := c.blobs.GetFile(ctx, doc.RawBlobPath)
	if err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("fetch raw blob: %w", err))
	}

	text, err := c.extractor.ExtractText(ctx, raw, doc.ContentType)
	if err != nil {
		return c.fail(ctx, doc.ID, err)
	}
	if strings.TrimSpace(text) == "" {
		return c.fail(ctx, doc.ID, core.ErrEmptyExtraction)
	}

	// Durably keep the normalized text before any checkpoint can point
	// past extraction; resume depends on it once the raw blob is gone.
	if err := c.blobs.UploadFile(ctx, derivedTextPath(doc.OwnerID, doc.ID), []byte(text), "text/plain; charset=utf-8"); err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("persist normalized text: %w", err))
	}

	if err := c.checkpoints.EnterStage(ctx, doc.ID, models.StatusChunking, progressChunking); err != nil {
		return c.fail(ctx, doc.ID, err)
	}

	frags, metrics := Chunk(text, c.cfg.TargetSize, c.cfg.Overlap)
	if len(frags) == 0 {
		return c.fail(ctx, doc.ID, core.ErrNoFragments)
	}
	if metrics.Coverage < 0.95 {
		log.Printf("pipeline: document %s chunk coverage %.3f below 0.95 (in=%d out=%d)",
			doc.ID, metrics.Coverage, metrics.InputChars, metrics.OutputChars)
	}

	batches := partition(frags, c.cfg.FragmentsPerBatch)
	summary := models.LayoutSummary{
		TargetSize:    c.cfg.TargetSize,
		Overlap:       c.cfg.Overlap,
		FragmentCount: len(frags),
		BatchSizes:    batchSizes(batches),
		InputChars:    metrics.InputChars,
		OutputChars:   metrics.OutputChars,
		Coverage:      metrics.Coverage,
	}
	if err := c.checkpoints.SaveLayout(ctx, doc.ID, summary); err != nil {
		return c.fail(ctx, doc.ID, err)
	}

	// Extraction and chunking are durably checkpointed; the raw upload is
	// no longer needed. Failure to delete is logged, never fatal.
	if doc.RawBlobPath != "" {
		if err := c.blobs.DeleteFile(ctx, doc.RawBlobPath); err != nil {
			log.Printf("pipeline: delete raw blob %s: %v", doc.RawBlobPath, err)
		} else if err := c.checkpoints.ClearRawBlobPath(ctx, doc.ID); err != nil {
			log.Printf("pipeline: clear raw blob path for %s: %v", doc.ID, err)
		}
	}

	return c.runBatches(ctx, start, doc, batches, 0)
}

// resumeEmbedding rebuilds the batches a previous invocation checkpointed
// and continues from the persisted cursor. The rebuild uses the chunking
// knobs recorded in the layout summary, not the current config, so the
// batches match even across a deploy that changed the defaults.
func (c *Controller) resumeEmbedding(ctx context.Context, start time.Time, doc *models.Document) (string, error) {
	summary, err := ParseLayout(doc)
	if err != nil {
		return c.fail(ctx, doc.ID, err)
	}

	raw, err := c.blobs.GetFile(ctx, derivedTextPath(doc.OwnerID, doc.ID))
	if err != nil {
		if doc.RawBlobPath != "" {
			log.Printf("pipeline: normalized text for %s missing, re-extracting: %v", doc.ID, err)
			return c.runFromExtraction(ctx, start, doc)
		}
		return c.fail(ctx, doc.ID, fmt.Errorf("cannot re-derive fragments: %w", err))
	}

	frags, _ := Chunk(string(raw), summary.TargetSize, summary.Overlap)
	if len(frags) != summary.FragmentCount {
		return c.fail(ctx, doc.ID, fmt.Errorf("%w: got %d fragments, checkpoint has %d",
			core.ErrLayoutMismatch, len(frags), summary.FragmentCount))
	}
	batches, ok := partitionBySizes(frags, summary.BatchSizes)
	if !ok {
		return c.fail(ctx, doc.ID, core.ErrLayoutMismatch)
	}

	if doc.Status != models.StatusEmbedding {
		if err := c.checkpoints.Reopen(ctx, doc.ID, models.StatusEmbedding); err != nil {
			return c.fail(ctx, doc.ID, err)
		}
	}

	return c.runBatches(ctx, start, doc, batches, doc.CurrentBatch)
}

// runBatches is the embedding loop. After each batch it advances the
// cursor, then checks the invocation budget: exceeding it persists paused
// and exits normally, leaving the next batch for a later invocation.
func (c *Controller) runBatches(ctx context.Context, start time.Time, doc *models.Document, batches [][]models.Fragment, cursor int) (string, error) {
	total := len(batches)

	for b := cursor; b < total; b++ {
		if err := c.uploader.UpsertBatch(ctx, doc.OwnerID, doc.ID, batches[b]); err != nil {
			return c.fail(ctx, doc.ID, fmt.Errorf("embed batch %d/%d: %w", b+1, total, err))
		}
		if err := c.checkpoints.Advance(ctx, doc.ID, b+1, interpolateProgress(b+1, total)); err != nil {
			return c.fail(ctx, doc.ID, err)
		}

		if b+1 < total && time.Since(start) > c.cfg.InvocationBudget {
			if err := c.checkpoints.Pause(ctx, doc.ID); err != nil {
				return c.fail(ctx, doc.ID, err)
			}
			log.Printf("pipeline: document %s paused after batch %d/%d (invocation budget exhausted)", doc.ID, b+1, total)
			return models.StatusPaused, nil
		}
	}

	// All batches committed; the derived text has served its purpose.
	if err := c.blobs.DeleteFile(ctx, derivedTextPath(doc.OwnerID, doc.ID)); err != nil {
		log.Printf("pipeline: delete normalized text for %s: %v", doc.ID, err)
	}

	if err := c.checkpoints.Complete(ctx, doc.ID); err != nil {
		return c.fail(ctx, doc.ID, err)
	}
	log.Printf("pipeline: document %s complete (%d batches)", doc.ID, total)
	return models.StatusComplete, nil
}

// fail records a fatal pipeline error and surfaces it. Context cancellation
// is the host killing us, not a pipeline failure: the checkpoint is left
// as-is so a resume continues instead of seeing a spurious error.
func (c *Controller) fail(ctx context.Context, documentID string, cause error) (string, error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return "", cause
	}
	if err := c.checkpoints.Fail(ctx, documentID, cause); err != nil {
		log.Printf("pipeline: recording error for %s failed: %v (original: %v)", documentID, err, cause)
	}
	return models.StatusError, cause
}

// interpolateProgress maps batch completion onto the embedding stage's
// progress band.
func interpolateProgress(done, total int) int {
	if total <= 0 {
		return progressEmbedEnd
	}
	return progressEmbedStart + (progressEmbedEnd-progressEmbedStart)*done/total
}

func partition(frags []models.Fragment, size int) [][]models.Fragment {
	if size <= 0 {
		size = DefaultConfig().FragmentsPerBatch
	}
	var batches [][]models.Fragment
	for start := 0; start < len(frags); start += size {
		end := start + size
		if end > len(frags) {
			end = len(frags)
		}
		batches = append(batches, frags[start:end])
	}
	return batches
}

// partitionBySizes splits frags exactly as recorded in a layout summary.
// Returns false when the sizes do not add up to the fragment count.
func partitionBySizes(frags []models.Fragment, sizes []int) ([][]models.Fragment, bool) {
	batches := make([][]models.Fragment, 0, len(sizes))
	pos := 0
	for _, n := range sizes {
		if n <= 0 || pos+n > len(frags) {
			return nil, false
		}
		batches = append(batches, frags[pos:pos+n])
		pos += n
	}
	if pos != len(frags) {
		return nil, false
	}
	return batches, true
}

func batchSizes(batches [][]models.Fragment) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (c *Controller) acquire(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[documentID]; busy {
		return false
	}
	c.inflight[documentID] = struct{}{}
	return true
}

func (c *Controller) release(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, documentID)
}
