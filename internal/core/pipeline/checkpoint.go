package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

// CheckpointStore is the pipeline's view of the metadata store: just the
// persisted state needed to resume a document after this process is gone.
// Every write here is the durable end of one unit of work; the controller
// never advances a checkpoint before the work it covers has committed.
type CheckpointStore struct {
	db core.DbClient
}

func NewCheckpointStore(db core.DbClient) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Load fetches the document and enforces ownership. A missing row and an
// owner mismatch are indistinguishable to the caller.
func (s *CheckpointStore) Load(ctx context.Context, documentID, ownerID string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if doc == nil || doc.OwnerID != ownerID {
		return nil, core.ErrNotFound
	}
	return doc, nil
}

func (s *CheckpointStore) EnterStage(ctx context.Context, documentID, status string, progress int) error {
	return s.db.UpdateStatus(ctx, documentID, status, progress)
}

// SaveLayout persists the embedding plan: batch count plus the compact
// layout summary, instead of fragment bodies, to bound the row size.
func (s *CheckpointStore) SaveLayout(ctx context.Context, documentID string, summary models.LayoutSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal layout summary: %w", err)
	}
	return s.db.SaveBatchLayout(ctx, documentID, len(summary.BatchSizes), string(raw), progressEmbedStart)
}

// ParseLayout decodes the summary persisted by SaveLayout.
func ParseLayout(doc *models.Document) (*models.LayoutSummary, error) {
	if doc.LayoutSummary == "" {
		return nil, fmt.Errorf("document %s has no layout summary", doc.ID)
	}
	var sum models.LayoutSummary
	if err := json.Unmarshal([]byte(doc.LayoutSummary), &sum); err != nil {
		return nil, fmt.Errorf("parse layout summary: %w", err)
	}
	return &sum, nil
}

// Advance commits batch completion: the cursor moves to currentBatch and
// progress rises. Called only after the batch is fully upserted.
func (s *CheckpointStore) Advance(ctx context.Context, documentID string, currentBatch, progress int) error {
	return s.db.AdvanceCursor(ctx, documentID, currentBatch, progress)
}

// Pause records a voluntary early exit. The cursor already points at the
// next batch, so a later invocation continues exactly here.
func (s *CheckpointStore) Pause(ctx context.Context, documentID string) error {
	return s.db.UpdateStatus(ctx, documentID, models.StatusPaused, 0)
}

// Fail records a fatal pipeline error verbatim. Cursor and batch count are
// left intact so a resume retries rather than restarts.
func (s *CheckpointStore) Fail(ctx context.Context, documentID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.SetError(ctx, documentID, msg)
}

// Reopen moves a paused or errored document back into a working status and
// clears the recorded error.
func (s *CheckpointStore) Reopen(ctx context.Context, documentID, status string) error {
	return s.db.ClearError(ctx, documentID, status)
}

func (s *CheckpointStore) Complete(ctx context.Context, documentID string) error {
	return s.db.MarkComplete(ctx, documentID)
}

func (s *CheckpointStore) ClearRawBlobPath(ctx context.Context, documentID string) error {
	return s.db.ClearRawBlobPath(ctx, documentID)
}
