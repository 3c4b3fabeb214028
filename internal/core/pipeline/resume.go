package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/docgrove/docgrove/internal/models"
)

// Resume is the external re-entry point for a document that stopped
// mid-pipeline. It rebuilds nothing itself: it flips the status back into
// a working state, clears any recorded error, and re-runs the controller,
// which reconstructs what it needs from the checkpoint.
//
// A paused document, or an errored one that got past chunking, continues
// at the persisted batch cursor. An errored document that never finished
// chunking is re-extracted from the raw blob, which must still exist (the
// pipeline only deletes it after chunking is durably checkpointed).
func (c *Controller) Resume(ctx context.Context, documentID, ownerID string) (string, error) {
	doc, err := c.checkpoints.Load(ctx, documentID, ownerID)
	if err != nil {
		return "", err
	}

	switch doc.Status {
	case models.StatusComplete:
		return models.StatusComplete, nil

	case models.StatusPaused:
		if err := c.reopen(ctx, doc, models.StatusEmbedding); err != nil {
			return "", err
		}

	case models.StatusError:
		if doc.BatchCount > 0 && doc.LayoutSummary != "" {
			if err := c.reopen(ctx, doc, models.StatusEmbedding); err != nil {
				return "", err
			}
		} else {
			if doc.RawBlobPath == "" {
				return models.StatusError, fmt.Errorf("document %s cannot be resumed: raw blob is gone and no chunk layout was checkpointed", doc.ID)
			}
			if err := c.reopen(ctx, doc, models.StatusExtracting); err != nil {
				return "", err
			}
		}

	default:
		// queued or a working status from a crashed invocation; Run sorts
		// out where to pick up.
		log.Printf("pipeline: resume called on document %s in status %s", doc.ID, doc.Status)
	}

	return c.Run(ctx, documentID, ownerID)
}

// reopen moves the document back into a working status, refusing status
// transitions the state machine does not allow.
func (c *Controller) reopen(ctx context.Context, doc *models.Document, status string) error {
	if !models.ValidTransition(doc.Status, status) {
		return fmt.Errorf("document %s cannot move from %s to %s", doc.ID, doc.Status, status)
	}
	return c.checkpoints.Reopen(ctx, doc.ID, status)
}
