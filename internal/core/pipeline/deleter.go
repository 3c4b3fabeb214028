package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/docgrove/docgrove/internal/core"
)

// Deleter removes every trace of a document: blobs, metadata row and
// vector-store entries, in that order. Blob removal tolerates already-gone
// objects. In force mode a vector-store failure is swallowed so the
// user-visible document is gone even when the store is unreachable; the
// orphaned vectors are logged for later cleanup.
type Deleter struct {
	db          core.DbClient
	blobs       core.ObjectClient
	vectors     core.VectorClient
	deleteLimit int
}

func NewDeleter(db core.DbClient, blobs core.ObjectClient, vectors core.VectorClient, deleteLimit int) *Deleter {
	if deleteLimit <= 0 {
		deleteLimit = DefaultConfig().VectorDeleteLimit
	}
	return &Deleter{db: db, blobs: blobs, vectors: vectors, deleteLimit: deleteLimit}
}

func (d *Deleter) Delete(ctx context.Context, documentID, ownerID string, force bool) error {
	doc, err := d.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil || doc.OwnerID != ownerID {
		return core.ErrNotFound
	}

	// (1) blobs; missing objects are fine.
	if doc.RawBlobPath != "" {
		if err := d.blobs.DeleteFile(ctx, doc.RawBlobPath); err != nil {
			if !force {
				return fmt.Errorf("delete raw blob: %w", err)
			}
			log.Printf("deleter: force-delete %s: raw blob left behind: %v", documentID, err)
		}
	}
	if err := d.blobs.DeleteFile(ctx, derivedTextPath(ownerID, documentID)); err != nil {
		if !force {
			return fmt.Errorf("delete normalized text: %w", err)
		}
		log.Printf("deleter: force-delete %s: normalized text left behind: %v", documentID, err)
	}

	// (2) metadata row. After this the document is logically gone.
	if err := d.db.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete metadata row: %w", err)
	}

	// (3) vectors: query-then-delete-by-id, batched under the store's
	// per-call limit.
	if err := d.deleteVectors(ctx, documentID, ownerID); err != nil {
		if force {
			log.Printf("deleter: force-delete %s: vectors left behind: %v", documentID, err)
			return nil
		}
		return err
	}
	return nil
}

func (d *Deleter) deleteVectors(ctx context.Context, documentID, ownerID string) error {
	ids, err := d.vectors.ListFragmentIDs(ctx, ownerID, documentID)
	if err != nil {
		return fmt.Errorf("list fragment ids: %w", err)
	}

	for start := 0; start < len(ids); start += d.deleteLimit {
		end := start + d.deleteLimit
		if end > len(ids) {
			end = len(ids)
		}
		if err := d.vectors.DeleteFragments(ctx, ownerID, ids[start:end]); err != nil {
			return fmt.Errorf("delete fragments %d..%d: %w", start, end-1, err)
		}
	}
	return nil
}
