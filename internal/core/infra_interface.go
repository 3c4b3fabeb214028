package core

import (
	"context"

	"github.com/docgrove/docgrove/internal/models"
)

// DbClient defines all metadata-store operations the pipeline needs.
// It abstracts Postgres so higher layers never depend on a specific DB.
// The store must give at least read-after-write consistency on the
// checkpoint fields (status, progress, batch_count, current_batch).
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]models.Document, error)

	// UpdateStatus sets the status and raises progress (progress never
	// decreases; the store keeps the larger of the stored and given value).
	UpdateStatus(ctx context.Context, id, status string, progress int) error

	// SetError flips the document to the error status and records the
	// message verbatim. Cursor fields are left intact so a resume can retry
	// instead of restarting.
	SetError(ctx context.Context, id, message string) error

	// SaveBatchLayout persists the embedding-stage plan in one write:
	// batch count, compact layout summary, cursor reset to zero and status
	// moved to embedding.
	SaveBatchLayout(ctx context.Context, id string, batchCount int, summaryJSON string, progress int) error

	// AdvanceCursor moves the batch cursor and progress forward. Both are
	// monotonic: a stale writer can never move either backwards.
	AdvanceCursor(ctx context.Context, id string, currentBatch, progress int) error

	ClearRawBlobPath(ctx context.Context, id string) error

	// ClearError restores a document from error/paused into the given
	// working status and empties error_message.
	ClearError(ctx context.Context, id, status string) error

	// MarkComplete sets status complete, progress 100 and drops the layout
	// summary to shrink the stored row.
	MarkComplete(ctx context.Context, id string) error

	DeleteDocument(ctx context.Context, id string) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
// It's abstract so AWS can be replaced with MinIO, GCP, etc. easily.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data []byte, contentType string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}

// FragmentVector is one embedded fragment ready for the vector store.
type FragmentVector struct {
	ID          string
	DocumentID  string
	Order       int
	Text        string
	PreContext  string
	PostContext string
	Embedding   []float32
}

// VectorMatch is a similarity-search hit.
type VectorMatch struct {
	ID         string
	DocumentID string
	Order      int
	Text       string
	Score      float64
}

// VectorClient defines the vector store. Every operation is scoped to an
// owner namespace; one owner's fragments are never visible to another.
type VectorClient interface {
	// UpsertFragments writes fragments by their deterministic ids.
	// Writing the same fragments twice must leave the store in the same
	// state as writing them once.
	UpsertFragments(ctx context.Context, ownerID string, items []FragmentVector) error

	// Query returns the topK nearest fragments to the query vector within
	// the owner namespace. A non-empty documentID narrows the search to one
	// document.
	Query(ctx context.Context, ownerID string, vector []float32, topK int, documentID string) ([]VectorMatch, error)

	// ListFragmentIDs returns every fragment id stored for the document,
	// in fragment order.
	ListFragmentIDs(ctx context.Context, ownerID, documentID string) ([]string, error)

	// DeleteFragments removes the given ids from the owner namespace.
	// Callers are expected to respect the store's per-call delete limit.
	DeleteFragments(ctx context.Context, ownerID string, ids []string) error

	Close()
}
