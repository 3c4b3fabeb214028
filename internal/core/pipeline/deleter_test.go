package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

type deleterHarness struct {
	db      *fakeDB
	blobs   *fakeBlobs
	vectors *fakeVectors
	deleter *Deleter
}

func newDeleterHarness(deleteLimit int) *deleterHarness {
	h := &deleterHarness{
		db:      newFakeDB(),
		blobs:   newFakeBlobs(),
		vectors: newFakeVectors(),
	}
	h.deleter = NewDeleter(h.db, h.blobs, h.vectors, deleteLimit)
	return h
}

// seed stores a complete document with raw and derived blobs plus n vectors.
func (h *deleterHarness) seed(t *testing.T, docID, ownerID string, n int) {
	t.Helper()
	ctx := context.Background()
	rawPath := fmt.Sprintf("%s/%s/upload.txt", ownerID, docID)

	require.NoError(t, h.db.CreateDocument(ctx, &models.Document{
		ID:          docID,
		OwnerID:     ownerID,
		RawBlobPath: rawPath,
		Status:      models.StatusComplete,
	}))
	require.NoError(t, h.blobs.UploadFile(ctx, rawPath, []byte("raw"), "text/plain"))
	require.NoError(t, h.blobs.UploadFile(ctx, derivedTextPath(ownerID, docID), []byte("derived"), "text/plain"))

	items := make([]core.FragmentVector, n)
	for i := range items {
		items[i] = core.FragmentVector{
			ID:         fmt.Sprintf("%s-%d", docID, i),
			DocumentID: docID,
			Order:      i,
		}
	}
	require.NoError(t, h.vectors.UpsertFragments(ctx, ownerID, items))
}

func TestDeleterRemovesEverything(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 250)

	require.NoError(t, h.deleter.Delete(context.Background(), "doc-1", "owner-1", false))

	doc, err := h.db.GetDocumentByID(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.False(t, h.blobs.has("owner-1/doc-1/upload.txt"))
	assert.False(t, h.blobs.has(derivedTextPath("owner-1", "doc-1")))
	assert.Equal(t, 0, h.vectors.count("owner-1", "doc-1"))

	// 250 ids under a 100-id per-call limit.
	assert.Equal(t, []int{100, 100, 50}, h.vectors.deleteSizes)
}

func TestDeleterOwnerMismatch(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 3)

	err := h.deleter.Delete(context.Background(), "doc-1", "owner-2", false)
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = h.deleter.Delete(context.Background(), "missing", "owner-1", false)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Nothing was touched.
	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.NotNil(t, doc)
	assert.Equal(t, 3, h.vectors.count("owner-1", "doc-1"))
}

func TestDeleterVectorFailureStopsNonForce(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 5)
	h.vectors.listErr = errors.New("store unreachable")

	err := h.deleter.Delete(context.Background(), "doc-1", "owner-1", false)
	require.Error(t, err)

	// Blobs and the metadata row go first; only the vector step failed.
	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.Nil(t, doc)
	assert.Equal(t, 5, h.vectors.count("owner-1", "doc-1"), "vectors remain for a later retry")
}

func TestDeleterForceSwallowsVectorFailure(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 5)
	h.vectors.listErr = errors.New("store unreachable")

	require.NoError(t, h.deleter.Delete(context.Background(), "doc-1", "owner-1", true))

	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.Nil(t, doc, "force delete removes the user-visible document regardless")
	assert.False(t, h.blobs.has("owner-1/doc-1/upload.txt"))
}

func TestDeleterBlobFailureStopsNonForce(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 5)
	h.blobs.deleteErr = errors.New("bucket unreachable")

	err := h.deleter.Delete(context.Background(), "doc-1", "owner-1", false)
	require.Error(t, err)

	// The failure came before the metadata row, so the document survives
	// and the delete can be retried cleanly.
	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.NotNil(t, doc)
}

func TestDeleterForceIgnoresBlobFailure(t *testing.T) {
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 5)
	h.blobs.deleteErr = errors.New("bucket unreachable")

	require.NoError(t, h.deleter.Delete(context.Background(), "doc-1", "owner-1", true))

	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.Nil(t, doc)
	assert.Equal(t, 0, h.vectors.count("owner-1", "doc-1"))
}

func TestDeleterNoVectors(t *testing.T) {
	// A document deleted before embedding ever ran has no vectors; the
	// delete must still succeed end to end.
	h := newDeleterHarness(100)
	h.seed(t, "doc-1", "owner-1", 0)

	require.NoError(t, h.deleter.Delete(context.Background(), "doc-1", "owner-1", false))
	doc, _ := h.db.GetDocumentByID(context.Background(), "doc-1")
	assert.Nil(t, doc)
}
