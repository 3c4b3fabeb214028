package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

// fakeDB is an in-memory core.DbClient that mirrors the SQL semantics the
// real client relies on (GREATEST on cursor and progress). It records every
// progress write so tests can assert monotonicity.
type fakeDB struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	progressLog map[string][]int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		docs:        make(map[string]*models.Document),
		progressLog: make(map[string][]int),
	}
}

func (f *fakeDB) CreateDocument(_ context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDB) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDB) ListDocumentsByOwner(_ context.Context, ownerID string) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Document
	for _, d := range f.docs {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDB) UpdateStatus(_ context.Context, id, status string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.Status = status
	if progress > doc.Progress {
		doc.Progress = progress
	}
	f.progressLog[id] = append(f.progressLog[id], doc.Progress)
	return nil
}

func (f *fakeDB) SetError(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.Status = models.StatusError
	doc.ErrorMessage = message
	return nil
}

func (f *fakeDB) SaveBatchLayout(_ context.Context, id string, batchCount int, summaryJSON string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.BatchCount = batchCount
	doc.LayoutSummary = summaryJSON
	doc.CurrentBatch = 0
	doc.Status = models.StatusEmbedding
	if progress > doc.Progress {
		doc.Progress = progress
	}
	f.progressLog[id] = append(f.progressLog[id], doc.Progress)
	return nil
}

func (f *fakeDB) AdvanceCursor(_ context.Context, id string, currentBatch, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	if currentBatch > doc.CurrentBatch {
		doc.CurrentBatch = currentBatch
	}
	if progress > doc.Progress {
		doc.Progress = progress
	}
	f.progressLog[id] = append(f.progressLog[id], doc.Progress)
	return nil
}

func (f *fakeDB) ClearRawBlobPath(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.RawBlobPath = ""
	}
	return nil
}

func (f *fakeDB) ClearError(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.Status = status
	doc.ErrorMessage = ""
	return nil
}

func (f *fakeDB) MarkComplete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document not found: %s", id)
	}
	doc.Status = models.StatusComplete
	doc.Progress = 100
	doc.LayoutSummary = ""
	doc.ErrorMessage = ""
	f.progressLog[id] = append(f.progressLog[id], doc.Progress)
	return nil
}

func (f *fakeDB) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDB) Close() error { return nil }

func (f *fakeDB) progressHistory(id string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.progressLog[id]...)
}

// fakeBlobs is an in-memory core.ObjectClient.
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) UploadFile(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobs) GetFile(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBlobs) DeleteFile(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// fakeVectors is an in-memory core.VectorClient keyed exactly like the real
// store: globally unique fragment id inside an owner namespace.
type fakeVectors struct {
	mu sync.Mutex
	// owner -> id -> fragment
	store map[string]map[string]core.FragmentVector

	upsertSizes []int // size of every UpsertFragments call, in order
	failNext    int   // fail this many upserts before succeeding
	failErr     error // error to return while failNext > 0
	listErr     error
	deleteErr   error
	deleteSizes []int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{store: make(map[string]map[string]core.FragmentVector)}
}

func (f *fakeVectors) UpsertFragments(_ context.Context, ownerID string, items []core.FragmentVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertSizes = append(f.upsertSizes, len(items))
	if f.failNext > 0 {
		f.failNext--
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("vector store unavailable")
	}
	ns, ok := f.store[ownerID]
	if !ok {
		ns = make(map[string]core.FragmentVector)
		f.store[ownerID] = ns
	}
	for _, it := range items {
		ns[it.ID] = it
	}
	return nil
}

func (f *fakeVectors) Query(_ context.Context, ownerID string, _ []float32, topK int, documentID string) ([]core.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.VectorMatch
	for _, it := range f.store[ownerID] {
		if documentID != "" && it.DocumentID != documentID {
			continue
		}
		out = append(out, core.VectorMatch{ID: it.ID, DocumentID: it.DocumentID, Order: it.Order, Text: it.Text})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (f *fakeVectors) ListFragmentIDs(_ context.Context, ownerID, documentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []string
	for _, it := range f.store[ownerID] {
		if it.DocumentID == documentID {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

func (f *fakeVectors) DeleteFragments(_ context.Context, ownerID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleteSizes = append(f.deleteSizes, len(ids))
	for _, id := range ids {
		delete(f.store[ownerID], id)
	}
	return nil
}

func (f *fakeVectors) Close() {}

func (f *fakeVectors) count(ownerID, documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.store[ownerID] {
		if it.DocumentID == documentID {
			n++
		}
	}
	return n
}

// fakeEmbedder counts calls and can reject oversized batches the way a
// rate-limited provider would.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchSizes []int
	textsSeen  int
	failOver   int   // if > 0, batches larger than this are rate limited
	err        error // if set, every call fails with this error
	dim        int
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.err != nil {
		return nil, f.err
	}
	if f.failOver > 0 && len(texts) > f.failOver {
		return nil, core.ErrRateLimited
	}
	f.textsSeen += len(texts)
	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, dim)
		vec[0] = float32(len(t))
		out[i] = vec
	}
	return out, nil
}

// fakeExtractor hands back the raw bytes as text, or a canned error.
type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) ExtractText(_ context.Context, raw []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return string(raw), nil
}
