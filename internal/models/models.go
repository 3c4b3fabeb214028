package models

import (
	"strconv"
	"time"
)

// Document statuses. A document moves queued -> extracting -> chunking ->
// embedding -> complete; paused and error are reachable from the three
// working states and are re-entered into the pipeline by the resume trigger.
const (
	StatusQueued     = "queued"
	StatusExtracting = "extracting"
	StatusChunking   = "chunking"
	StatusEmbedding  = "embedding"
	StatusPaused     = "paused"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// statusTransitions lists the statuses a document may move to from each
// status. Same-status writes are always allowed (crashed invocations
// re-enter the stage they died in).
var statusTransitions = map[string][]string{
	StatusQueued:     {StatusExtracting, StatusError},
	StatusExtracting: {StatusChunking, StatusError},
	StatusChunking:   {StatusEmbedding, StatusError},
	StatusEmbedding:  {StatusPaused, StatusComplete, StatusError},
	StatusPaused:     {StatusEmbedding, StatusError},
	StatusError:      {StatusExtracting, StatusEmbedding},
	StatusComplete:   {},
}

// ValidTransition reports whether a document may move from one status to
// another. Complete is terminal.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Document is the unit of work moving through the ingestion pipeline.
// BatchCount and CurrentBatch form the embedding-stage cursor; the stage
// controller only advances CurrentBatch after a batch is fully upserted, so
// a killed invocation can at worst redo one idempotent batch.
type Document struct {
	ID            string    `db:"id" json:"id"`
	OwnerID       string    `db:"owner_id" json:"owner_id"`
	Title         string    `db:"title" json:"title"`
	FileName      string    `db:"file_name" json:"file_name"`
	ContentType   string    `db:"content_type" json:"content_type"`
	RawBlobPath   string    `db:"raw_blob_path" json:"-"`
	Status        string    `db:"status" json:"status"`
	Progress      int       `db:"progress" json:"progress"`
	BatchCount    int       `db:"batch_count" json:"batch_count"`
	CurrentBatch  int       `db:"current_batch" json:"current_batch"`
	LayoutSummary string    `db:"layout_summary" json:"-"`
	ErrorMessage  string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Fragment is one bounded slice of a document's normalized text.
//
// PreContext and PostContext carry the tail of the previous fragment and the
// head of the next one so a consumer sees surrounding text without the body
// text being duplicated (and double-embedded) across fragments.
type Fragment struct {
	Order       int    `json:"order"`
	Text        string `json:"text"`
	PreContext  string `json:"pre_context,omitempty"`
	PostContext string `json:"post_context,omitempty"`
}

// VectorID derives the deterministic vector-store id for this fragment.
// Re-upserting the same fragment always hits the same id, which is what
// makes batch retries and resumes idempotent.
func (f Fragment) VectorID(documentID string) string {
	return documentID + "-" + strconv.Itoa(f.Order)
}

// LayoutSummary is the compact chunk-layout record persisted at
// embedding prep instead of the fragment bodies themselves. It is enough to
// re-derive and validate the exact same batches on a later invocation:
// chunking is deterministic, so re-chunking the normalized text with the
// recorded knobs must reproduce FragmentCount fragments split as BatchSizes.
type LayoutSummary struct {
	TargetSize    int     `json:"target_size"`
	Overlap       int     `json:"overlap"`
	FragmentCount int     `json:"fragment_count"`
	BatchSizes    []int   `json:"batch_sizes"`
	InputChars    int     `json:"input_chars"`
	OutputChars   int     `json:"output_chars"`
	Coverage      float64 `json:"coverage"`
}
