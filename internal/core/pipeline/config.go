package pipeline

import "time"

// Config tunes the ingestion pipeline.
//
// TargetSize/Overlap:       chunking knobs, characters.
// FragmentsPerBatch:        fragments per checkpointed embedding batch.
// GroupSize/FallbackSize:   uploader sub-batch sizes; FallbackSize is used
//                           after a rate/capacity rejection of a full group.
// InvocationBudget:         wall-clock budget for one invocation; the stage
//                           controller pauses once it is exceeded. Keep it
//                           well under the host's kill limit.
// CacheCap:                 max entries in the process-local embedding cache.
// VectorDeleteLimit:        ids per vector-store delete call.
type Config struct {
	TargetSize        int
	Overlap           int
	FragmentsPerBatch int
	GroupSize         int
	FallbackSize      int
	InvocationBudget  time.Duration
	CacheCap          int
	VectorDeleteLimit int
}

func DefaultConfig() *Config {
	return &Config{
		TargetSize:        2000,
		Overlap:           200,
		FragmentsPerBatch: 20,
		GroupSize:         40,
		FallbackSize:      20,
		InvocationBudget:  8 * time.Second,
		CacheCap:          8192,
		VectorDeleteLimit: 100,
	}
}

// Progress bounds per stage. The embedding loop interpolates linearly
// between progressEmbedStart and progressEmbedEnd over the batch count.
const (
	progressExtracting = 10
	progressChunking   = 20
	progressEmbedStart = 25
	progressEmbedEnd   = 95
)

func (c *Config) sanitize() {
	d := DefaultConfig()
	if c.TargetSize <= 0 {
		c.TargetSize = d.TargetSize
	}
	if c.Overlap < 0 {
		c.Overlap = d.Overlap
	}
	if c.FragmentsPerBatch <= 0 {
		c.FragmentsPerBatch = d.FragmentsPerBatch
	}
	if c.GroupSize <= 0 {
		c.GroupSize = d.GroupSize
	}
	if c.FallbackSize <= 0 || c.FallbackSize > c.GroupSize {
		c.FallbackSize = d.FallbackSize
	}
	if c.InvocationBudget <= 0 {
		c.InvocationBudget = d.InvocationBudget
	}
	if c.CacheCap <= 0 {
		c.CacheCap = d.CacheCap
	}
	if c.VectorDeleteLimit <= 0 {
		c.VectorDeleteLimit = d.VectorDeleteLimit
	}
}
