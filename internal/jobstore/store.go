// Package jobstore persists job documents and coordinates every mutation of
// them through an optimistic-concurrency update loop.
package jobstore

import (
	"context"
	"time"

	"github.com/foundryci/foundry/internal/job"
)

// Filter selects jobs for Find. Zero-valued fields match everything.
type Filter struct {
	StreamID      string
	TemplateID    string
	MinChange     int
	MaxChange     int
	ModifiedAfter time.Time

	// Index/Count page through results ordered by create time descending.
	Index int
	Count int
}

// Store holds one document per job, keyed by id, each carrying an
// UpdateIndex that increases by exactly 1 on every successful write.
type Store interface {
	// Add inserts a new job. The id must not already exist.
	Add(ctx context.Context, j *job.Job) error

	// Get returns the job with the given id, or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Find returns jobs matching the filter, newest first.
	Find(ctx context.Context, f Filter) ([]*job.Job, error)

	// GetDispatchQueue returns all jobs with a non-zero schedule priority,
	// highest priority first, oldest first within a priority.
	GetDispatchQueue(ctx context.Context) ([]*job.Job, error)

	// TryUpdate writes j conditional on the stored update index still being
	// j.UpdateIndex-1. Returns false (and no error) when another writer won
	// the race.
	TryUpdate(ctx context.Context, j *job.Job) (bool, error)

	// Delete removes the job conditional on its update index. Returns false
	// when the index is stale or the job is gone.
	Delete(ctx context.Context, id string, expectedIndex int) (bool, error)

	Close() error
}
