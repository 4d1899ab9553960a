// Package storage provides the durable query/answer store shared by the
// engine and its runners.
//
// Each sampler identity owns four independent collections:
//
//   - a priority queue of scored queries (highest score served first)
//   - a pending-answers collection that runners drain atomically
//   - a checkpoint blob
//   - a performance log of runner iterations
//
// Two implementations are provided:
//   - BadgerStore: persistent storage on BadgerDB
//   - MemoryStore: in-process maps, for tests and ephemeral runs
//
// Example Usage:
//
//	st, err := storage.NewBadgerStore(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	st.PublishQueries(ctx, "adaptive", scored)
//	q, err := st.PopQuery(ctx, "adaptive")
//	answers, err := st.DrainAnswers(ctx, "adaptive")
package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Errors returned by storage operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrEmpty         = errors.New("queue empty")
	ErrStorageClosed = errors.New("storage closed")
	ErrInvalidID     = errors.New("invalid sampler id")
)

// Store is the contract between runners, the engine and durable storage.
//
// All methods are safe for concurrent use. DrainAnswers is atomic: an answer
// pushed concurrently is returned either by this drain or by the next one,
// never both and never neither.
type Store interface {
	// PublishQueries upserts scored queries. A query that is already queued
	// (in either left/right order) takes the new score. Non-finite scores are
	// skipped. It returns how many queries were written.
	PublishQueries(ctx context.Context, sampler string, qs []triplet.Scored) (int, error)
	// TryPopQuery removes and returns the highest-scored query, or ErrEmpty.
	TryPopQuery(ctx context.Context, sampler string) (triplet.Scored, error)
	// PopQuery is TryPopQuery that waits until a query is available or ctx
	// is done.
	PopQuery(ctx context.Context, sampler string) (triplet.Scored, error)
	ClearQueries(ctx context.Context, sampler string) error
	QueueLen(ctx context.Context, sampler string) (int, error)

	PushAnswers(ctx context.Context, sampler string, answers []triplet.Answer) error
	// DrainAnswers returns every pending answer in arrival order and removes
	// them.
	DrainAnswers(ctx context.Context, sampler string) ([]triplet.Answer, error)

	SaveState(ctx context.Context, sampler string, data []byte) error
	// LoadState returns ErrNotFound when no checkpoint exists.
	LoadState(ctx context.Context, sampler string) ([]byte, error)
	DeleteState(ctx context.Context, sampler string) error

	AppendPerf(ctx context.Context, sampler string, rec PerfRecord) error
	PerfLog(ctx context.Context, sampler string) ([]PerfRecord, error)

	// Clear removes every collection of the sampler.
	Clear(ctx context.Context, sampler string) error
	Close() error
}

// PerfRecord describes one runner iteration.
type PerfRecord struct {
	Iteration       int           `json:"iteration"`
	Time            time.Time     `json:"time"`
	Drained         int           `json:"drained"`
	Searched        int           `json:"searched"`
	Published       int           `json:"published"`
	ModelChanged    bool          `json:"model_changed"`
	ModelUpdates    int           `json:"model_updates"`
	UpdateDuration  time.Duration `json:"update_duration"`
	SearchDuration  time.Duration `json:"search_duration"`
	PublishDuration time.Duration `json:"publish_duration"`
	Error           string        `json:"error,omitempty"`
}

// popPollInterval is how often PopQuery retries an empty queue.
const popPollInterval = 20 * time.Millisecond

// popBlocking retries try until it returns something other than ErrEmpty.
func popBlocking(ctx context.Context, try func() (triplet.Scored, error)) (triplet.Scored, error) {
	ticker := time.NewTicker(popPollInterval)
	defer ticker.Stop()
	for {
		q, err := try()
		if !errors.Is(err, ErrEmpty) {
			return q, err
		}
		select {
		case <-ctx.Done():
			return triplet.Scored{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// less orders queries for serving: higher score first, then by index so the
// order is total.
func less(a, b triplet.Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	ka, kb := [3]int{a.Head, a.Left, a.Right}, [3]int{b.Head, b.Left, b.Right}
	for i := range ka {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	return false
}
