// Package runner drives one sampler: it drains answers, updates the model,
// searches for new queries and publishes them, over and over.
//
// Each iteration runs three tasks concurrently:
//
//   - Update: ProcessAnswers on the drained batch
//   - Search: GetQueries, bounded by SearchTimeout
//   - Publish: writes the previous iteration's search results in chunks
//
// Search and Publish are cancelled as soon as Update returns, since their
// work is against an embedding that is about to be replaced.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stsievert/salmon-sub000/pkg/checkpoint"
	"github.com/stsievert/salmon-sub000/pkg/logging"
	"github.com/stsievert/salmon-sub000/pkg/metrics"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/storage"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Flag is a boolean shared between a runner and its observers.
type Flag struct {
	v atomic.Bool
}

func (f *Flag) Set() { f.v.Store(true) }
func (f *Flag) Clear() { f.v.Store(false) }
func (f *Flag) IsSet() bool { return f.v.Load() }

// State is the lifecycle state of a runner.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config holds runner timing and batching settings.
type Config struct {
	// CheckpointInterval is the wall-clock time between checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	// SearchTimeout bounds one search regardless of cancellation.
	SearchTimeout time.Duration `yaml:"search_timeout" json:"search_timeout"`
	// PublishChunk is the number of queries written per store call.
	PublishChunk int `yaml:"publish_chunk" json:"publish_chunk" validate:"gte=0"`
	// NumQueries is passed to GetQueries; zero keeps every result.
	NumQueries int `yaml:"num_queries" json:"num_queries" validate:"gte=0"`
	// IdleSleep is the pause after an iteration that drained nothing, added
	// to the sampler's own sleep interval.
	IdleSleep time.Duration `yaml:"idle_sleep" json:"idle_sleep"`
}

// DefaultConfig returns the default runner settings.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 60 * time.Second,
		SearchTimeout:      30 * time.Second,
		PublishChunk:       1000,
		NumQueries:         10000,
		IdleSleep:          250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.PublishChunk <= 0 {
		c.PublishChunk = d.PublishChunk
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	return c
}

// Options wires a runner to its collaborators. Reset and Stopped may be
// shared with other runners and with the engine.
type Options struct {
	Config  Config
	Reset   *Flag
	Stopped *Flag
	Logger  *logging.Logger
}

// Runner drives a single sampler identity. Only one Runner may drive a
// given identity at a time.
type Runner struct {
	smp   sampler.Sampler
	store storage.Store
	cfg   Config
	log   *logging.Logger

	reset   *Flag
	stopped *Flag

	runID     string
	state     atomic.Int32
	iteration atomic.Int64
	lastErr   atomic.Pointer[error]

	// pending is the previous search result, published next iteration.
	// Only touched by the Run goroutine.
	pending []triplet.Scored
}

// New creates a runner. It does not start it.
func New(smp sampler.Sampler, st storage.Store, opts Options) *Runner {
	if opts.Reset == nil {
		opts.Reset = &Flag{}
	}
	if opts.Stopped == nil {
		opts.Stopped = &Flag{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	runID := uuid.NewString()
	return &Runner{
		smp:     smp,
		store:   st,
		cfg:     opts.Config.withDefaults(),
		log:     opts.Logger.WithSampler(smp.Name()).WithRun(runID),
		reset:   opts.Reset,
		stopped: opts.Stopped,
		runID:   runID,
	}
}

func (r *Runner) RunID() string { return r.runID }
func (r *Runner) State() State { return State(r.state.Load()) }
func (r *Runner) Iterations() int { return int(r.iteration.Load()) }

// Sampler returns the driven sampler.
func (r *Runner) Sampler() sampler.Sampler { return r.smp }

// LastError is the error of the most recent failed iteration, or nil.
func (r *Runner) LastError() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run loops until ctx is done, the reset flag is set, or the sampler
// returns an error wrapping sampler.ErrFatal. Transient errors are logged and
// the loop continues.
//
// On ctx cancellation a final checkpoint is written and Run returns nil. On
// reset the sampler's store collections are cleared. A fatal error is
// returned.
func (r *Runner) Run(ctx context.Context) error {
	r.state.Store(int32(Running))
	r.stopped.Clear()
	defer r.stopped.Set()
	defer r.state.Store(int32(Stopped))

	r.restore(ctx)
	r.log.InfoContext(ctx, "runner started", "class", r.smp.Class())

	lastCheckpoint := time.Now()
	for {
		if r.reset.IsSet() {
			return r.stop(ctx)
		}
		if ctx.Err() != nil {
			r.checkpoint(context.WithoutCancel(ctx))
			r.log.InfoContext(ctx, "runner stopped", "iterations", r.Iterations())
			return nil
		}

		drained, err := r.iterate(ctx)
		if err != nil {
			r.lastErr.Store(&err)
			if errors.Is(err, sampler.ErrFatal) {
				r.log.ErrorContext(ctx, "runner stopped on fatal error", "error", err)
				return err
			}
		}

		if time.Since(lastCheckpoint) >= r.cfg.CheckpointInterval {
			r.checkpoint(ctx)
			lastCheckpoint = time.Now()
		}

		sleep := r.smp.SleepInterval()
		if drained == 0 {
			sleep += r.cfg.IdleSleep
		}
		if sleep > 0 {
			t := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

// iterate runs one drain/update/search/publish round and returns how many
// answers were drained.
func (r *Runner) iterate(ctx context.Context) (int, error) {
	iter := int(r.iteration.Add(1))
	name := r.smp.Name()
	start := time.Now()
	rec := storage.PerfRecord{Iteration: iter, Time: start}

	answers, err := r.store.DrainAnswers(ctx, name)
	if err != nil {
		err = fmt.Errorf("drain answers: %w", err)
		r.finish(ctx, &rec, start, err)
		return 0, err
	}
	rec.Drained = len(answers)

	// stale is cancelled when Update returns.
	stale, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(stale)

	var (
		upd     *sampler.Update
		found   []triplet.Scored
		publish = r.pending
	)
	g.Go(func() error {
		defer cancel()
		t0 := time.Now()
		u, err := r.smp.ProcessAnswers(ctx, answers)
		rec.UpdateDuration = time.Since(t0)
		metrics.RecordPhase(name, metrics.PhaseUpdate, rec.UpdateDuration)
		if err != nil {
			return fmt.Errorf("process answers: %w", err)
		}
		upd = u
		return nil
	})
	g.Go(func() error {
		t0 := time.Now()
		sctx, scancel := context.WithTimeout(gctx, r.cfg.SearchTimeout)
		defer scancel()
		qs, err := r.smp.GetQueries(sctx, r.cfg.NumQueries)
		rec.SearchDuration = time.Since(t0)
		metrics.RecordPhase(name, metrics.PhaseSearch, rec.SearchDuration)
		if interrupted(sctx, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get queries: %w", err)
		}
		found = qs
		return nil
	})
	g.Go(func() error {
		t0 := time.Now()
		n, err := r.publish(gctx, publish)
		rec.Published = n
		rec.PublishDuration = time.Since(t0)
		metrics.RecordPhase(name, metrics.PhasePublish, rec.PublishDuration)
		if interrupted(gctx, err) {
			return nil
		}
		return err
	})
	err = g.Wait()

	// Update may have succeeded even if Search or Publish failed.
	if upd != nil {
		r.smp.Apply(upd)
		rec.ModelChanged = upd.ModelChanged
		rec.ModelUpdates = upd.Counters.ModelUpdates
	}
	rec.Searched = len(found)
	if found != nil {
		r.pending = found
	}
	r.finish(ctx, &rec, start, err)
	return rec.Drained, err
}

// interrupted reports whether err only says that ctx ended.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// publish replaces the queue with qs, written in chunks. The first chunk is
// always written; later chunks stop once ctx is done. Non-finite scores are
// skipped by the store.
func (r *Runner) publish(ctx context.Context, qs []triplet.Scored) (int, error) {
	if len(qs) == 0 {
		return 0, nil
	}
	name := r.smp.Name()
	if err := r.store.ClearQueries(context.WithoutCancel(ctx), name); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	written := 0
	for i := 0; i < len(qs); i += r.cfg.PublishChunk {
		if i > 0 && ctx.Err() != nil {
			break
		}
		end := min(i+r.cfg.PublishChunk, len(qs))
		n, err := r.store.PublishQueries(context.WithoutCancel(ctx), name, qs[i:end])
		written += n
		if err != nil {
			return written, fmt.Errorf("publish: %w", err)
		}
	}
	return written, nil
}

// finish records the iteration in the perf log, metrics and logs. Errors
// caused by the runner's own context being cancelled are not reported.
func (r *Runner) finish(ctx context.Context, rec *storage.PerfRecord, start time.Time, err error) {
	name := r.smp.Name()
	status := metrics.StatusOK
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		rec.Error = err.Error()
		status = metrics.StatusError
		if errors.Is(err, sampler.ErrFatal) {
			status = metrics.StatusFatal
		}
	}
	metrics.RecordIteration(name, status, rec.Drained, rec.Published, rec.ModelUpdates)
	r.log.LogIteration(ctx, rec.Iteration, rec.Drained, rec.Published, rec.ModelChanged, time.Since(start), err)
	if perr := r.store.AppendPerf(context.WithoutCancel(ctx), name, *rec); perr != nil {
		r.log.WarnContext(ctx, "perf log append failed", "error", perr)
	}
}

// checkpoint saves the sampler state to the store.
func (r *Runner) checkpoint(ctx context.Context) {
	data, err := checkpoint.Save(r.smp)
	if err == nil {
		err = r.store.SaveState(ctx, r.smp.Name(), data)
	}
	metrics.RecordCheckpoint(r.smp.Name(), err)
	r.log.LogCheckpoint(ctx, len(data), err)
}

// restore loads the last checkpoint if one exists. A missing or unreadable
// checkpoint starts the sampler fresh.
func (r *Runner) restore(ctx context.Context) {
	data, err := r.store.LoadState(context.WithoutCancel(ctx), r.smp.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err == nil {
		err = checkpoint.Load(r.smp, data)
	}
	if err != nil {
		r.log.WarnContext(ctx, "checkpoint not restored", "error", err)
		return
	}
	r.log.InfoContext(ctx, "restored checkpoint", "answers", r.smp.Model().Counters.NumAnswers)
}

// stop handles a reset: the sampler's queue, pending answers, perf log and
// checkpoint are removed.
func (r *Runner) stop(ctx context.Context) error {
	r.state.Store(int32(Stopping))
	r.log.InfoContext(ctx, "reset requested, stopping")
	r.pending = nil
	err := r.store.Clear(context.WithoutCancel(ctx), r.smp.Name())
	metrics.Reset(r.smp.Name())
	if err != nil {
		r.log.ErrorContext(ctx, "clearing sampler storage failed", "error", err)
		return fmt.Errorf("reset %s: %w", r.smp.Name(), err)
	}
	return nil
}
