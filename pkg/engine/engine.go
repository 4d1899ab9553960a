// Package engine is the request-facing side of salmon. It owns a set of
// samplers, one runner per sampler, and the shared store, and it answers
// query and answer requests from participants.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stsievert/salmon-sub000/pkg/cache"
	"github.com/stsievert/salmon-sub000/pkg/logging"
	"github.com/stsievert/salmon-sub000/pkg/metrics"
	"github.com/stsievert/salmon-sub000/pkg/runner"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/storage"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Errors returned by the engine.
var (
	ErrNoSamplers       = errors.New("no active samplers")
	ErrUnknownSampler   = errors.New("unknown sampler")
	ErrDuplicateSampler = errors.New("duplicate sampler name")
	ErrInvalidWeight    = errors.New("invalid sampler weight")
	ErrRunning          = errors.New("engine already running")
)

// SamplerSpec declares one sampler and its share of served queries.
type SamplerSpec struct {
	Options sampler.Options
	// Weight is the relative chance of being picked for a request. Zero
	// means 1.
	Weight float64
}

// Options configures an Engine.
type Options struct {
	Runner runner.Config
	// DirectRate limits on-demand searches (SRR) in requests per second.
	// Zero disables the limit. Requests over the limit are served from the
	// queue or at random.
	DirectRate  float64
	DirectBurst int
	Seed        uint64
	Logger      *logging.Logger
}

// Served is a query handed to a participant.
type Served struct {
	triplet.Query
	Sampler string  `json:"sampler"`
	Score   float64 `json:"score"`
	// Source is direct, queue or fallback.
	Source string `json:"source"`
}

// SamplerStatus describes one sampler for observers.
type SamplerStatus struct {
	Name       string           `json:"name"`
	Class      string           `json:"class"`
	State      string           `json:"state"`
	Stopped    bool             `json:"stopped"`
	Iterations int              `json:"iterations"`
	Counters   sampler.Counters `json:"counters"`
	LastError  string           `json:"last_error,omitempty"`
	// Participants is set for per-participant round robin samplers.
	Participants *cache.Stats `json:"participants,omitempty"`
}

type entry struct {
	opts    sampler.Options
	weight  float64
	smp     sampler.Sampler
	run     *runner.Runner
	stopped *runner.Flag
}

// Engine runs every configured sampler against one store.
type Engine struct {
	store   storage.Store
	opts    Options
	specs   []SamplerSpec
	log     *logging.Logger
	limiter *rate.Limiter

	// reset is shared by every runner.
	reset *runner.Flag

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds every sampler. Configuration errors are reported here, before
// anything runs.
func New(st storage.Store, specs []SamplerSpec, opts Options) (*Engine, error) {
	if len(specs) == 0 {
		return nil, ErrNoSamplers
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	e := &Engine{
		store: st,
		opts:  opts,
		specs: specs,
		log:   opts.Logger,
		reset: &runner.Flag{},
		rng:   triplet.NewRand(opts.Seed),
	}
	if opts.DirectRate > 0 {
		burst := opts.DirectBurst
		if burst <= 0 {
			burst = max(1, int(opts.DirectRate))
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.DirectRate), burst)
	}
	if err := e.build(); err != nil {
		return nil, err
	}
	return e, nil
}

// build creates fresh samplers from the specs.
func (e *Engine) build() error {
	entries := make([]*entry, 0, len(e.specs))
	byName := make(map[string]*entry, len(e.specs))
	for _, spec := range e.specs {
		name := spec.Options.Name
		if _, dup := byName[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateSampler, name)
		}
		w := spec.Weight
		if w == 0 {
			w = 1
		}
		if w < 0 {
			return fmt.Errorf("%w: %q has weight %g", ErrInvalidWeight, name, w)
		}
		smp, err := sampler.New(spec.Options)
		if err != nil {
			return err
		}
		ent := &entry{opts: spec.Options, weight: w, smp: smp, stopped: &runner.Flag{}}
		entries = append(entries, ent)
		byName[name] = ent
	}
	e.mu.Lock()
	e.entries, e.byName = entries, byName
	e.mu.Unlock()
	return nil
}

// Start launches one runner per sampler. Runners stop when ctx is done, on
// Stop, or on Reset.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrRunning
	}
	e.reset.Clear()
	ctx, e.cancel = context.WithCancel(ctx)
	for _, ent := range e.entries {
		ent.run = runner.New(ent.smp, e.store, runner.Options{
			Config:  e.opts.Runner,
			Reset:   e.reset,
			Stopped: ent.stopped,
			Logger:  e.log,
		})
		e.wg.Add(1)
		go func(ent *entry) {
			defer e.wg.Done()
			if err := ent.run.Run(ctx); err != nil {
				e.log.ErrorContext(ctx, "runner exited", "sampler", ent.smp.Name(), "error", err)
			}
		}(ent)
	}
	e.log.InfoContext(ctx, "engine started", "samplers", len(e.entries))
	return nil
}

// Stop cancels every runner and waits for them to checkpoint and exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// active returns the samplers still in rotation. Caller holds e.mu.
func (e *Engine) active() []*entry {
	out := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		if ent.run != nil && ent.stopped.IsSet() {
			continue
		}
		out = append(out, ent)
	}
	return out
}

// pick draws a sampler with probability proportional to its weight.
func (e *Engine) pick() (*entry, error) {
	e.mu.RLock()
	act := e.active()
	e.mu.RUnlock()
	if len(act) == 0 {
		return nil, ErrNoSamplers
	}
	total := 0.0
	for _, ent := range act {
		total += ent.weight
	}
	e.rngMu.Lock()
	x := e.rng.Float64() * total
	e.rngMu.Unlock()
	for _, ent := range act {
		if x < ent.weight {
			return ent, nil
		}
		x -= ent.weight
	}
	return act[len(act)-1], nil
}

// GetQuery serves one query. The sampler is picked by weight; samplers that
// build queries on demand are asked first, then the published queue, and a
// random query is served when the queue is empty.
func (e *Engine) GetQuery(ctx context.Context, participant string) (Served, error) {
	ent, err := e.pick()
	if err != nil {
		return Served{}, err
	}
	name := ent.smp.Name()

	if dq, ok := ent.smp.(sampler.DirectQuerier); ok && e.allowDirect(ent) {
		q, ok, err := dq.Query(ctx, participant)
		if err != nil {
			return Served{}, fmt.Errorf("query %s: %w", name, err)
		}
		if ok {
			metrics.RecordServed(name, metrics.SourceDirect)
			return Served{Query: q.Query, Sampler: name, Score: q.Score, Source: metrics.SourceDirect}, nil
		}
	}

	q, err := e.store.TryPopQuery(ctx, name)
	switch {
	case err == nil:
		metrics.RecordServed(name, metrics.SourceQueue)
		return Served{Query: e.randomize(q.Query), Sampler: name, Score: q.Score, Source: metrics.SourceQueue}, nil
	case !errors.Is(err, storage.ErrEmpty):
		e.log.WarnContext(ctx, "queue unavailable, serving random query", "sampler", name, "error", err)
	}
	metrics.RecordServed(name, metrics.SourceFallback)
	return Served{Query: e.random(ent), Sampler: name, Source: metrics.SourceFallback}, nil
}

// allowDirect applies the on-demand search limit to SRR samplers.
func (e *Engine) allowDirect(ent *entry) bool {
	if e.limiter == nil || !strings.EqualFold(ent.smp.Class(), "SRR") {
		return true
	}
	return e.limiter.Allow()
}

func (e *Engine) randomize(q triplet.Query) triplet.Query {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return triplet.Randomize(e.rng, q)
}

func (e *Engine) random(ent *entry) triplet.Query {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	if ent.opts.Items != nil {
		return ent.opts.Items.Random(e.rng)
	}
	return triplet.Random(e.rng, ent.opts.N)
}

// SubmitAnswer validates an answer and queues it for the sampler named in
// a.Sampler. It is processed by that sampler's runner later.
func (e *Engine) SubmitAnswer(ctx context.Context, a triplet.Answer) error {
	e.mu.RLock()
	ent, ok := e.byName[a.Sampler]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSampler, a.Sampler)
	}
	if err := a.Validate(ent.opts.N); err != nil {
		return err
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if err := e.store.PushAnswers(ctx, a.Sampler, []triplet.Answer{a}); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	metrics.RecordAnswer(a.Sampler)
	return nil
}

// GetModel returns the sampler's embedding, counters and configuration.
func (e *Engine) GetModel(name string) (sampler.Model, error) {
	e.mu.RLock()
	ent, ok := e.byName[name]
	e.mu.RUnlock()
	if !ok {
		return sampler.Model{}, fmt.Errorf("%w: %q", ErrUnknownSampler, name)
	}
	return ent.smp.Model(), nil
}

// Perf returns the sampler's runner iteration log.
func (e *Engine) Perf(ctx context.Context, name string) ([]storage.PerfRecord, error) {
	e.mu.RLock()
	_, ok := e.byName[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSampler, name)
	}
	return e.store.PerfLog(ctx, name)
}

// Samplers lists sampler names in configuration order.
func (e *Engine) Samplers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.entries))
	for i, ent := range e.entries {
		out[i] = ent.smp.Name()
	}
	return out
}

// Status reports every sampler's runner state.
func (e *Engine) Status() []SamplerStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SamplerStatus, 0, len(e.entries))
	for _, ent := range e.entries {
		s := SamplerStatus{
			Name:     ent.smp.Name(),
			Class:    ent.smp.Class(),
			State:    runner.Idle.String(),
			Stopped:  ent.stopped.IsSet(),
			Counters: ent.smp.Model().Counters,
		}
		if rr, ok := ent.smp.(*sampler.RoundRobin); ok && ent.opts.PerParticipant {
			st := rr.CycleStats()
			s.Participants = &st
		}
		if ent.run != nil {
			s.State = ent.run.State().String()
			s.Iterations = ent.run.Iterations()
			if err := ent.run.LastError(); err != nil {
				s.LastError = err.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

// Reset stops every runner, clears every sampler's stored data and rebuilds
// the samplers from scratch. It waits until all runners report stopped or
// ctx is done. The engine is left stopped; call Start to run again.
func (e *Engine) Reset(ctx context.Context) error {
	e.reset.Set()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("reset: waiting for runners: %w", ctx.Err())
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	names := make([]string, len(e.entries))
	for i, ent := range e.entries {
		names[i] = ent.smp.Name()
	}
	e.mu.Unlock()

	// Runners that had already stopped did not clear their data.
	for _, name := range names {
		if err := e.store.Clear(ctx, name); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		metrics.Reset(name)
	}
	e.reset.Clear()
	e.log.InfoContext(ctx, "engine reset", "samplers", len(names))
	return e.build()
}
