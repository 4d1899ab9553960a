// Package sampler implements the query-selection policies driven by a runner.
//
// Every sampler answers two questions for the runner loop:
//
//   - ProcessAnswers: fold a drained batch of answers into the model. This is
//     the only method allowed to mutate model state and it runs concurrently
//     with GetQueries. It returns an Update that the runner commits with Apply
//     once the iteration's tasks have joined.
//   - GetQueries: search for the best queries to publish, stopping when ctx is
//     cancelled (the runner cancels it as soon as ProcessAnswers returns).
//
// Samplers that can also produce a query synchronously for one request
// implement DirectQuerier.
//
// Variants:
//
//	Random      uniform random queries
//	RoundRobin  heads in shuffled cycles, optionally one cycle per participant
//	Validation  a fixed list of queries, reshuffled every pass
//	Adaptive    random during cold start, then information-guided bulk search
//	ARR         Adaptive with top-k per head and low-score random filler
//	SRR         Adaptive with a small per-request search for one head
//	Failing     always fails; used to check fault isolation
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

var (
	// ErrFatal marks errors that must stop the sampler's runner.
	ErrFatal = errors.New("sampler: fatal")
	// ErrUnknownSampler is returned by New for unregistered classes.
	ErrUnknownSampler = errors.New("sampler: unknown class")
	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("sampler: invalid options")
)

// Sampler is a query-selection policy.
type Sampler interface {
	// Name is the sampler identity (unique per engine).
	Name() string
	// Class is the registered variant name.
	Class() string
	ProcessAnswers(ctx context.Context, answers []triplet.Answer) (*Update, error)
	Apply(u *Update)
	GetQueries(ctx context.Context, num int) ([]triplet.Scored, error)
	// Model returns the last committed model. Safe for concurrent use.
	Model() Model
	Snapshot() (State, error)
	Restore(s State) error
	// SleepInterval is the pause between runner iterations.
	SleepInterval() time.Duration
}

// DirectQuerier is implemented by samplers that can build a query on demand.
// ok is false when the sampler has nothing to offer and the caller should
// fall back to the published queue.
type DirectQuerier interface {
	Query(ctx context.Context, participant string) (q triplet.Scored, ok bool, err error)
}

// Counters are the per-sampler progress counters.
type Counters struct {
	NumAnswers          int `json:"num_ans"`
	ModelUpdates        int `json:"model_updates"`
	ProcessAnswersCalls int `json:"process_answers_calls"`
}

// Update is the result of ProcessAnswers, committed by Apply.
type Update struct {
	Counters     Counters
	ModelChanged bool
	Answers      int
	Dropped      int
	Fit          embedding.FitStats

	model  *Model
	commit func()
}

// Model is the externally visible state of a sampler.
type Model struct {
	Sampler   string          `json:"sampler"`
	Class     string          `json:"class"`
	N         int             `json:"n"`
	D         int             `json:"d,omitempty"`
	Embedding [][]float64     `json:"embedding,omitempty"`
	Counters  Counters        `json:"counters"`
	Meta      *embedding.Meta `json:"meta,omitempty"`
	Config    map[string]any  `json:"config,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State is the checkpointed form of a sampler.
type State struct {
	Sampler   string           `json:"sampler"`
	Class     string           `json:"class"`
	Counters  Counters         `json:"counters"`
	Optimizer *embedding.State `json:"optimizer,omitempty"`
	SavedAt   time.Time        `json:"saved_at"`
}

// base carries what every variant shares.
type base struct {
	name  string
	class string
	n     int
	items *triplet.ItemSet
	sleep time.Duration

	counters Counters
	model    atomic.Pointer[Model]

	mu  sync.Mutex
	rng *rand.Rand
}

func (b *base) init(opts Options, class string, sleep time.Duration) {
	b.name = opts.Name
	b.class = class
	b.n = opts.N
	b.items = opts.Items
	b.sleep = sleep
	b.rng = triplet.NewRand(opts.Seed)
	b.model.Store(&Model{Sampler: opts.Name, Class: class, N: opts.N, Config: opts.describe(), UpdatedAt: time.Now()})
}

func (b *base) Name() string { return b.name }
func (b *base) Class() string { return b.class }
func (b *base) SleepInterval() time.Duration { return b.sleep }
func (b *base) Model() Model { return *b.model.Load() }

// random draws one query from the allowed items. Safe for concurrent use.
func (b *base) random() triplet.Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.items != nil {
		return b.items.Random(b.rng)
	}
	return triplet.Random(b.rng, b.n)
}

// count validates a batch and returns the counters it leads to.
func (b *base) count(answers []triplet.Answer) ([]triplet.Triplet, int, Counters) {
	ts, dropped := triplet.Triplets(answers, b.n)
	c := b.counters
	c.ProcessAnswersCalls++
	c.NumAnswers += len(ts)
	return ts, dropped, c
}

// processCounts is ProcessAnswers for samplers without a model.
func (b *base) processCounts(answers []triplet.Answer) *Update {
	ts, dropped, c := b.count(answers)
	return &Update{Counters: c, Answers: len(ts), Dropped: dropped}
}

func (b *base) Apply(u *Update) {
	if u == nil {
		return
	}
	b.counters = u.Counters
	if u.commit != nil {
		u.commit()
	}
	m := u.model
	if m == nil {
		prev := *b.model.Load()
		m = &prev
	}
	m.Counters = u.Counters
	m.UpdatedAt = time.Now()
	b.model.Store(m)
}

func (b *base) Snapshot() (State, error) {
	return State{Sampler: b.name, Class: b.class, Counters: b.counters, SavedAt: time.Now()}, nil
}

func (b *base) Restore(s State) error {
	if err := b.checkState(s); err != nil {
		return err
	}
	b.counters = s.Counters
	m := *b.model.Load()
	m.Counters = s.Counters
	b.model.Store(&m)
	return nil
}

func (b *base) checkState(s State) error {
	if !strings.EqualFold(s.Class, b.class) {
		return fmt.Errorf("sampler %s: state class %q does not match %q", b.name, s.Class, b.class)
	}
	return nil
}

// GetQueries publishes nothing for samplers that serve only direct queries.
func (b *base) GetQueries(context.Context, int) ([]triplet.Scored, error) { return nil, nil }

// Factory builds a sampler from options.
type Factory func(opts Options) (Sampler, error)

var registry = map[string]Factory{
	"random":     func(o Options) (Sampler, error) { return wrap(NewRandom(o)) },
	"roundrobin": func(o Options) (Sampler, error) { return wrap(NewRoundRobin(o)) },
	"validation": func(o Options) (Sampler, error) { return wrap(NewValidation(o)) },
	"adaptive":   func(o Options) (Sampler, error) { return wrap(NewAdaptive(o)) },
	"arr":        func(o Options) (Sampler, error) { return wrap(NewARR(o)) },
	"srr":        func(o Options) (Sampler, error) { return wrap(NewSRR(o)) },
	"failing":    func(o Options) (Sampler, error) { return wrap(NewFailing(o)) },
}

// wrap keeps a failed constructor from leaking a typed nil.
func wrap(s Sampler, err error) (Sampler, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// New resolves opts.Class through the registry.
func New(opts Options) (Sampler, error) {
	f, ok := registry[strings.ToLower(opts.Class)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownSampler, opts.Class, strings.Join(Classes(), ", "))
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return f(opts)
}

// Classes lists the registered sampler classes.
func Classes() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
