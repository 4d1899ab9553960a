package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/posterior"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
	"gonum.org/v1/gonum/mat"
)

// Adaptive serves random queries until R·n answers have arrived and then
// only publishes queries found by searching the posterior.
//
// ProcessAnswers owns the optimizer. It builds a fresh scorer from the new
// embedding and hands it over through the Update; GetQueries and direct
// queries only ever read a scorer that is no longer written to.
type Adaptive struct {
	base
	opts Options

	noise     noise.Model
	opt       *embedding.Optimizer
	proto     *posterior.Scorer
	scorer    atomic.Pointer[posterior.Scorer]
	answered  atomic.Int64
	coldStart int

	// searchRng is only used from GetQueries, which the runner never calls
	// concurrently with itself.
	searchRng *rand.Rand
}

// NewAdaptive creates an Adaptive sampler. Unknown noise models, optimizers,
// dampers or scorers are reported here.
func NewAdaptive(opts Options) (*Adaptive, error) {
	return newAdaptive(opts, "Adaptive")
}

func newAdaptive(opts Options, class string) (*Adaptive, error) {
	opts.adaptiveDefaults()
	m, err := noise.New(opts.Noise, opts.NoiseParams)
	if err != nil {
		return nil, fmt.Errorf("sampler %s: %w", opts.Name, err)
	}
	opt, err := embedding.New(opts.Embedding, m)
	if err != nil {
		return nil, fmt.Errorf("sampler %s: %w", opts.Name, err)
	}
	proto, err := posterior.New(opts.Scorer, m, opts.N, opts.Items)
	if err != nil {
		return nil, fmt.Errorf("sampler %s: %w", opts.Name, err)
	}
	proto.MaxHistory = opts.MaxHistory

	opts.Embedding = opt.Config()
	a := &Adaptive{
		opts:      opts,
		noise:     m,
		opt:       opt,
		proto:     proto,
		coldStart: int(math.Ceil(opts.R * float64(opts.N))),
		searchRng: triplet.NewRand(opts.Seed ^ 0x5bd1e995),
	}
	a.init(opts, class, 0)
	a.model.Store(a.snapshotModel())
	return a, nil
}

// ColdStart is the number of answers served at random before searching.
func (a *Adaptive) ColdStart() int { return a.coldStart }

func (a *Adaptive) ready() bool {
	return int(a.answered.Load()) >= a.coldStart && a.scorer.Load() != nil
}

func (a *Adaptive) snapshotModel() *Model {
	x := a.opt.Embedding()
	n, d := x.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = append([]float64(nil), x.RawRowView(i)...)
	}
	meta := a.opt.Meta()
	return &Model{
		Sampler:   a.name,
		Class:     a.class,
		N:         n,
		D:         d,
		Embedding: rows,
		Counters:  a.counters,
		Meta:      &meta,
		Config:    a.opts.describe(),
	}
}

func (a *Adaptive) ProcessAnswers(ctx context.Context, answers []triplet.Answer) (*Update, error) {
	ts, dropped, c := a.count(answers)
	a.opt.Push(ts)
	fit := a.opt.PartialFit(len(ts), a.opts.FitBudget)
	c.ModelUpdates = a.opt.Meta().ModelUpdates

	u := &Update{Counters: c, Answers: len(ts), Dropped: dropped, Fit: fit}
	if len(ts) == 0 && a.scorer.Load() != nil {
		return u, nil
	}
	// The optimizer already holds the answers; the update still has to be
	// applied so the counters match its buffer in the next checkpoint.
	if ctx.Err() != nil {
		return u, nil
	}

	next := a.proto.Fresh()
	next.Push(a.opt.Embedding(), a.opt.History())
	u.ModelChanged = true
	u.model = a.snapshotModel()
	u.commit = func() { a.scorer.Store(next) }
	return u, nil
}

func (a *Adaptive) Apply(u *Update) {
	a.base.Apply(u)
	a.answered.Store(int64(a.counters.NumAnswers))
}

// GetQueries searches for the num highest-scoring distinct queries.
func (a *Adaptive) GetQueries(ctx context.Context, num int) ([]triplet.Scored, error) {
	if !a.ready() {
		return nil, nil
	}
	return a.search(ctx, a.scorer.Load(), num)
}

// search scores candidate batches of doubling size, from SearchMin up to
// SearchMax, stopping early once ctx is done. The first chunk is always
// scored so a cancelled search still returns something. num <= 0 keeps every
// distinct result.
func (a *Adaptive) search(ctx context.Context, sc *posterior.Scorer, num int) ([]triplet.Scored, error) {
	var out []triplet.Scored
	chunk := a.opts.SearchMin
	first := true
	for size := a.opts.SearchMin; size <= a.opts.SearchMax; size *= 2 {
		for done := 0; done < size; done += chunk {
			if !first && ctx.Err() != nil {
				return finish(out, num), nil
			}
			first = false
			qs := sc.Candidates(a.searchRng, min(chunk, size-done))
			scores, err := sc.Score(qs)
			if err != nil {
				return nil, err
			}
			for i, q := range qs {
				out = append(out, triplet.Scored{Query: q, Score: scores[i]})
			}
		}
	}
	return finish(out, num), nil
}

func finish(out []triplet.Scored, num int) []triplet.Scored {
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	out = triplet.Dedupe(out)
	if num > 0 && len(out) > num {
		out = out[:num]
	}
	return out
}

// Query serves random queries during cold start and defers to the published
// queue afterwards.
func (a *Adaptive) Query(context.Context, string) (triplet.Scored, bool, error) {
	if int(a.answered.Load()) < a.coldStart {
		return triplet.Scored{Query: a.random()}, true, nil
	}
	return triplet.Scored{}, false, nil
}

func (a *Adaptive) Snapshot() (State, error) {
	s, err := a.base.Snapshot()
	if err != nil {
		return s, err
	}
	st := a.opt.Snapshot()
	s.Optimizer = &st
	return s, nil
}

// Restore reloads the optimizer and replays the full history into a new
// posterior.
func (a *Adaptive) Restore(s State) error {
	if err := a.checkState(s); err != nil {
		return err
	}
	if s.Optimizer != nil {
		if err := a.opt.Restore(*s.Optimizer); err != nil {
			return fmt.Errorf("sampler %s: %w", a.name, err)
		}
	}
	a.counters = s.Counters
	next := a.proto.Fresh()
	next.Push(a.opt.Embedding(), a.opt.History())
	a.scorer.Store(next)
	a.answered.Store(int64(a.counters.NumAnswers))
	a.model.Store(a.snapshotModel())
	return nil
}

// Embedding returns a copy of the live embedding. Not safe while
// ProcessAnswers is running.
func (a *Adaptive) Embedding() *mat.Dense { return a.opt.Embedding() }

// ARR keeps only the top NTop searched queries per head, orders them round
// robin over a shuffled head order and lifts them above ScoreFloor. Filler
// random queries are always published at FillerScore so the queue never
// runs dry.
type ARR struct {
	*Adaptive
}

// NewARR creates an ARR sampler.
func NewARR(opts Options) (*ARR, error) {
	a, err := newAdaptive(opts, "ARR")
	if err != nil {
		return nil, err
	}
	return &ARR{Adaptive: a}, nil
}

func (r *ARR) GetQueries(ctx context.Context, num int) ([]triplet.Scored, error) {
	var top []triplet.Scored
	if r.ready() {
		all, err := r.search(ctx, r.scorer.Load(), 0)
		if err != nil {
			return nil, err
		}
		top = r.roundRobin(all)
	}
	if num > 0 && len(top) > num {
		top = top[:num]
	}

	out := make([]triplet.Scored, 0, len(top)+r.opts.Filler)
	for i, q := range top {
		out = append(out, triplet.Scored{Query: q.Query, Score: r.opts.ScoreFloor + float64(len(top)-i)})
	}
	for i := 0; i < r.opts.Filler; i++ {
		var q triplet.Query
		if r.items != nil {
			q = r.items.Random(r.searchRng)
		} else {
			q = triplet.Random(r.searchRng, r.n)
		}
		out = append(out, triplet.Scored{Query: q, Score: r.opts.FillerScore})
	}
	return out, nil
}

// roundRobin groups sorted results by head, keeps NTop per head and
// interleaves the heads in a shuffled order: every head's best query first,
// then every head's second best, and so on.
func (r *ARR) roundRobin(sorted []triplet.Scored) []triplet.Scored {
	byHead := make(map[int][]triplet.Scored)
	var heads []int
	for _, q := range sorted {
		cur, seen := byHead[q.Head]
		if !seen {
			heads = append(heads, q.Head)
		}
		if len(cur) < r.opts.NTop {
			byHead[q.Head] = append(cur, q)
		}
	}
	sort.Ints(heads)
	r.searchRng.Shuffle(len(heads), func(i, j int) { heads[i], heads[j] = heads[j], heads[i] })

	out := make([]triplet.Scored, 0, len(heads)*r.opts.NTop)
	for rank := 0; rank < r.opts.NTop; rank++ {
		for _, h := range heads {
			if qs := byHead[h]; rank < len(qs) {
				out = append(out, qs[rank])
			}
		}
	}
	return out
}

// SRR answers each request with a small search over one random head instead
// of publishing a bulk search.
type SRR struct {
	*Adaptive
}

// NewSRR creates an SRR sampler.
func NewSRR(opts Options) (*SRR, error) {
	a, err := newAdaptive(opts, "SRR")
	if err != nil {
		return nil, err
	}
	return &SRR{Adaptive: a}, nil
}

func (s *SRR) GetQueries(context.Context, int) ([]triplet.Scored, error) { return nil, nil }

func (s *SRR) Query(context.Context, string) (triplet.Scored, bool, error) {
	if !s.ready() {
		return triplet.Scored{Query: s.random()}, true, nil
	}
	s.mu.Lock()
	rng := rand.New(rand.NewPCG(s.rng.Uint64(), s.rng.Uint64()))
	var head int
	if s.items != nil {
		items := s.items.Items()
		head = items[rng.IntN(len(items))]
	} else {
		head = rng.IntN(s.n)
	}
	s.mu.Unlock()

	sc := s.scorer.Load()
	qs := sc.CandidatesForHead(rng, head, s.opts.DirectSearch)
	scores, err := sc.Score(qs)
	if err != nil {
		return triplet.Scored{}, false, err
	}
	best := 0
	for i := range scores {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return triplet.Scored{Query: qs[best], Score: scores[best]}, true, nil
}
