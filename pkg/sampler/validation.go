package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Validation repeats a fixed list of queries. The list order is reshuffled
// on every pass and left/right are randomized on every serve.
type Validation struct {
	base
	queries []triplet.Query
	pos     int
}

// NewValidation creates a Validation sampler. Without explicit queries it
// draws NumQueries (default 20) random ones up front.
func NewValidation(opts Options) (*Validation, error) {
	v := &Validation{}
	v.init(opts, "Validation", 500*time.Millisecond)

	qs := append([]triplet.Query(nil), opts.Queries...)
	if len(qs) == 0 {
		num := opts.NumQueries
		if num <= 0 {
			num = 20
		}
		for i := 0; i < num; i++ {
			qs = append(qs, v.random())
		}
	}
	seen := make(map[[3]int]struct{}, len(qs))
	for _, q := range qs {
		if err := q.Validate(opts.N); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidOptions, opts.Name, err)
		}
		seen[q.Key()] = struct{}{}
	}
	if len(opts.Queries) > 0 && len(seen) != len(opts.Queries) {
		return nil, fmt.Errorf("%w: %s: duplicate validation queries", ErrInvalidOptions, opts.Name)
	}
	v.queries = qs
	v.shuffle()
	return v, nil
}

func (v *Validation) shuffle() {
	v.rng.Shuffle(len(v.queries), func(i, j int) { v.queries[i], v.queries[j] = v.queries[j], v.queries[i] })
	v.pos = 0
}

func (v *Validation) ProcessAnswers(_ context.Context, answers []triplet.Answer) (*Update, error) {
	return v.processCounts(answers), nil
}

func (v *Validation) Query(context.Context, string) (triplet.Scored, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pos == len(v.queries) {
		v.shuffle()
	}
	q := v.queries[v.pos]
	v.pos++
	return triplet.Scored{Query: triplet.Randomize(v.rng, q)}, true, nil
}

// Queries returns the fixed probe list in canonical order.
func (v *Validation) Queries() []triplet.Query {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]triplet.Query, len(v.queries))
	for i, q := range v.queries {
		k := q.Key()
		out[i] = triplet.Query{Head: k[0], Left: k[1], Right: k[2]}
	}
	return out
}
