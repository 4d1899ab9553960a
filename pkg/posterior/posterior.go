// Package posterior keeps a per-head belief over "which item is the true
// nearest neighbour of head i" and uses it to rank candidate triplet queries.
//
// The belief table τ is an n×n matrix whose row i is a probability
// distribution. It is rebuilt from the whole answer history against the
// current embedding on every Push: for every answered triplet (h, w, l) the
// log-probability log p(D[w,:], D[l,:]) is accumulated into row h, and rows are
// normalized with exp(· − rowmax).
//
// Two scorers are provided:
//
//   - InfoGain: −p·H(τ_b) − (1−p)·H(τ_c), the negated expected entropy of τ[h]
//     after asking (h, o1, o2)
//   - Uncertainty: −|D[h,o1] − D[h,o2]|, highest near the decision boundary
//
// A Scorer is not safe for concurrent mutation. The usual pattern is to build
// a fresh scorer with Fresh, Push into it, and then hand the finished value to
// readers; a scorer that is no longer pushed to is safe for concurrent Score
// calls.
//
// Example:
//
//	s, _ := posterior.New(posterior.InfoGain, noise.STE{}, 30, nil)
//	s.Push(embedding, history)
//	qs := s.Candidates(rng, 1000)
//	scores := s.Score(qs)
package posterior

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/stsievert/salmon-sub000/pkg/math/geometry"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/pool"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
	"gonum.org/v1/gonum/mat"
)

// Kind selects the scoring rule.
type Kind string

const (
	InfoGain    Kind = "infogain"
	Uncertainty Kind = "uncertainty"
)

var (
	// ErrNotInitialized is returned when scoring before the first Push.
	ErrNotInitialized = errors.New("posterior: scorer not initialized")
	// ErrUnknownKind is returned by New for unknown scorer kinds.
	ErrUnknownKind = errors.New("posterior: unknown scorer kind")
)

// RowFloor is the smallest row mass accepted before normalization.
// Rows below it (or non-finite) fall back to the uniform distribution.
const RowFloor = 1e-300

// oversample is the extra fraction of candidates drawn before trimming.
const oversample = 0.1

// Scorer holds the distances and posterior derived from one embedding.
type Scorer struct {
	kind  Kind
	model noise.Model
	n     int
	items *triplet.ItemSet

	// MaxHistory bounds the replay window to the most recent answers.
	// Zero replays the full history.
	MaxHistory int

	dist *mat.Dense
	tau  *mat.Dense

	initialized bool
	degenerate  int
}

// New creates an uninitialized scorer for n items. items may be nil, meaning
// every item is allowed in candidates.
func New(kind Kind, model noise.Model, n int, items *triplet.ItemSet) (*Scorer, error) {
	switch kind {
	case InfoGain, Uncertainty:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if model == nil {
		return nil, fmt.Errorf("posterior: nil noise model")
	}
	if n < 3 {
		return nil, fmt.Errorf("posterior: need at least 3 items, got %d", n)
	}
	return &Scorer{kind: kind, model: model, n: n, items: items}, nil
}

// Fresh returns an uninitialized scorer with the same configuration.
func (s *Scorer) Fresh() *Scorer {
	return &Scorer{kind: s.kind, model: s.model, n: s.n, items: s.items, MaxHistory: s.MaxHistory}
}

// Kind returns the scoring rule.
func (s *Scorer) Kind() Kind { return s.kind }

// Initialized reports whether Push has been called.
func (s *Scorer) Initialized() bool { return s.initialized }

// Degenerate returns how many rows needed the uniform fallback in the last Push.
func (s *Scorer) Degenerate() int { return s.degenerate }

// Push rebuilds distances and the posterior from the embedding and the full
// answer history. Calling it twice with the same inputs gives the same table.
func (s *Scorer) Push(embedding *mat.Dense, history []triplet.Triplet) {
	if r, _ := embedding.Dims(); r != s.n {
		panic(fmt.Sprintf("posterior: embedding has %d rows, want %d", r, s.n))
	}
	s.dist = geometry.EmbeddingDistances(embedding)

	if s.MaxHistory > 0 && len(history) > s.MaxHistory {
		history = history[len(history)-s.MaxHistory:]
	}

	n := s.n
	acc := mat.NewDense(n, n, nil)
	for _, t := range history {
		if t.Head < 0 || t.Head >= n || t.Winner < 0 || t.Winner >= n || t.Loser < 0 || t.Loser >= n {
			continue
		}
		w := s.dist.RawRowView(t.Winner)
		l := s.dist.RawRowView(t.Loser)
		row := acc.RawRowView(t.Head)
		for i := range row {
			row[i] += math.Log(noise.Clamp(s.model.Prob(w[i], l[i])))
		}
	}

	s.degenerate = 0
	for i := 0; i < n; i++ {
		row := acc.RawRowView(i)
		if !normalize(row) {
			s.degenerate++
		}
	}
	s.tau = acc
	s.initialized = true
}

// normalize turns log-weights into a distribution in place. It reports false
// when the row had to fall back to uniform.
func normalize(row []float64) bool {
	m := math.Inf(-1)
	for _, v := range row {
		if v > m {
			m = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(v - m)
		row[i] = e
		sum += e
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) || sum < RowFloor {
		u := 1 / float64(len(row))
		for i := range row {
			row[i] = u
		}
		return false
	}
	for i := range row {
		row[i] /= sum
	}
	return true
}

// Posterior returns a copy of τ.
func (s *Scorer) Posterior() (*mat.Dense, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return mat.DenseCopyOf(s.tau), nil
}

// Distances returns a copy of the squared distance matrix.
func (s *Scorer) Distances() (*mat.Dense, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return mat.DenseCopyOf(s.dist), nil
}

// Candidates draws num random queries from the allowable items. Draws with a
// repeated index are rejected; about ten percent extra are drawn to absorb
// the rejections and the result is trimmed to num.
func (s *Scorer) Candidates(rng *rand.Rand, num int) []triplet.Query {
	return s.candidates(rng, num, func() (int, int, int) {
		return s.pick(rng), s.pick(rng), s.pick(rng)
	})
}

// CandidatesForHead is Candidates with the head fixed.
func (s *Scorer) CandidatesForHead(rng *rand.Rand, head, num int) []triplet.Query {
	return s.candidates(rng, num, func() (int, int, int) {
		return head, s.pick(rng), s.pick(rng)
	})
}

func (s *Scorer) candidates(rng *rand.Rand, num int, draw func() (int, int, int)) []triplet.Query {
	if num <= 0 {
		return nil
	}
	want := num + int(math.Ceil(float64(num)*oversample))
	out := make([]triplet.Query, 0, want)
	for len(out) < num {
		for k := 0; k < want && len(out) < want; k++ {
			h, l, r := draw()
			if h == l || h == r || l == r {
				continue
			}
			out = append(out, triplet.Query{Head: h, Left: l, Right: r})
		}
	}
	return out[:num]
}

func (s *Scorer) pick(rng *rand.Rand) int {
	if s.items == nil {
		return rng.IntN(s.n)
	}
	items := s.items.Items()
	return items[rng.IntN(len(items))]
}

// Score ranks queries with the configured rule. Higher is more informative.
func (s *Scorer) Score(qs []triplet.Query) ([]float64, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]float64, len(qs))
	switch s.kind {
	case Uncertainty:
		for i, q := range qs {
			out[i] = s.uncertainty(q)
		}
	default:
		probs := pool.GetFloats(s.n)
		defer pool.PutFloats(probs)
		for i, q := range qs {
			out[i] = s.infoGain(q, probs)
		}
	}
	return out, nil
}

// ScoreOne scores a single query.
func (s *Scorer) ScoreOne(q triplet.Query) (float64, error) {
	scores, err := s.Score([]triplet.Query{q})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

func (s *Scorer) uncertainty(q triplet.Query) float64 {
	row := s.dist.RawRowView(q.Head)
	return -math.Abs(row[q.Left] - row[q.Right])
}

// infoGain computes −p·H(τ_b) − (1−p)·H(τ_c) where p is the expected
// probability that Left wins and τ_b, τ_c are τ[h] reweighted by that outcome
// and its complement. The unconditional H(τ[h]) is not added, so scores are
// never positive and are compared across heads as they are.
func (s *Scorer) infoGain(q triplet.Query, probs []float64) float64 {
	tau := s.tau.RawRowView(q.Head)
	left := s.dist.RawRowView(q.Left)
	right := s.dist.RawRowView(q.Right)

	var p float64
	for i := range probs {
		probs[i] = noise.Clamp(s.model.Prob(left[i], right[i]))
		p += probs[i] * tau[i]
	}
	p = noise.Clamp(p)
	q0 := 1 - p

	// H(τ_b) with τ_b[i] = τ[i]·probs[i]/p, expanded so no second row is needed.
	var hb, hc float64
	for i, t := range tau {
		if t <= 0 {
			continue
		}
		b := t * probs[i] / p
		c := t * (1 - probs[i]) / q0
		if b > 0 {
			hb -= b * math.Log(b)
		}
		if c > 0 {
			hc -= c * math.Log(c)
		}
	}
	return -p*hb - q0*hc
}
