// Package triplet defines the questions asked to participants and the answers
// they give back.
//
// A Query asks "which of Left or Right is more similar to Head?". An Answer is
// a Query plus the chosen Winner. Internally every Answer is normalized to a
// Triplet (Head, Winner, Loser), which is the only form the math packages see.
//
// Example:
//
//	q := triplet.Random(rng, 30)
//	a := triplet.Answer{Head: q.Head, Left: q.Left, Right: q.Right, Winner: q.Left}
//	t, err := a.Triplet()
package triplet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidAnswer = errors.New("invalid answer")
)

// Query is a single triplet question. Head, Left and Right are distinct item
// indices in [0, n).
type Query struct {
	Head  int `json:"head"`
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Validate checks that all three indices are distinct and inside [0, n).
func (q Query) Validate(n int) error {
	for _, i := range [3]int{q.Head, q.Left, q.Right} {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidQuery, i, n)
		}
	}
	if q.Head == q.Left || q.Head == q.Right || q.Left == q.Right {
		return fmt.Errorf("%w: repeated index in %v", ErrInvalidQuery, q)
	}
	return nil
}

// Key identifies the query up to left/right order.
func (q Query) Key() [3]int {
	if q.Left < q.Right {
		return [3]int{q.Head, q.Left, q.Right}
	}
	return [3]int{q.Head, q.Right, q.Left}
}

// Swapped returns the query with left and right exchanged.
func (q Query) Swapped() Query {
	return Query{Head: q.Head, Left: q.Right, Right: q.Left}
}

func (q Query) String() string {
	return fmt.Sprintf("(%d; %d, %d)", q.Head, q.Left, q.Right)
}

// Triplet is a normalized answer: Winner was judged closer to Head than Loser.
type Triplet struct {
	Head   int `json:"h"`
	Winner int `json:"w"`
	Loser  int `json:"l"`
}

// Answer is a participant's response to a Query.
type Answer struct {
	Head   int `json:"head"`
	Left   int `json:"left"`
	Right  int `json:"right"`
	Winner int `json:"winner"`

	// Sampler is the identity of the sampler that served the query.
	Sampler string `json:"sampler"`
	// Participant is an opaque participant id, empty when unknown.
	Participant string `json:"participant,omitempty"`
	// Score is the priority the query had when it was served.
	Score        float64   `json:"score,omitempty"`
	ResponseTime float64   `json:"response_time,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Query returns the question this answer responds to.
func (a Answer) Query() Query {
	return Query{Head: a.Head, Left: a.Left, Right: a.Right}
}

// Triplet normalizes the answer to (head, winner, loser).
func (a Answer) Triplet() (Triplet, error) {
	switch a.Winner {
	case a.Left:
		return Triplet{Head: a.Head, Winner: a.Left, Loser: a.Right}, nil
	case a.Right:
		return Triplet{Head: a.Head, Winner: a.Right, Loser: a.Left}, nil
	default:
		return Triplet{}, fmt.Errorf("%w: winner %d is neither %d nor %d",
			ErrInvalidAnswer, a.Winner, a.Left, a.Right)
	}
}

// Validate checks the underlying query and that the winner is one of the
// two candidates.
func (a Answer) Validate(n int) error {
	if err := a.Query().Validate(n); err != nil {
		return err
	}
	_, err := a.Triplet()
	return err
}

// Triplets normalizes a batch of answers, dropping (and counting) the ones
// that are invalid for n items.
func Triplets(answers []Answer, n int) ([]Triplet, int) {
	out := make([]Triplet, 0, len(answers))
	dropped := 0
	for _, a := range answers {
		if err := a.Validate(n); err != nil {
			dropped++
			continue
		}
		t, _ := a.Triplet()
		out = append(out, t)
	}
	return out, dropped
}

// Random draws a query of three distinct indices uniformly from [0, n).
// n must be at least 3.
func Random(rng *rand.Rand, n int) Query {
	h := rng.IntN(n)
	l := rng.IntN(n - 1)
	if l >= h {
		l++
	}
	r := rng.IntN(n - 2)
	lo, hi := min(h, l), max(h, l)
	if r >= lo {
		r++
	}
	if r >= hi {
		r++
	}
	return Query{Head: h, Left: l, Right: r}
}

// RandomWithHead draws two distinct non-head items uniformly from [0, n).
func RandomWithHead(rng *rand.Rand, n, head int) Query {
	l := rng.IntN(n - 1)
	if l >= head {
		l++
	}
	r := rng.IntN(n - 2)
	lo, hi := min(head, l), max(head, l)
	if r >= lo {
		r++
	}
	if r >= hi {
		r++
	}
	return Query{Head: head, Left: l, Right: r}
}

// Randomize flips left and right with probability one half.
func Randomize(rng *rand.Rand, q Query) Query {
	if rng.IntN(2) == 0 {
		return q.Swapped()
	}
	return q
}

// NewRand returns a deterministic generator for the seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Scored pairs a query with its priority. Higher scores are served first.
type Scored struct {
	Query
	Score float64 `json:"score"`
}

// Dedupe keeps the first occurrence of every query, treating left/right
// order as equivalent.
func Dedupe(qs []Scored) []Scored {
	seen := make(map[[3]int]struct{}, len(qs))
	out := qs[:0:0]
	for _, q := range qs {
		k := q.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, q)
	}
	return out
}
