package sampler

import (
	"context"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Random serves uniformly random queries and ignores its answers.
type Random struct {
	base
}

// NewRandom creates a Random sampler.
func NewRandom(opts Options) (*Random, error) {
	r := &Random{}
	r.init(opts, "Random", 500*time.Millisecond)
	return r, nil
}

func (r *Random) ProcessAnswers(_ context.Context, answers []triplet.Answer) (*Update, error) {
	return r.processCounts(answers), nil
}

func (r *Random) Query(context.Context, string) (triplet.Scored, bool, error) {
	return triplet.Scored{Query: r.random()}, true, nil
}
