package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Failing errors on every ProcessAnswers call. Its runner stops after the
// first iteration while every other sampler keeps going.
type Failing struct {
	base
}

// NewFailing creates a Failing sampler.
func NewFailing(opts Options) (*Failing, error) {
	f := &Failing{}
	f.init(opts, "Failing", 100*time.Millisecond)
	return f, nil
}

func (f *Failing) ProcessAnswers(context.Context, []triplet.Answer) (*Update, error) {
	return nil, fmt.Errorf("%w: %s always fails", ErrFatal, f.name)
}
