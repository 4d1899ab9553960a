package sampler

import (
	"fmt"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/posterior"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// Options configures any sampler class. Fields a class does not use are
// ignored; zero values select defaults.
type Options struct {
	Name  string
	Class string
	N     int
	// Items restricts generated queries to a subset; nil allows all items.
	Items *triplet.ItemSet
	Seed  uint64

	// RoundRobin
	PerParticipant bool
	// MaxParticipants bounds the per-participant cycles kept; the least
	// recently seen participant is forgotten first. Zero means 10000.
	MaxParticipants int
	// ParticipantTTL forgets participants idle this long; zero keeps them
	// until evicted.
	ParticipantTTL time.Duration

	// Validation
	Queries    []triplet.Query
	NumQueries int

	// Adaptive family
	D           int
	R           float64
	Scorer      posterior.Kind
	Noise       string
	NoiseParams noise.Params
	Embedding   embedding.Config
	// SearchMin and SearchMax bound the candidate batch sizes of one search.
	SearchMin int
	SearchMax int
	// FitBudget bounds the optimizer time per ProcessAnswers call.
	FitBudget time.Duration
	// MaxHistory bounds the posterior replay window; zero replays everything.
	MaxHistory int

	// ARR
	NTop        int
	Filler      int
	ScoreFloor  float64
	FillerScore float64

	// SRR
	DirectSearch int
}

func (o *Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidOptions)
	}
	if o.N < 3 {
		return fmt.Errorf("%w: %s: need at least 3 items, got %d", ErrInvalidOptions, o.Name, o.N)
	}
	for _, q := range o.Queries {
		if err := q.Validate(o.N); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidOptions, o.Name, err)
		}
	}
	return nil
}

func (o *Options) adaptiveDefaults() {
	if o.D <= 0 {
		o.D = 2
	}
	if o.R <= 0 {
		o.R = 10
	}
	if o.Scorer == "" {
		o.Scorer = posterior.InfoGain
	}
	if o.Noise == "" {
		o.Noise = "TSTE"
	}
	if o.SearchMin <= 0 {
		o.SearchMin = 1 << 10
	}
	if o.SearchMax <= 0 {
		o.SearchMax = 1 << 17
	}
	if o.SearchMax < o.SearchMin {
		o.SearchMax = o.SearchMin
	}
	if o.FitBudget <= 0 {
		o.FitBudget = 2 * time.Second
	}
	if o.NTop <= 0 {
		o.NTop = 1
	}
	if o.Filler <= 0 {
		o.Filler = 100
	}
	if o.ScoreFloor == 0 {
		o.ScoreFloor = 1e3
	}
	if o.FillerScore == 0 {
		o.FillerScore = -1e6
	}
	if o.DirectSearch <= 0 {
		o.DirectSearch = 1 << 9
	}
	o.NoiseParams.D = o.D
	o.Embedding.N = o.N
	o.Embedding.D = o.D
	if o.Embedding.Seed == 0 {
		o.Embedding.Seed = o.Seed
	}
}

// describe is the configuration shown in Model.
func (o *Options) describe() map[string]any {
	out := map[string]any{"class": o.Class, "n": o.N}
	if o.Items != nil {
		out["items"] = o.Items.Len()
	}
	if o.PerParticipant {
		out["per_participant"] = true
	}
	if o.D > 0 {
		out["d"] = o.D
		out["R"] = o.R
		out["scorer"] = string(o.Scorer)
		out["noise"] = o.Noise
		out["optimizer"] = o.Embedding.Optimizer
		out["damper"] = o.Embedding.Damper
	}
	return out
}
