package sampler

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/cache"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

const defaultMaxParticipants = 10000

// cycle visits every head once per pass in a freshly shuffled order.
type cycle struct {
	heads []int
	pos   int
	rng   *rand.Rand
}

func newCycle(heads []int, rng *rand.Rand) *cycle {
	c := &cycle{heads: append([]int(nil), heads...), rng: rng}
	c.shuffle()
	return c
}

func (c *cycle) shuffle() {
	c.rng.Shuffle(len(c.heads), func(i, j int) { c.heads[i], c.heads[j] = c.heads[j], c.heads[i] })
	c.pos = 0
}

func (c *cycle) next() int {
	if c.pos == len(c.heads) {
		c.shuffle()
	}
	h := c.heads[c.pos]
	c.pos++
	return h
}

// RoundRobin cycles through heads in shuffled passes and pairs each head with
// two random other items. With PerParticipant every participant id gets its
// own cycle, created on first request and kept in a bounded LRU.
type RoundRobin struct {
	base
	perParticipant bool
	heads          []int
	cycles         *cache.LRU[string, *cycle]
}

// NewRoundRobin creates a RoundRobin sampler.
func NewRoundRobin(opts Options) (*RoundRobin, error) {
	size := opts.MaxParticipants
	if size <= 0 {
		size = defaultMaxParticipants
	}
	r := &RoundRobin{perParticipant: opts.PerParticipant, cycles: cache.New[string, *cycle](size, opts.ParticipantTTL)}
	r.init(opts, "RoundRobin", 500*time.Millisecond)
	if opts.Items != nil {
		r.heads = opts.Items.Items()
	} else {
		r.heads = triplet.All(opts.N).Items()
	}
	return r, nil
}

func (r *RoundRobin) ProcessAnswers(_ context.Context, answers []triplet.Answer) (*Update, error) {
	return r.processCounts(answers), nil
}

func (r *RoundRobin) Query(_ context.Context, participant string) (triplet.Scored, bool, error) {
	key := ""
	if r.perParticipant {
		key = participant
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cycles.GetOrCreate(key, func() *cycle {
		return newCycle(r.heads, rand.New(rand.NewPCG(r.rng.Uint64(), r.rng.Uint64())))
	})
	head := c.next()
	var q triplet.Query
	if r.items != nil {
		q = r.items.RandomWithHead(c.rng, head)
	} else {
		q = triplet.RandomWithHead(c.rng, r.n, head)
	}
	return triplet.Scored{Query: q}, true, nil
}

// Participants returns how many independent cycles are kept.
func (r *RoundRobin) Participants() int { return r.cycles.Len() }

// CycleStats reports hits, misses and evictions of the participant cycles.
func (r *RoundRobin) CycleStats() cache.Stats { return r.cycles.Stats() }
