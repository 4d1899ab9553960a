// Package embedding holds the live n×d embedding and trains it online from
// triplet answers.
//
// The Optimizer buffers every accepted answer (the buffer doubles when full
// and never shrinks) and takes minibatch gradient steps against a noise
// model's loss. A Damper picks the minibatch size (and learning-rate scale)
// for each step. After every step rows whose norm exceeds 10·d are pulled
// back onto that radius.
//
// Example:
//
//	opt, err := embedding.New(embedding.Config{N: 30, D: 2, Seed: 42}, noise.STE{})
//	if err != nil {
//		return err
//	}
//	opt.Push(triplets)
//	stats := opt.PartialFit(len(triplets), 500*time.Millisecond)
//	acc := opt.Score(heldOut)
//
// The Optimizer is not safe for concurrent use. History returns a prefix of
// the buffer that later pushes never modify, so it can be handed to readers.
package embedding

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/stsievert/salmon-sub000/pkg/math/geometry"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/pool"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
	"gonum.org/v1/gonum/mat"
)

// initScale is the standard deviation of the initial embedding.
const initScale = 1e-4

// Config configures an Optimizer. Zero values select defaults.
type Config struct {
	N int `yaml:"n" json:"n"`
	D int `yaml:"d" json:"d"`

	// Optimizer is the step rule: "sgd" (default) or "adadelta".
	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`

	// Damper is the batch-size policy: gd, ogd, padadampg (default), geodamp.
	Damper string     `yaml:"damper" json:"damper"`
	Damp   DampParams `yaml:"damp" json:"damp"`

	Seed uint64 `yaml:"seed" json:"seed"`
}

func (c Config) withDefaults() Config {
	if c.Optimizer == "" {
		c.Optimizer = "sgd"
	}
	if c.LearningRate <= 0 {
		if c.Optimizer == "adadelta" {
			c.LearningRate = 1
		} else {
			c.LearningRate = 0.05
		}
	}
	if c.Momentum <= 0 {
		c.Momentum = 0.9
	}
	if c.Damper == "" {
		c.Damper = "padadampg"
	}
	c.Damp.N = c.N
	return c
}

// Meta counts what the optimizer has done so far.
type Meta struct {
	NumAnswers      int `json:"num_answers"`
	ModelUpdates    int `json:"model_updates"`
	NumGradComps    int `json:"num_grad_comps"`
	PartialFitCalls int `json:"partial_fit_calls"`
}

// Epochs is the number of full passes over the buffer so far.
func (m Meta) Epochs() int {
	if m.NumAnswers == 0 {
		return 0
	}
	return m.NumGradComps / m.NumAnswers
}

// FitStats summarizes one PartialFit call.
type FitStats struct {
	Steps     int           `json:"steps"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Projected int           `json:"projected"`
	Loss      float64       `json:"loss"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Optimizer owns the embedding and the answer buffer.
type Optimizer struct {
	cfg    Config
	model  noise.Model
	damper Damper
	step   stepper
	src    *rand.PCG
	rng    *rand.Rand

	x      *mat.Dense
	buf    []triplet.Triplet
	num    int
	meta   Meta
	radius float64
}

// New builds an initialized optimizer. Unknown optimizer or damper names are
// configuration errors.
func New(cfg Config, model noise.Model) (*Optimizer, error) {
	cfg = cfg.withDefaults()
	if cfg.N < 3 || cfg.D < 1 {
		return nil, fmt.Errorf("embedding: need n >= 3 and d >= 1, got n=%d d=%d", cfg.N, cfg.D)
	}
	if model == nil {
		return nil, fmt.Errorf("embedding: nil noise model")
	}
	damper, err := NewDamper(cfg.Damper, cfg.Damp)
	if err != nil {
		return nil, err
	}
	st, err := newStepper(cfg.Optimizer, cfg.N*cfg.D, cfg.Momentum)
	if err != nil {
		return nil, err
	}
	o := &Optimizer{
		cfg:    cfg,
		model:  model,
		damper: damper,
		step:   st,
		radius: 10 * float64(cfg.D),
	}
	o.Initialize()
	return o, nil
}

// Initialize resets the embedding to a small random perturbation around
// zero, empties the buffer and zeroes the counters.
func (o *Optimizer) Initialize() {
	o.src = rand.NewPCG(o.cfg.Seed, o.cfg.Seed^0x9e3779b97f4a7c15)
	o.rng = rand.New(o.src)
	o.x = mat.NewDense(o.cfg.N, o.cfg.D, nil)
	raw := o.x.RawMatrix().Data
	for i := range raw {
		raw[i] = o.rng.NormFloat64() * initScale
	}
	o.buf = nil
	o.num = 0
	o.meta = Meta{}
	o.step, _ = newStepper(o.cfg.Optimizer, o.cfg.N*o.cfg.D, o.cfg.Momentum)
}

// Push appends answers to the buffer, doubling its capacity when full.
// Triplets outside [0, n) are dropped and counted.
func (o *Optimizer) Push(ts []triplet.Triplet) (dropped int) {
	for _, t := range ts {
		if t.Head < 0 || t.Head >= o.cfg.N || t.Winner < 0 || t.Winner >= o.cfg.N ||
			t.Loser < 0 || t.Loser >= o.cfg.N || t.Head == t.Winner || t.Head == t.Loser || t.Winner == t.Loser {
			dropped++
			continue
		}
		if o.num == len(o.buf) {
			grown := make([]triplet.Triplet, max(2*len(o.buf), 64))
			copy(grown, o.buf[:o.num])
			o.buf = grown
		}
		o.buf[o.num] = t
		o.num++
	}
	o.meta.NumAnswers = o.num
	return dropped
}

// Capacity is the allocated size of the answer buffer.
func (o *Optimizer) Capacity() int { return len(o.buf) }

// History returns the buffered answers. The returned slice is never written
// to by later calls.
func (o *Optimizer) History() []triplet.Triplet { return o.buf[:o.num:o.num] }

// Meta returns the counters.
func (o *Optimizer) Meta() Meta { return o.meta }

// Embedding returns a copy of the current embedding.
func (o *Optimizer) Embedding() *mat.Dense { return mat.DenseCopyOf(o.x) }

// Radius is the row norm bound enforced after each step.
func (o *Optimizer) Radius() float64 { return o.radius }

// Config returns the resolved configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// PartialFit takes minibatch steps until at least num examples have been
// processed or budget has elapsed (budget <= 0 means no time limit). It does
// nothing while fewer than n answers are buffered or when num is zero.
func (o *Optimizer) PartialFit(num int, budget time.Duration) FitStats {
	var stats FitStats
	if o.num < o.cfg.N || num <= 0 {
		return stats
	}
	o.meta.PartialFitCalls++
	start := time.Now()

	size := o.cfg.N * o.cfg.D
	grad := pool.GetFloats(size)
	defer pool.PutFloats(grad)

	for {
		bs := o.damper.BatchSize(o.meta)
		lr := o.damper.LearningRate(o.meta, o.cfg.LearningRate)
		idx := o.batch(bs)

		loss, ok := o.gradient(idx, grad)
		pool.PutInts(idx)
		used := len(idx)
		if ok {
			o.step.step(o.x.RawMatrix().Data, grad, lr)
			stats.Projected += geometry.ProjectRows(o.x, o.radius)
			o.meta.ModelUpdates++
			stats.Steps++
			stats.Loss = loss
		} else {
			stats.Skipped++
		}
		o.meta.NumGradComps += used
		stats.Processed += used

		if stats.Processed >= num || (budget > 0 && time.Since(start) >= budget) {
			break
		}
	}
	stats.Elapsed = time.Since(start)
	return stats
}

// batch draws bs buffer indices with replacement, or every index when the
// batch covers the whole buffer.
func (o *Optimizer) batch(bs int) []int {
	idx := pool.GetInts(min(bs, o.num))
	if bs >= o.num {
		for i := 0; i < o.num; i++ {
			idx = append(idx, i)
		}
		return idx
	}
	for k := 0; k < bs; k++ {
		idx = append(idx, o.rng.IntN(o.num))
	}
	return idx
}

// gradient fills grad with the gradient of the mean loss over idx. It
// reports false when the loss or gradient is not finite.
func (o *Optimizer) gradient(idx []int, grad []float64) (float64, bool) {
	clear(grad)
	d := o.cfg.D
	raw := o.x.RawMatrix().Data
	inv := 1 / float64(len(idx))
	var loss float64
	for _, k := range idx {
		t := o.buf[k]
		xh := raw[t.Head*d : t.Head*d+d]
		xw := raw[t.Winner*d : t.Winner*d+d]
		xl := raw[t.Loser*d : t.Loser*d+d]
		w2 := geometry.SquaredDistance(xh, xw)
		l2 := geometry.SquaredDistance(xh, xl)
		loss += o.model.Loss(w2, l2) * inv
		gw, gl := o.model.Grad(w2, l2)
		gw *= 2 * inv
		gl *= 2 * inv
		gh := grad[t.Head*d : t.Head*d+d]
		gW := grad[t.Winner*d : t.Winner*d+d]
		gL := grad[t.Loser*d : t.Loser*d+d]
		for j := 0; j < d; j++ {
			dw := xh[j] - xw[j]
			dl := xh[j] - xl[j]
			gh[j] += gw*dw + gl*dl
			gW[j] -= gw * dw
			gL[j] -= gl * dl
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, false
	}
	for _, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return loss, false
		}
	}
	return loss, true
}

// Loss is the mean noise-model loss over ts under the current embedding.
func (o *Optimizer) Loss(ts []triplet.Triplet) float64 {
	if len(ts) == 0 {
		return 0
	}
	var sum float64
	for _, t := range ts {
		xh := o.x.RawRowView(t.Head)
		sum += o.model.Loss(geometry.SquaredDistance(xh, o.x.RawRowView(t.Winner)),
			geometry.SquaredDistance(xh, o.x.RawRowView(t.Loser)))
	}
	return sum / float64(len(ts))
}

// Score returns the fraction of ts whose winner is strictly closer to the
// head than the loser in the current embedding.
func (o *Optimizer) Score(ts []triplet.Triplet) float64 {
	return Accuracy(o.x, ts)
}

// Accuracy is Score for an arbitrary embedding.
func Accuracy(x *mat.Dense, ts []triplet.Triplet) float64 {
	if len(ts) == 0 {
		return 0
	}
	correct := 0
	for _, t := range ts {
		xh := x.RawRowView(t.Head)
		if geometry.SquaredDistance(xh, x.RawRowView(t.Winner)) < geometry.SquaredDistance(xh, x.RawRowView(t.Loser)) {
			correct++
		}
	}
	return float64(correct) / float64(len(ts))
}

// State is the serializable form of an Optimizer.
type State struct {
	N         int               `json:"n"`
	D         int               `json:"d"`
	Embedding []float64         `json:"embedding"`
	Answers   []triplet.Triplet `json:"answers"`
	Meta      Meta              `json:"meta"`
	Optimizer string            `json:"optimizer"`
	Steps     []float64         `json:"optimizer_state,omitempty"`
	RNG       []byte            `json:"rng,omitempty"`
}

// Snapshot captures everything needed to resume training.
func (o *Optimizer) Snapshot() State {
	rng, _ := o.src.MarshalBinary()
	return State{
		N:         o.cfg.N,
		D:         o.cfg.D,
		Embedding: append([]float64(nil), o.x.RawMatrix().Data...),
		Answers:   append([]triplet.Triplet(nil), o.History()...),
		Meta:      o.meta,
		Optimizer: o.step.name(),
		Steps:     o.step.state(),
		RNG:       rng,
	}
}

// Restore replaces the optimizer's state with s.
func (o *Optimizer) Restore(s State) error {
	if s.N != o.cfg.N || s.D != o.cfg.D {
		return fmt.Errorf("embedding: state is %dx%d, optimizer is %dx%d", s.N, s.D, o.cfg.N, o.cfg.D)
	}
	if len(s.Embedding) != s.N*s.D {
		return fmt.Errorf("embedding: state has %d values, want %d", len(s.Embedding), s.N*s.D)
	}
	if s.Optimizer != "" && s.Optimizer != o.step.name() {
		return fmt.Errorf("embedding: state was written by %q, optimizer is %q", s.Optimizer, o.step.name())
	}
	if err := o.step.restore(s.Steps); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if len(s.RNG) > 0 {
		if err := o.src.UnmarshalBinary(s.RNG); err != nil {
			return fmt.Errorf("embedding: restore rng: %w", err)
		}
	}
	o.x = mat.NewDense(s.N, s.D, append([]float64(nil), s.Embedding...))
	o.buf, o.num = nil, 0
	o.Push(s.Answers)
	o.meta = s.Meta
	o.meta.NumAnswers = o.num
	return nil
}
