// Package noise provides the probability laws that relate squared distances
// in an embedding to the outcome of a triplet question.
//
// Every model answers three questions about a normalized triplet
// (head, winner, loser), given win2 = ‖x_head − x_winner‖² and
// lose2 = ‖x_head − x_loser‖²:
//
//   - Prob: how likely the observed winner really is the closer item
//   - Loss: the training objective for that observation
//   - Grad: the partial derivatives of Loss with respect to win2 and lose2
//
// Models are stateless; they are built once from configuration through the
// registry (New) and shared freely between goroutines.
//
// Example:
//
//	m, err := noise.New("TSTE", noise.Params{D: 2})
//	if err != nil {
//		return err
//	}
//	p := m.Prob(0.5, 3.0) // close winner, far loser → p near 1
package noise

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknownModel is returned by New for names that are not registered.
var ErrUnknownModel = errors.New("unknown noise model")

// Eps bounds probabilities away from 0 and 1 wherever a logarithm or a
// complement is taken downstream.
const Eps = 1e-12

// Model is a triplet noise model.
type Model interface {
	Name() string
	Prob(win2, lose2 float64) float64
	Loss(win2, lose2 float64) float64
	Grad(win2, lose2 float64) (dWin, dLose float64)
}

// Params carries the construction parameters shared by all models.
// Zero values select the defaults.
type Params struct {
	// D is the embedding dimension.
	D int `yaml:"d"`
	// Alpha is the TSTE tail-heaviness (default 1).
	Alpha float64 `yaml:"alpha"`
	// Mu is the CKL margin (default 0.05).
	Mu float64 `yaml:"mu"`
}

// Factory builds a model from params.
type Factory func(p Params) Model

var registry = map[string]Factory{
	"STE":      func(Params) Model { return STE{} },
	"TSTE":     func(p Params) Model { return NewTSTE(p.Alpha) },
	"CKL":      func(p Params) Model { return NewCKL(p.Mu) },
	"GNMDS":    func(Params) Model { return GNMDS{} },
	"SOE":      func(Params) Model { return SOE{} },
	"Logistic": func(Params) Model { return Logistic{} },
}

// New resolves a model by name.
func New(name string, p Params) (Model, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownModel, name, Names())
	}
	return f(p), nil
}

// Names lists the registered models in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clamp bounds p into [Eps, 1-Eps]. Hinge-loss models do not produce a
// log-probability loss, so scorers always clamp before taking logs.
func Clamp(p float64) float64 {
	if math.IsNaN(p) {
		return 0.5
	}
	return math.Min(math.Max(p, Eps), 1-Eps)
}

// ProbBatch evaluates m.Prob element-wise into out, which must be at least
// as long as win2.
func ProbBatch(m Model, win2, lose2, out []float64) []float64 {
	out = out[:len(win2)]
	for i := range win2 {
		out[i] = m.Prob(win2[i], lose2[i])
	}
	return out
}

// LossBatch returns the mean loss over the batch.
func LossBatch(m Model, win2, lose2 []float64) float64 {
	if len(win2) == 0 {
		return 0
	}
	var sum float64
	for i := range win2 {
		sum += m.Loss(win2[i], lose2[i])
	}
	return sum / float64(len(win2))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus(x) = log(1 + exp(x)), stable for large |x|.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	if x < -30 {
		return math.Exp(x)
	}
	return math.Log1p(math.Exp(x))
}

func safeSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}
