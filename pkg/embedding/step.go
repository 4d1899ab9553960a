package embedding

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnknownOptimizer is returned for step rules that are not registered.
var ErrUnknownOptimizer = errors.New("embedding: unknown optimizer")

// stepper applies one update to the flat embedding given its gradient.
type stepper interface {
	name() string
	step(x, grad []float64, lr float64)
	// state returns the accumulators for checkpointing.
	state() []float64
	restore(s []float64) error
}

var steppers = map[string]func(size int, momentum float64) stepper{
	"sgd": func(size int, momentum float64) stepper {
		return &sgd{momentum: momentum, v: make([]float64, size)}
	},
	"adadelta": func(size int, _ float64) stepper {
		return &adadelta{rho: 0.95, eps: 1e-6, g2: make([]float64, size), dx2: make([]float64, size)}
	},
}

func newStepper(name string, size int, momentum float64) (stepper, error) {
	f, ok := steppers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownOptimizer, name, strings.Join(OptimizerNames(), ", "))
	}
	return f(size, momentum), nil
}

// OptimizerNames lists the registered step rules.
func OptimizerNames() []string {
	names := make([]string, 0, len(steppers))
	for k := range steppers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// sgd is momentum SGD: v ← μv − lr·g; x ← x + v.
type sgd struct {
	momentum float64
	v        []float64
}

func (*sgd) name() string { return "sgd" }

func (s *sgd) step(x, grad []float64, lr float64) {
	for i, g := range grad {
		s.v[i] = s.momentum*s.v[i] - lr*g
		x[i] += s.v[i]
	}
}

func (s *sgd) state() []float64 { return append([]float64(nil), s.v...) }

func (s *sgd) restore(st []float64) error {
	if len(st) == 0 {
		return nil
	}
	if len(st) != len(s.v) {
		return fmt.Errorf("sgd state has %d values, want %d", len(st), len(s.v))
	}
	copy(s.v, st)
	return nil
}

// adadelta keeps running averages of squared gradients and squared updates.
type adadelta struct {
	rho, eps float64
	g2, dx2  []float64
}

func (*adadelta) name() string { return "adadelta" }

func (a *adadelta) step(x, grad []float64, lr float64) {
	for i, g := range grad {
		a.g2[i] = a.rho*a.g2[i] + (1-a.rho)*g*g
		dx := -math.Sqrt(a.dx2[i]+a.eps) / math.Sqrt(a.g2[i]+a.eps) * g
		a.dx2[i] = a.rho*a.dx2[i] + (1-a.rho)*dx*dx
		x[i] += lr * dx
	}
}

func (a *adadelta) state() []float64 {
	out := make([]float64, 0, 2*len(a.g2))
	out = append(out, a.g2...)
	return append(out, a.dx2...)
}

func (a *adadelta) restore(st []float64) error {
	if len(st) == 0 {
		return nil
	}
	if len(st) != 2*len(a.g2) {
		return fmt.Errorf("adadelta state has %d values, want %d", len(st), 2*len(a.g2))
	}
	copy(a.g2, st[:len(a.g2)])
	copy(a.dx2, st[len(a.g2):])
	return nil
}
