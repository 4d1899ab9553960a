package noise

import "math"

// STE is the stochastic triplet embedding model:
// p = exp(−w) / (exp(−w) + exp(−l)) = σ(l − w).
type STE struct{}

func (STE) Name() string { return "STE" }

func (STE) Prob(win2, lose2 float64) float64 { return sigmoid(lose2 - win2) }

func (STE) Loss(win2, lose2 float64) float64 { return softplus(win2 - lose2) }

func (STE) Grad(win2, lose2 float64) (float64, float64) {
	q := sigmoid(win2 - lose2)
	return q, -q
}

// TSTE is the t-distributed STE; Alpha controls tail heaviness.
type TSTE struct {
	Alpha float64
}

// NewTSTE returns a TSTE model, defaulting alpha to 1.
func NewTSTE(alpha float64) TSTE {
	if alpha <= 0 {
		alpha = 1
	}
	return TSTE{Alpha: alpha}
}

func (TSTE) Name() string { return "TSTE" }

// logKernel returns log((1 + x/α)^(−(α+1)/2)).
func (m TSTE) logKernel(x float64) float64 {
	return -(m.Alpha + 1) / 2 * math.Log1p(math.Max(x, 0)/m.Alpha)
}

func (m TSTE) Prob(win2, lose2 float64) float64 {
	// t_w / (t_w + t_l) = σ(log t_w − log t_l)
	return sigmoid(m.logKernel(win2) - m.logKernel(lose2))
}

func (m TSTE) Loss(win2, lose2 float64) float64 {
	return softplus(m.logKernel(lose2) - m.logKernel(win2))
}

func (m TSTE) Grad(win2, lose2 float64) (float64, float64) {
	c := (m.Alpha + 1) / 2
	q := 1 - m.Prob(win2, lose2)
	return c / (m.Alpha + math.Max(win2, 0)) * q, -c / (m.Alpha + math.Max(lose2, 0)) * q
}

// CKL is the crowd kernel model with margin Mu: p = (μ + l) / (2μ + w + l).
type CKL struct {
	Mu float64
}

// NewCKL returns a CKL model, defaulting mu to 0.05.
func NewCKL(mu float64) CKL {
	if mu <= 0 {
		mu = 0.05
	}
	return CKL{Mu: mu}
}

func (CKL) Name() string { return "CKL" }

func (m CKL) Prob(win2, lose2 float64) float64 {
	w, l := math.Max(win2, 0), math.Max(lose2, 0)
	return (m.Mu + l) / (2*m.Mu + w + l)
}

func (m CKL) Loss(win2, lose2 float64) float64 {
	return -math.Log(Clamp(m.Prob(win2, lose2)))
}

func (m CKL) Grad(win2, lose2 float64) (float64, float64) {
	w, l := math.Max(win2, 0), math.Max(lose2, 0)
	den := 2*m.Mu + w + l
	return 1 / den, 1/den - 1/(m.Mu+l)
}

// GNMDS is generalized non-metric MDS. Training uses the hinge
// max(0, w − l + 1); Prob uses the logistic link so scorers get a
// probability.
type GNMDS struct{}

func (GNMDS) Name() string { return "GNMDS" }

func (GNMDS) Prob(win2, lose2 float64) float64 { return sigmoid(lose2 - win2) }

func (GNMDS) Loss(win2, lose2 float64) float64 { return math.Max(0, win2-lose2+1) }

func (GNMDS) Grad(win2, lose2 float64) (float64, float64) {
	if win2-lose2+1 <= 0 {
		return 0, 0
	}
	return 1, -1
}

// SOE is soft ordinal embedding: squared hinge on unsquared distances,
// max(0, 1 + √w − √l)².
type SOE struct{}

func (SOE) Name() string { return "SOE" }

func (SOE) Prob(win2, lose2 float64) float64 { return sigmoid(safeSqrt(lose2) - safeSqrt(win2)) }

func (SOE) Loss(win2, lose2 float64) float64 {
	m := 1 + safeSqrt(win2) - safeSqrt(lose2)
	if m <= 0 {
		return 0
	}
	return m * m
}

func (SOE) Grad(win2, lose2 float64) (float64, float64) {
	sw, sl := safeSqrt(win2), safeSqrt(lose2)
	m := 1 + sw - sl
	if m <= 0 {
		return 0, 0
	}
	// d/dx √x = 1/(2√x); floor to keep coincident points finite
	return m / math.Max(sw, 1e-6), -m / math.Max(sl, 1e-6)
}

// Logistic links the unsquared distance gap: p = σ(√l − √w).
type Logistic struct{}

func (Logistic) Name() string { return "Logistic" }

func (Logistic) Prob(win2, lose2 float64) float64 {
	return sigmoid(safeSqrt(lose2) - safeSqrt(win2))
}

func (Logistic) Loss(win2, lose2 float64) float64 {
	return softplus(safeSqrt(win2) - safeSqrt(lose2))
}

func (m Logistic) Grad(win2, lose2 float64) (float64, float64) {
	q := 1 - m.Prob(win2, lose2)
	sw, sl := math.Max(safeSqrt(win2), 1e-6), math.Max(safeSqrt(lose2), 1e-6)
	return q / (2 * sw), -q / (2 * sl)
}
