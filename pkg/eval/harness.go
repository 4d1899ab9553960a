// Package eval measures how well a sampler's embedding explains the crowd.
//
// The harness scores an embedding against held-out answers and, in
// simulations, against the ground-truth embedding the simulated crowd answers
// from.
//
// Metrics computed:
//   - Accuracy: fraction of held-out answers whose winner is closer to the head
//   - Loss: mean noise-model loss on the held-out answers
//   - Agreement: fraction of random triplets ordered the same way as the truth
//   - NNAccuracy: fraction of items whose nearest neighbour matches the truth
//   - NNPrecision5: overlap of each item's 5 nearest neighbours with the truth
//
// Example usage:
//
//	h := eval.NewHarness(30)
//	h.AddAnswers(heldOut)
//	if err := h.SetTruth(truth); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := h.Run(ctx, engine, []string{"adaptive", "random"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eval.NewReporter(os.Stdout).PrintCompact(result)
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/math/geometry"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

var (
	// ErrNoEmbedding is reported for samplers that do not learn an embedding.
	ErrNoEmbedding = errors.New("eval: sampler has no embedding")
	// ErrShape is returned when an embedding does not have one row per item.
	ErrShape = errors.New("eval: embedding shape mismatch")
)

// agreementSamples is the number of random triplets compared with the truth.
const agreementSamples = 4000

// neighbours is the neighbourhood size of NNPrecision5.
const neighbours = 5

// ModelSource returns the current model of a named sampler. *engine.Engine
// satisfies it.
type ModelSource interface {
	GetModel(name string) (sampler.Model, error)
}

// TestSet is a held-out answer set, optionally with the embedding that
// generated it.
type TestSet struct {
	Name    string           `json:"name"`
	N       int              `json:"n"`
	Answers []triplet.Answer `json:"answers"`
	Truth   [][]float64      `json:"truth,omitempty"`
	Created time.Time        `json:"created"`
}

// Metrics contains all computed evaluation metrics.
type Metrics struct {
	Accuracy     float64 `json:"accuracy"`
	Loss         float64 `json:"loss,omitempty"`
	Agreement    float64 `json:"agreement,omitempty"`
	NNAccuracy   float64 `json:"nn_accuracy,omitempty"`
	NNPrecision5 float64 `json:"nn_precision@5,omitempty"`
}

// Thresholds define minimum acceptable metric values. Metrics that need a
// ground truth are only checked when one is set.
type Thresholds struct {
	Accuracy   float64 `json:"accuracy"`
	Agreement  float64 `json:"agreement"`
	NNAccuracy float64 `json:"nn_accuracy"`
}

// DefaultThresholds returns sensible default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Accuracy:   0.7,
		Agreement:  0.8,
		NNAccuracy: 0.3,
	}
}

// SamplerResult is the evaluation of one sampler's model.
type SamplerResult struct {
	Sampler  string           `json:"sampler"`
	Class    string           `json:"class"`
	Counters sampler.Counters `json:"counters"`
	Metrics  Metrics          `json:"metrics"`
	Passed   bool             `json:"passed"`
	Duration time.Duration    `json:"duration"`
	Error    string           `json:"error,omitempty"`
}

// EvalResult contains the complete evaluation results.
type EvalResult struct {
	SuiteName string          `json:"suite_name"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
	HeldOut   int             `json:"held_out"`
	HasTruth  bool            `json:"has_truth"`
	Results   []SamplerResult `json:"results"`

	TotalTests  int `json:"total_tests"`
	PassedTests int `json:"passed_tests"`
	FailedTests int `json:"failed_tests"`

	Thresholds Thresholds `json:"thresholds"`
}

// Harness is the main evaluation harness.
type Harness struct {
	n          int
	name       string
	heldOut    []triplet.Triplet
	truth      *mat.Dense
	truthDist  *mat.Dense
	probes     []triplet.Triplet
	model      noise.Model
	thresholds Thresholds
	seed       uint64
	mu         sync.RWMutex
}

// NewHarness creates a harness for n items.
func NewHarness(n int) *Harness {
	return &Harness{
		n:          n,
		name:       "default",
		thresholds: DefaultThresholds(),
		seed:       1,
	}
}

// SetThresholds sets the pass/fail thresholds.
func (h *Harness) SetThresholds(t Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thresholds = t
}

// SetNoiseModel enables the Loss metric.
func (h *Harness) SetNoiseModel(m noise.Model) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = m
}

// SetSeed fixes the random triplets used for Agreement. It must be called
// before SetTruth to take effect.
func (h *Harness) SetSeed(seed uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seed = seed
}

// AddAnswers adds held-out answers and returns how many were invalid for n
// items and dropped.
func (h *Harness) AddAnswers(answers []triplet.Answer) int {
	ts, dropped := triplet.Triplets(answers, h.n)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heldOut = append(h.heldOut, ts...)
	return dropped
}

// HeldOut returns the number of held-out triplets.
func (h *Harness) HeldOut() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.heldOut)
}

// SetTruth sets the ground-truth embedding, one row per item.
func (h *Harness) SetTruth(rows [][]float64) error {
	x, err := toDense(rows, h.n)
	if err != nil {
		return err
	}
	if h.n < 3 {
		return fmt.Errorf("%w: need at least 3 items", ErrShape)
	}
	dist := geometry.EmbeddingDistances(x)
	if allEqual(dist) {
		return fmt.Errorf("%w: ground truth has no distinct distances", ErrShape)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rng := triplet.NewRand(h.seed)
	probes := make([]triplet.Triplet, 0, agreementSamples)
	for len(probes) < agreementSamples {
		q := triplet.Random(rng, h.n)
		dl, dr := dist.At(q.Head, q.Left), dist.At(q.Head, q.Right)
		switch {
		case dl < dr:
			probes = append(probes, triplet.Triplet{Head: q.Head, Winner: q.Left, Loser: q.Right})
		case dr < dl:
			probes = append(probes, triplet.Triplet{Head: q.Head, Winner: q.Right, Loser: q.Left})
		}
		// Ties in the truth carry no ordering and are redrawn.
	}
	h.truth = x
	h.truthDist = dist
	h.probes = probes
	return nil
}

// LoadSuite loads a test set from a JSON file.
func (h *Harness) LoadSuite(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read test set: %w", err)
	}

	var set TestSet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("failed to parse test set JSON: %w", err)
	}
	if set.N != 0 && set.N != h.n {
		return fmt.Errorf("%w: test set has n=%d, harness n=%d", ErrShape, set.N, h.n)
	}

	h.AddAnswers(set.Answers)
	if len(set.Truth) > 0 {
		if err := h.SetTruth(set.Truth); err != nil {
			return err
		}
	}
	if set.Name != "" {
		h.mu.Lock()
		h.name = set.Name
		h.mu.Unlock()
	}
	return nil
}

// Evaluate scores one model.
func (h *Harness) Evaluate(m sampler.Model) SamplerResult {
	start := time.Now()
	res := SamplerResult{Sampler: m.Sampler, Class: m.Class, Counters: m.Counters}

	if len(m.Embedding) == 0 {
		res.Error = ErrNoEmbedding.Error()
		res.Duration = time.Since(start)
		return res
	}
	x, err := toDense(m.Embedding, h.n)
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	h.mu.RLock()
	res.Metrics = h.computeMetrics(x)
	res.Passed = h.passes(res.Metrics)
	h.mu.RUnlock()

	res.Duration = time.Since(start)
	return res
}

// Run evaluates the named samplers' current models.
func (h *Harness) Run(ctx context.Context, src ModelSource, names []string) (*EvalResult, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no samplers to evaluate")
	}

	startTime := time.Now()
	results := make([]SamplerResult, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := src.GetModel(name)
		if err != nil {
			results = append(results, SamplerResult{Sampler: name, Error: err.Error()})
			continue
		}
		results = append(results, h.Evaluate(m))
	}

	passed, failed := countPassFail(results)

	h.mu.RLock()
	defer h.mu.RUnlock()
	return &EvalResult{
		SuiteName:   h.name,
		Timestamp:   startTime,
		Duration:    time.Since(startTime),
		HeldOut:     len(h.heldOut),
		HasTruth:    h.truth != nil,
		Results:     results,
		TotalTests:  len(results),
		PassedTests: passed,
		FailedTests: failed,
		Thresholds:  h.thresholds,
	}, nil
}

// computeMetrics calculates all metrics for an embedding. Callers hold h.mu.
func (h *Harness) computeMetrics(x *mat.Dense) Metrics {
	m := Metrics{}

	if len(h.heldOut) > 0 {
		m.Accuracy = embedding.Accuracy(x, h.heldOut)
		if h.model != nil {
			m.Loss = loss(h.model, x, h.heldOut)
		}
	}
	if h.truth == nil {
		return m
	}

	m.Agreement = embedding.Accuracy(x, h.probes)

	dist := geometry.EmbeddingDistances(x)
	var nn, prec float64
	for i := 0; i < h.n; i++ {
		want := nearest(h.truthDist, i, neighbours)
		got := nearest(dist, i, neighbours)
		if len(want) > 0 && len(got) > 0 && got[0] == want[0] {
			nn++
		}
		prec += precision(got, want, neighbours)
	}
	m.NNAccuracy = nn / float64(h.n)
	m.NNPrecision5 = prec / float64(h.n)
	return m
}

// passes reports whether metrics meet the thresholds. Callers hold h.mu.
func (h *Harness) passes(m Metrics) bool {
	t := h.thresholds
	if len(h.heldOut) > 0 && m.Accuracy < t.Accuracy {
		return false
	}
	if h.truth != nil && (m.Agreement < t.Agreement || m.NNAccuracy < t.NNAccuracy) {
		return false
	}
	return true
}

// countPassFail counts results that meet thresholds.
func countPassFail(results []SamplerResult) (passed, failed int) {
	for _, r := range results {
		if r.Error == "" && r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return
}

// === Metric calculation functions ===

// loss is the mean noise-model loss of ts under x.
func loss(model noise.Model, x *mat.Dense, ts []triplet.Triplet) float64 {
	var sum float64
	for _, t := range ts {
		xh := x.RawRowView(t.Head)
		sum += model.Loss(geometry.SquaredDistance(xh, x.RawRowView(t.Winner)),
			geometry.SquaredDistance(xh, x.RawRowView(t.Loser)))
	}
	return sum / float64(len(ts))
}

// nearest returns the k items closest to i, nearest first, ties broken by
// index.
func nearest(dist *mat.Dense, i, k int) []int {
	n, _ := dist.Dims()
	idx := make([]int, 0, n-1)
	for j := 0; j < n; j++ {
		if j != i {
			idx = append(idx, j)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dist.At(i, idx[a]) < dist.At(i, idx[b])
	})
	return idx[:min(k, len(idx))]
}

// precision calculates Precision@K.
// Precision = (relevant items in top K) / K
func precision(returned, expected []int, k int) float64 {
	if k <= 0 || len(returned) == 0 {
		return 0.0
	}

	want := make(map[int]bool, len(expected))
	for _, e := range expected {
		want[e] = true
	}
	limit := min(k, len(returned))
	relevant := 0
	for i := 0; i < limit; i++ {
		if want[returned[i]] {
			relevant++
		}
	}
	return float64(relevant) / float64(k)
}

func toDense(rows [][]float64, n int) (*mat.Dense, error) {
	if len(rows) != n || n == 0 {
		return nil, fmt.Errorf("%w: %d rows for %d items", ErrShape, len(rows), n)
	}
	d := len(rows[0])
	if d == 0 {
		return nil, fmt.Errorf("%w: empty rows", ErrShape)
	}
	x := mat.NewDense(n, d, nil)
	for i, r := range rows {
		if len(r) != d {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrShape, i, len(r), d)
		}
		x.SetRow(i, r)
	}
	return x, nil
}

func allEqual(dist *mat.Dense) bool {
	n, _ := dist.Dims()
	first := dist.At(0, 1)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && dist.At(i, j) != first {
				return false
			}
		}
	}
	return true
}
