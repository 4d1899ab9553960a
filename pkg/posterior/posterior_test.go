package posterior

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stsievert/salmon-sub000/pkg/math/geometry"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
	"gonum.org/v1/gonum/mat"
)

func randomEmbedding(rng *rand.Rand, n, d int, scale float64) *mat.Dense {
	x := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			x.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	return x
}

// simulate answers num random queries from x with STE noise.
func simulate(rng *rand.Rand, x *mat.Dense, num int) []triplet.Triplet {
	n, _ := x.Dims()
	d := geometry.EmbeddingDistances(x)
	m := noise.STE{}
	out := make([]triplet.Triplet, 0, num)
	for k := 0; k < num; k++ {
		q := triplet.Random(rng, n)
		pLeft := m.Prob(d.At(q.Head, q.Left), d.At(q.Head, q.Right))
		if rng.Float64() < pLeft {
			out = append(out, triplet.Triplet{Head: q.Head, Winner: q.Left, Loser: q.Right})
		} else {
			out = append(out, triplet.Triplet{Head: q.Head, Winner: q.Right, Loser: q.Left})
		}
	}
	return out
}

func newScorer(t *testing.T, kind Kind, n int) *Scorer {
	t.Helper()
	s, err := New(kind, noise.STE{}, n, nil)
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New("nope", noise.STE{}, 10, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(InfoGain, nil, 10, nil)
	assert.Error(t, err)

	_, err = New(InfoGain, noise.STE{}, 2, nil)
	assert.Error(t, err)
}

func TestScoreBeforePush(t *testing.T) {
	s := newScorer(t, InfoGain, 5)
	assert.False(t, s.Initialized())
	_, err := s.Score([]triplet.Query{{Head: 0, Left: 1, Right: 2}})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.Posterior()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestEmptyHistoryIsUniform(t *testing.T) {
	rng := triplet.NewRand(1)
	s := newScorer(t, InfoGain, 10)
	s.Push(randomEmbedding(rng, 10, 2, 1), nil)

	tau, err := s.Posterior()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			assert.InDelta(t, 0.1, tau.At(i, j), 1e-12)
		}
	}
}

func TestRowsSumToOne(t *testing.T) {
	rng := triplet.NewRand(2)
	x := randomEmbedding(rng, 20, 2, 1)
	for _, num := range []int{0, 1, 50, 2000} {
		s := newScorer(t, InfoGain, 20)
		s.Push(x, simulate(rng, x, num))
		tau, err := s.Posterior()
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			assert.InDelta(t, 1.0, mat.Sum(tau.RowView(i)), 1e-9, "history=%d row=%d", num, i)
		}
	}
}

func TestDegenerateRowsFallBackToUniform(t *testing.T) {
	row := []float64{math.NaN(), 0, 1}
	assert.False(t, normalize(row))
	for _, v := range row {
		assert.InDelta(t, 1.0/3, v, 1e-12)
	}

	row = []float64{-1e308, -1e308, -1e308}
	assert.True(t, normalize(row))
	assert.InDelta(t, 1.0, row[0]+row[1]+row[2], 1e-12)
}

func TestPushIsIdempotent(t *testing.T) {
	rng := triplet.NewRand(3)
	x := randomEmbedding(rng, 15, 2, 1)
	hist := simulate(rng, x, 300)

	s := newScorer(t, InfoGain, 15)
	s.Push(x, hist)
	first, _ := s.Posterior()
	s.Push(x, hist)
	second, _ := s.Posterior()
	assert.True(t, mat.Equal(first, second))
}

func TestPushIsOrderIndependent(t *testing.T) {
	rng := triplet.NewRand(4)
	x := randomEmbedding(rng, 15, 2, 1)
	hist := simulate(rng, x, 500)

	shuffled := append([]triplet.Triplet(nil), hist...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	a := newScorer(t, InfoGain, 15)
	a.Push(x, hist)
	b := newScorer(t, InfoGain, 15)
	b.Push(x, shuffled)

	ta, _ := a.Posterior()
	tb, _ := b.Posterior()
	assert.True(t, mat.EqualApprox(ta, tb, 1e-9))
}

func TestInfoGainIgnoresAnswerLabelOrder(t *testing.T) {
	rng := triplet.NewRand(5)
	x := randomEmbedding(rng, 12, 2, 1)
	hist := simulate(rng, x, 400)

	// The same answers, recorded once with the winner on the left and once on the right.
	var asLeft, asRight []triplet.Answer
	for _, tr := range hist {
		asLeft = append(asLeft, triplet.Answer{Head: tr.Head, Left: tr.Winner, Right: tr.Loser, Winner: tr.Winner})
		asRight = append(asRight, triplet.Answer{Head: tr.Head, Left: tr.Loser, Right: tr.Winner, Winner: tr.Winner})
	}
	hl, _ := triplet.Triplets(asLeft, 12)
	hr, _ := triplet.Triplets(asRight, 12)

	a := newScorer(t, InfoGain, 12)
	a.Push(x, hl)
	b := newScorer(t, InfoGain, 12)
	b.Push(x, hr)

	qs := a.Candidates(rng, 200)
	sa, err := a.Score(qs)
	require.NoError(t, err)
	sb, err := b.Score(qs)
	require.NoError(t, err)
	assert.InDeltaSlice(t, sa, sb, 1e-12)

	swapped := make([]triplet.Query, len(qs))
	for i, q := range qs {
		swapped[i] = q.Swapped()
	}
	ss, err := a.Score(swapped)
	require.NoError(t, err)
	assert.InDeltaSlice(t, sa, ss, 1e-9)
}

func TestInfoGainKnownValue(t *testing.T) {
	// Items on a line at 0, 1, 3 and 6; no answers, so τ[0] is uniform.
	x := mat.NewDense(4, 1, []float64{0, 1, 3, 6})
	s := newScorer(t, InfoGain, 4)
	s.Push(x, nil)

	// prob_i = σ(D[2,i] − D[1,i]) = σ(8), σ(4), σ(−4), σ(−16); p ≈ 0.49992,
	// H(τ_b) ≈ 0.73820, H(τ_c) ≈ 0.73970.
	got, err := s.ScoreOne(triplet.Query{Head: 0, Left: 1, Right: 2})
	require.NoError(t, err)
	assert.InDelta(t, -0.7389496086196609, got, 1e-12)
}

// conditionalEntropy recomputes the InfoGain score from the exported
// posterior and distances.
func conditionalEntropy(t *testing.T, s *Scorer, m noise.Model, q triplet.Query) float64 {
	t.Helper()
	tau, err := s.Posterior()
	require.NoError(t, err)
	dist, err := s.Distances()
	require.NoError(t, err)

	n, _ := tau.Dims()
	probs := make([]float64, n)
	var p float64
	for i := 0; i < n; i++ {
		probs[i] = noise.Clamp(m.Prob(dist.At(q.Left, i), dist.At(q.Right, i)))
		p += probs[i] * tau.At(q.Head, i)
	}
	p = noise.Clamp(p)
	b := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		b[i] = tau.At(q.Head, i) * probs[i] / p
		c[i] = tau.At(q.Head, i) * (1 - probs[i]) / (1 - p)
	}
	h := func(v []float64) float64 {
		var e float64
		for _, x := range v {
			if x > 0 {
				e -= x * math.Log(x)
			}
		}
		return e
	}
	return -p*h(b) - (1-p)*h(c)
}

// Only heads below 10 have answers, so the rows of τ differ a lot in entropy
// and queries with different heads must still keep their relative order.
func TestInfoGainOrdersAcrossHeads(t *testing.T) {
	const n = 20
	rng := triplet.NewRand(6)
	x := randomEmbedding(rng, n, 2, 1)
	var hist []triplet.Triplet
	for _, tr := range simulate(rng, x, 1500) {
		if tr.Head < 10 {
			hist = append(hist, tr)
		}
	}
	s := newScorer(t, InfoGain, n)
	s.Push(x, hist)

	qs := s.Candidates(rng, 400)
	scores, err := s.Score(qs)
	require.NoError(t, err)

	bestGot, bestWant := 0, 0
	want := make([]float64, len(qs))
	for i, q := range qs {
		want[i] = conditionalEntropy(t, s, noise.STE{}, q)
		assert.False(t, math.IsNaN(scores[i]))
		assert.LessOrEqual(t, scores[i], 1e-12)
		if scores[i] > scores[bestGot] {
			bestGot = i
		}
		if want[i] > want[bestWant] {
			bestWant = i
		}
	}
	assert.InDeltaSlice(t, want, scores, 1e-9)
	assert.InDelta(t, want[bestWant], want[bestGot], 1e-9, "best query %v, want %v", qs[bestGot], qs[bestWant])
}

// Queries that involve a pair of items whose positions were swapped in the
// embedding should look more informative than queries that do not.
func TestInfoGainConcentratesOnSwappedPair(t *testing.T) {
	const n, d = 40, 2
	rng := triplet.NewRand(7)
	truth := randomEmbedding(rng, n, d, 0.3)
	hist := simulate(rng, truth, 4000)

	// swap the two items furthest apart
	dist := geometry.EmbeddingDistances(truth)
	a, b, best := 0, 1, 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if dist.At(i, j) > best {
				a, b, best = i, j, dist.At(i, j)
			}
		}
	}
	est := mat.DenseCopyOf(truth)
	ra := append([]float64(nil), est.RawRowView(a)...)
	est.SetRow(a, est.RawRowView(b))
	est.SetRow(b, ra)

	s := newScorer(t, InfoGain, n)
	s.Push(est, hist)

	qs := s.Candidates(rng, 6000)
	scores, err := s.Score(qs)
	require.NoError(t, err)

	var in, out []float64
	for i, q := range qs {
		if q.Head == a || q.Head == b || q.Left == a || q.Left == b || q.Right == a || q.Right == b {
			in = append(in, scores[i])
		} else {
			out = append(out, scores[i])
		}
	}
	require.NotEmpty(t, in)
	require.NotEmpty(t, out)
	assert.Greater(t, mean(in), mean(out))
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func TestUncertainty(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0, 1, -1, 3})
	s := newScorer(t, Uncertainty, 4)
	s.Push(x, nil)

	scores, err := s.Score([]triplet.Query{
		{Head: 0, Left: 1, Right: 2}, // equidistant
		{Head: 0, Left: 1, Right: 3}, // |1 - 9|
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, scores[0], 1e-12)
	assert.InDelta(t, -8.0, scores[1], 1e-12)
	assert.Greater(t, scores[0], scores[1])
}

func TestCandidates(t *testing.T) {
	rng := triplet.NewRand(8)
	s := newScorer(t, InfoGain, 6)

	qs := s.Candidates(rng, 1000)
	require.Len(t, qs, 1000)
	for _, q := range qs {
		assert.NoError(t, q.Validate(6))
	}

	qs = s.CandidatesForHead(rng, 2, 100)
	require.Len(t, qs, 100)
	for _, q := range qs {
		assert.Equal(t, 2, q.Head)
		assert.NoError(t, q.Validate(6))
	}

	assert.Empty(t, s.Candidates(rng, 0))
}

func TestCandidatesRespectItemSet(t *testing.T) {
	rng := triplet.NewRand(9)
	items, err := triplet.NewItemSet(20, []int{1, 5, 7, 11})
	require.NoError(t, err)
	s, err := New(Uncertainty, noise.STE{}, 20, items)
	require.NoError(t, err)

	for _, q := range s.Candidates(rng, 300) {
		assert.True(t, items.Contains(q.Head))
		assert.True(t, items.Contains(q.Left))
		assert.True(t, items.Contains(q.Right))
	}
}

func TestMaxHistoryWindow(t *testing.T) {
	rng := triplet.NewRand(10)
	x := randomEmbedding(rng, 10, 2, 1)
	hist := simulate(rng, x, 200)

	windowed := newScorer(t, InfoGain, 10)
	windowed.MaxHistory = 50
	windowed.Push(x, hist)

	tail := newScorer(t, InfoGain, 10)
	tail.Push(x, hist[150:])

	a, _ := windowed.Posterior()
	b, _ := tail.Posterior()
	assert.True(t, mat.EqualApprox(a, b, 1e-12))
	assert.Equal(t, 50, windowed.Fresh().MaxHistory)
}
