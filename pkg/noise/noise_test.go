package noise

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allModels(t *testing.T) []Model {
	t.Helper()
	var out []Model
	for _, name := range Names() {
		m, err := New(name, Params{D: 2})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"CKL", "GNMDS", "Logistic", "SOE", "STE", "TSTE"}, Names())

	_, err := New("tSTE", Params{})
	assert.ErrorIs(t, err, ErrUnknownModel)

	m, err := New("TSTE", Params{Alpha: 3})
	require.NoError(t, err)
	assert.Equal(t, 3.0, m.(TSTE).Alpha)

	m, err = New("CKL", Params{})
	require.NoError(t, err)
	assert.Equal(t, 0.05, m.(CKL).Mu)
}

func TestProbIsComplementary(t *testing.T) {
	pairs := [][2]float64{{0, 0}, {0.1, 4}, {2, 2}, {9, 0.5}, {0, 30}}
	for _, m := range allModels(t) {
		t.Run(m.Name(), func(t *testing.T) {
			for _, p := range pairs {
				a := m.Prob(p[0], p[1])
				b := m.Prob(p[1], p[0])
				assert.InDelta(t, 1.0, a+b, 1e-9, "w=%v l=%v", p[0], p[1])
				assert.True(t, a >= 0 && a <= 1)
			}
		})
	}
}

func TestCloserWinnerIsMoreLikely(t *testing.T) {
	for _, m := range allModels(t) {
		t.Run(m.Name(), func(t *testing.T) {
			assert.Greater(t, m.Prob(0.5, 4), 0.5)
			assert.Less(t, m.Prob(4, 0.5), 0.5)
			assert.InDelta(t, 0.5, m.Prob(2, 2), 1e-12)
		})
	}
}

func TestGradMatchesFiniteDifference(t *testing.T) {
	const h = 1e-6
	points := [][2]float64{{1.3, 2.1}, {0.7, 0.9}, {2.5, 3.9}}
	for _, m := range allModels(t) {
		t.Run(m.Name(), func(t *testing.T) {
			for _, p := range points {
				w, l := p[0], p[1]
				dw, dl := m.Grad(w, l)
				numW := (m.Loss(w+h, l) - m.Loss(w-h, l)) / (2 * h)
				numL := (m.Loss(w, l+h) - m.Loss(w, l-h)) / (2 * h)
				assert.InDelta(t, numW, dw, 1e-5, "dWin at %v", p)
				assert.InDelta(t, numL, dl, 1e-5, "dLose at %v", p)
			}
		})
	}
}

func TestLogLossModelsMatchNegLogProb(t *testing.T) {
	for _, name := range []string{"STE", "TSTE", "CKL", "Logistic"} {
		m, err := New(name, Params{})
		require.NoError(t, err)
		for _, p := range [][2]float64{{0.2, 1.7}, {3, 1}} {
			want := -math.Log(m.Prob(p[0], p[1]))
			assert.InDelta(t, want, m.Loss(p[0], p[1]), 1e-9, name)
		}
	}
}

func TestHingeLossesVanishWhenSatisfied(t *testing.T) {
	assert.Zero(t, GNMDS{}.Loss(0.1, 5))
	assert.Zero(t, SOE{}.Loss(0.01, 9))
	dw, dl := GNMDS{}.Grad(0.1, 5)
	assert.Zero(t, dw)
	assert.Zero(t, dl)
}

func TestStableForExtremeDistances(t *testing.T) {
	for _, m := range allModels(t) {
		for _, p := range [][2]float64{{0, 1e6}, {1e6, 0}, {1e-300, 1e-300}} {
			assert.False(t, math.IsNaN(m.Prob(p[0], p[1])), m.Name())
			assert.False(t, math.IsInf(m.Loss(p[0], p[1]), 0), m.Name())
		}
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, Eps, Clamp(0))
	assert.Equal(t, 1-Eps, Clamp(1))
	assert.Equal(t, 0.5, Clamp(math.NaN()))
	assert.Equal(t, 0.3, Clamp(0.3))
}

func TestBatchHelpers(t *testing.T) {
	m := STE{}
	w := []float64{0, 1, 2}
	l := []float64{2, 1, 0}
	out := ProbBatch(m, w, l, make([]float64, 5))
	require.Len(t, out, 3)
	assert.InDelta(t, 0.5, out[1], 1e-12)
	assert.InDelta(t, (m.Loss(0, 2)+m.Loss(1, 1)+m.Loss(2, 0))/3, LossBatch(m, w, l), 1e-12)
	assert.Zero(t, LossBatch(m, nil, nil))
}
