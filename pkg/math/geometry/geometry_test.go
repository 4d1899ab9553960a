package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDistancesMatchDirectComputation(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		0, 0,
		3, 4,
		-1, 2,
		0.5, -0.5,
	})
	d := EmbeddingDistances(x)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := SquaredDistance(x.RawRowView(i), x.RawRowView(j))
			assert.InDelta(t, want, d.At(i, j), 1e-9, "(%d,%d)", i, j)
		}
	}
	assert.InDelta(t, 25.0, d.At(0, 1), 1e-12)
}

func TestDistancesDebugChecks(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()

	x := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	assert.NotPanics(t, func() { EmbeddingDistances(x) })
}

func TestDistancesClampNegativeRoundOff(t *testing.T) {
	g := mat.NewDense(2, 2, []float64{1, 1.0000001, 1.0000001, 1})
	d := Distances(g)
	assert.Equal(t, 0.0, d.At(0, 1))
}

func TestProjectPSD(t *testing.T) {
	t.Run("already psd", func(t *testing.T) {
		g := mat.NewDense(2, 2, []float64{2, 1, 1, 2})
		out, err := ProjectPSD(g)
		require.NoError(t, err)
		assert.True(t, mat.EqualApprox(g, out, 1e-12))
	})

	t.Run("clips negative eigenvalue", func(t *testing.T) {
		// eigenvalues 3 and -1
		g := mat.NewDense(2, 2, []float64{1, 2, 2, 1})
		out, err := ProjectPSD(g)
		require.NoError(t, err)

		var eig mat.EigenSym
		sym := mat.NewSymDense(2, []float64{out.At(0, 0), out.At(0, 1), out.At(1, 0), out.At(1, 1)})
		require.True(t, eig.Factorize(sym, false))
		vals := eig.Values(nil)
		assert.InDelta(t, 0.0, vals[0], 1e-9)
		assert.InDelta(t, 3.0, vals[1], 1e-9)
	})

	t.Run("not square", func(t *testing.T) {
		_, err := ProjectPSD(mat.NewDense(2, 3, nil))
		assert.Error(t, err)
	})
}

func TestProjectRows(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		30, 40, // norm 50
		1, 1,
		math.NaN(), 2,
	})
	changed := ProjectRows(x, 20)
	assert.Equal(t, 2, changed)
	assert.InDelta(t, 20.0, mat.Norm(x.RowView(0), 2), 1e-9)
	assert.InDelta(t, 0.6, x.At(0, 0)/20, 1e-12)
	assert.Equal(t, []float64{1, 1}, x.RawRowView(1))
	assert.Equal(t, []float64{0, 0}, x.RawRowView(2))
	assert.LessOrEqual(t, MaxRowNorm(x), 20.0+1e-9)
}
