// Package geometry converts between embeddings, Gram matrices and pairwise
// squared distances.
//
// All matrices are gonum *mat.Dense values. Row-level hot loops use
// RawRowView so no per-element bounds-checked accessors are paid.
//
// Main Functions:
//   - Gram: G = X·Xᵀ
//   - Distances: D[i,j] = G[i,i] + G[j,j] − 2·G[i,j]
//   - EmbeddingDistances: Distances(Gram(X)) in one call
//   - ProjectPSD: clip the most negative eigenvalue of a symmetric matrix
//   - ProjectRows: rescale rows whose norm exceeds a radius
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Debug enables the symmetric / non-negative assertions in Distances.
// They are O(n²) and off by default.
var Debug = false

// Gram returns X·Xᵀ for an n×d embedding.
func Gram(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	g := mat.NewDense(n, n, nil)
	g.Mul(x, x.T())
	return g
}

// Distances returns the matrix of squared distances implied by a Gram
// matrix. Small negative values from round-off are clamped to zero.
func Distances(g *mat.Dense) *mat.Dense {
	n, _ := g.Dims()
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		diag[i] = g.At(i, i)
	}
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		grow := g.RawRowView(i)
		drow := d.RawRowView(i)
		for j := 0; j < n; j++ {
			v := diag[i] + diag[j] - 2*grow[j]
			if v < 0 {
				v = 0
			}
			drow[j] = v
		}
	}
	if Debug {
		if err := checkDistances(d); err != nil {
			panic(err)
		}
	}
	return d
}

// EmbeddingDistances returns squared pairwise distances between the rows of x.
func EmbeddingDistances(x *mat.Dense) *mat.Dense {
	return Distances(Gram(x))
}

// SquaredDistance returns ‖a − b‖².
func SquaredDistance(a, b []float64) float64 {
	var s float64
	for k := range a {
		diff := a[k] - b[k]
		s += diff * diff
	}
	return s
}

// ProjectPSD removes the most negative eigenvalue of a symmetric matrix with
// a single rank-1 correction G − λ_min·v·vᵀ. Matrices that are already PSD are
// returned unchanged (as a copy).
func ProjectPSD(g *mat.Dense) (*mat.Dense, error) {
	n, c := g.Dims()
	if n != c {
		return nil, fmt.Errorf("project psd: matrix is %dx%d, not square", n, c)
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (g.At(i, j)+g.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("project psd: eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	out := mat.DenseCopyOf(g)
	// gonum returns eigenvalues in ascending order
	lambda := vals[0]
	if lambda >= 0 {
		return out, nil
	}
	v := mat.Col(nil, 0, &vecs)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := 0; j < n; j++ {
			row[j] -= lambda * v[i] * v[j]
		}
	}
	return out, nil
}

// ProjectRows rescales every row whose Euclidean norm exceeds radius back onto
// the sphere of that radius. Rows containing NaN or Inf are reset to zero.
// It returns the number of rows that were modified.
func ProjectRows(x *mat.Dense, radius float64) int {
	n, _ := x.Dims()
	changed := 0
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		var sq float64
		for _, v := range row {
			sq += v * v
		}
		norm := math.Sqrt(sq)
		switch {
		case math.IsNaN(norm) || math.IsInf(norm, 0):
			for k := range row {
				row[k] = 0
			}
			changed++
		case norm > radius:
			scale := radius / norm
			for k := range row {
				row[k] *= scale
			}
			changed++
		}
	}
	return changed
}

// MaxRowNorm returns the largest row norm of x.
func MaxRowNorm(x *mat.Dense) float64 {
	n, _ := x.Dims()
	var best float64
	for i := 0; i < n; i++ {
		best = math.Max(best, mat.Norm(x.RowView(i), 2))
	}
	return best
}

func checkDistances(d *mat.Dense) error {
	n, _ := d.Dims()
	for i := 0; i < n; i++ {
		if d.At(i, i) > 1e-6 {
			return fmt.Errorf("distances: non-zero diagonal at %d: %g", i, d.At(i, i))
		}
		for j := i + 1; j < n; j++ {
			if math.Abs(d.At(i, j)-d.At(j, i)) > 1e-6 {
				return fmt.Errorf("distances: asymmetric at (%d,%d)", i, j)
			}
		}
	}
	return nil
}
