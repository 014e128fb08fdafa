package dki

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dkifit/pkg/tensor"
)

// ConvexSolver solves the least squares problem min ||a x - y||^2 subject
// to the positive semidefiniteness of the tensors gathered by constraints.
// Implementations must be safe for concurrent use; one solver instance is
// shared by all parallel voxel fits.
type ConvexSolver interface {
	Solve(a *mat.Dense, y []float64, constraints []Constraint) ([]float64, error)
}

// Constraint ties a subset of the 22 regression unknowns to a symmetric
// matrix that the solution must keep positive semidefinite.
type Constraint struct {
	// Dim is the matrix order.
	Dim int

	// Gather builds the constrained matrix from the solution vector.
	Gather func(x []float64) *mat.SymDense

	// Scatter writes a projected matrix back into the solution vector.
	Scatter func(s *mat.SymDense, x []float64)
}

// ConstraintSet returns the precomputed positivity constraint basis for the
// named model at the given even polynomial order. Order 2 constrains the
// diffusion tensor only; order 4 and ConvexityFull additionally constrain
// the kurtosis tensor through its 6x6 quadratic-form representation.
func ConstraintSet(model string, order int) ([]Constraint, error) {
	if model != "dki" {
		return nil, fmt.Errorf("no constraint basis for model %q", model)
	}
	switch order {
	case 2:
		return []Constraint{diffusionConstraint()}, nil
	case 4, ConvexityFull:
		return []Constraint{diffusionConstraint(), kurtosisConstraint()}, nil
	default:
		return nil, fmt.Errorf("no constraint basis for model %q at order %d", model, order)
	}
}

// diffusionConstraint maps the six lower-triangular diffusion unknowns to
// the 3x3 diffusion tensor.
func diffusionConstraint() Constraint {
	return Constraint{
		Dim: 3,
		Gather: func(x []float64) *mat.SymDense {
			return mat.NewSymDense(3, []float64{
				x[0], x[1], x[3],
				x[1], x[2], x[4],
				x[3], x[4], x[5],
			})
		},
		Scatter: func(s *mat.SymDense, x []float64) {
			x[0] = s.At(0, 0)
			x[1] = s.At(0, 1)
			x[2] = s.At(1, 1)
			x[3] = s.At(0, 2)
			x[4] = s.At(1, 2)
			x[5] = s.At(2, 2)
		},
	}
}

// ktPairs enumerates the six unordered axis pairs indexing the rows and
// columns of the kurtosis quadratic form.
var ktPairs = [6][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {0, 2}, {1, 2}}

// kurtosisConstraint maps the fifteen kurtosis unknowns to the 6x6
// quadratic form M[a][b] = W[i j k l] over axis pairs (i,j) and (k,l).
// Positive semidefiniteness of this form implies a nonnegative quartic
// contraction of W along every direction. Scattering averages the projected
// duplicates of each independent element.
func kurtosisConstraint() Constraint {
	return Constraint{
		Dim: 6,
		Gather: func(x []float64) *mat.SymDense {
			s := mat.NewSymDense(6, nil)
			for a := 0; a < 6; a++ {
				for b := a; b < 6; b++ {
					i, j := ktPairs[a][0], ktPairs[a][1]
					k, l := ktPairs[b][0], ktPairs[b][1]
					s.SetSym(a, b, x[6+tensor.Slot(i, j, k, l)])
				}
			}
			return s
		},
		Scatter: func(s *mat.SymDense, x []float64) {
			var sums [15]float64
			var counts [15]int
			for a := 0; a < 6; a++ {
				for b := a; b < 6; b++ {
					i, j := ktPairs[a][0], ktPairs[a][1]
					k, l := ktPairs[b][0], ktPairs[b][1]
					e := tensor.Slot(i, j, k, l)
					sums[e] += s.At(a, b)
					counts[e]++
				}
			}
			for e := 0; e < 15; e++ {
				if counts[e] > 0 {
					x[6+e] = sums[e] / float64(counts[e])
				}
			}
		},
	}
}

// ProjectedGradientSolver enforces the positivity constraints by projected
// gradient descent: plain gradient steps on the least squares objective,
// each followed by an eigenvalue clipping of every constrained matrix onto
// the positive semidefinite cone. The step size is fixed at the inverse
// squared spectral norm of the design, which guarantees descent.
type ProjectedGradientSolver struct {
	// MaxIter bounds the descent iterations.
	MaxIter int

	// Tol is the relative step-size threshold for convergence.
	Tol float64
}

// NewProjectedGradientSolver returns the default constrained backend.
func NewProjectedGradientSolver() *ProjectedGradientSolver {
	return &ProjectedGradientSolver{MaxIter: 500, Tol: 1e-8}
}

// Solve implements ConvexSolver.
func (s *ProjectedGradientSolver) Solve(a *mat.Dense, y []float64, constraints []Constraint) ([]float64, error) {
	inv, err := pseudoInverse(a)
	if err != nil {
		return nil, err
	}

	g, k := a.Dims()
	yVec := mat.NewVecDense(g, y)

	var x0 mat.VecDense
	x0.MulVec(inv, yVec)
	x := vecData(&x0)
	if len(constraints) == 0 {
		return x, nil
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return nil, fmt.Errorf("SVD failed to converge")
	}
	sigma := svd.Values(nil)[0]
	if sigma == 0 {
		return x, nil
	}
	step := 1.0 / (sigma * sigma)

	prev := make([]float64, k)
	resid := mat.NewVecDense(g, nil)
	grad := mat.NewVecDense(k, nil)
	xVec := mat.NewVecDense(k, x)

	for iter := 0; iter < s.MaxIter; iter++ {
		copy(prev, x)

		resid.MulVec(a, xVec)
		resid.SubVec(resid, yVec)
		grad.MulVec(a.T(), resid)
		for i := 0; i < k; i++ {
			x[i] -= step * grad.AtVec(i)
		}

		for _, c := range constraints {
			projectPSD(c, x)
		}

		delta, norm := 0.0, 0.0
		for i := 0; i < k; i++ {
			d := x[i] - prev[i]
			delta += d * d
			norm += x[i] * x[i]
		}
		if math.Sqrt(delta) <= s.Tol*(1.0+math.Sqrt(norm)) {
			break
		}
	}
	return x, nil
}

// projectPSD gathers the constrained matrix, clips its negative eigenvalues
// to zero and scatters the projection back.
func projectPSD(c Constraint, x []float64) {
	m := c.Gather(x)

	var eig mat.EigenSym
	if !eig.Factorize(m, true) {
		return
	}
	vals := eig.Values(nil)

	clipped := false
	for _, v := range vals {
		if v < 0 {
			clipped = true
			break
		}
	}
	if !clipped {
		return
	}

	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	proj := mat.NewSymDense(c.Dim, nil)
	for i := 0; i < c.Dim; i++ {
		for j := i; j < c.Dim; j++ {
			sum := 0.0
			for e, v := range vals {
				if v <= 0 {
					continue
				}
				sum += v * vecs.At(i, e) * vecs.At(j, e)
			}
			proj.SetSym(i, j, sum)
		}
	}
	c.Scatter(proj, x)
}
