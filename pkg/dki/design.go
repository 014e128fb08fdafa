package dki

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// shellWidth groups b-values into shells: two b-values closer than this are
// treated as the same shell when counting the distinct shells required by
// the model.
const shellWidth = 50.0

// GradientTable describes the diffusion encoding of an acquisition: one
// b-value and one unit gradient direction per measurement. Directions of
// zero-b measurements may be zero vectors.
type GradientTable struct {
	Bvals []float64
	Bvecs [][3]float64
}

// NewGradientTable validates and normalizes an acquisition scheme. The
// kurtosis model is quadratic in b, so the scheme must span at least three
// distinct b-value shells (typically b=0 plus two nonzero shells). Gradient
// directions of diffusion-weighted measurements are normalized to unit
// length.
func NewGradientTable(bvals []float64, bvecs [][3]float64) (*GradientTable, error) {
	if len(bvals) == 0 {
		return nil, fmt.Errorf("empty gradient table")
	}
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("got %d b-values but %d directions", len(bvals), len(bvecs))
	}

	shells := make(map[int]bool)
	vecs := make([][3]float64, len(bvecs))
	for i, b := range bvals {
		if b < 0 || math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, fmt.Errorf("invalid b-value %g at index %d", b, i)
		}
		shells[int(math.Round(b/shellWidth))] = true

		v := bvecs[i]
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if b > 0 {
			if n == 0 {
				return nil, fmt.Errorf("zero gradient direction at index %d with b = %g", i, b)
			}
			v[0], v[1], v[2] = v[0]/n, v[1]/n, v[2]/n
		}
		vecs[i] = v
	}
	if len(shells) < 3 {
		return nil, fmt.Errorf("kurtosis fit needs at least 3 distinct b-value shells, got %d", len(shells))
	}

	return &GradientTable{Bvals: append([]float64(nil), bvals...), Bvecs: vecs}, nil
}

// Len returns the number of measurements in the table.
func (g *GradientTable) Len() int {
	return len(g.Bvals)
}

// DesignMatrix builds the g x 22 regression design of the kurtosis model.
// Row i maps the 22 unknowns (six diffusion tensor elements, fifteen
// un-normalized kurtosis elements, minus the log of the baseline signal)
// to the log signal of measurement i:
//
//	columns  0-5   -b * (gx^2, 2 gx gy, gy^2, 2 gx gz, 2 gy gz, gz^2)
//	columns  6-20  b^2/6 * quartic direction monomials with the
//	               permutation multiplicities 1, 4, 6 and 12
//	column   21    -1
func (g *GradientTable) DesignMatrix() *mat.Dense {
	a := mat.NewDense(g.Len(), 22, nil)
	for i := range g.Bvals {
		b := g.Bvals[i]
		x, y, z := g.Bvecs[i][0], g.Bvecs[i][1], g.Bvecs[i][2]

		a.Set(i, 0, -b*x*x)
		a.Set(i, 1, -b*2*x*y)
		a.Set(i, 2, -b*y*y)
		a.Set(i, 3, -b*2*x*z)
		a.Set(i, 4, -b*2*y*z)
		a.Set(i, 5, -b*z*z)

		bb := b * b / 6.0
		a.Set(i, 6, bb*x*x*x*x)
		a.Set(i, 7, bb*y*y*y*y)
		a.Set(i, 8, bb*z*z*z*z)
		a.Set(i, 9, bb*4*x*x*x*y)
		a.Set(i, 10, bb*4*x*x*x*z)
		a.Set(i, 11, bb*4*x*y*y*y)
		a.Set(i, 12, bb*4*y*y*y*z)
		a.Set(i, 13, bb*4*x*z*z*z)
		a.Set(i, 14, bb*4*y*z*z*z)
		a.Set(i, 15, bb*6*x*x*y*y)
		a.Set(i, 16, bb*6*x*x*z*z)
		a.Set(i, 17, bb*6*y*y*z*z)
		a.Set(i, 18, bb*12*x*x*y*z)
		a.Set(i, 19, bb*12*x*y*y*z)
		a.Set(i, 20, bb*12*x*y*z*z)

		a.Set(i, 21, -1)
	}
	return a
}
