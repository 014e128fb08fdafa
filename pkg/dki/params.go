// Package dki fits the diffusion kurtosis model to multi-shell diffusion
// MRI signal and derives scalar biophysical invariants from the fitted
// tensors.
//
// The model represents every voxel by 27 values: the three eigenvalues of
// the diffusion tensor, its orthonormal eigenvector matrix, and the 15
// independent elements of the fully symmetric rank-4 kurtosis tensor.
package dki

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// evalTol is the positive-eigenvalue gate: kurtosis metrics are only
// computed for voxels whose eigenvalues all exceed this threshold, all other
// voxels yield zero.
const evalTol = 2e-7

// Params holds the diffusion kurtosis model parameters of a single voxel.
// A Params value is immutable once produced by the fitting engine; metric
// and search functions consume it read-only.
type Params struct {
	// Evals are the diffusion tensor eigenvalues, sorted descending.
	Evals [3]float64

	// Evecs is the eigenvector matrix; column j is the unit eigenvector
	// associated with Evals[j].
	Evecs [3][3]float64

	// KT holds the 15 independent kurtosis tensor elements in the
	// canonical storage order (see package tensor).
	KT [15]float64

	// S0 is the non diffusion-weighted signal estimated by the fit.
	S0 float64
}

// PositiveEvals reports whether all eigenvalues are significantly larger
// than zero. Voxels failing this test are excluded from kurtosis metrics.
func (p *Params) PositiveEvals() bool {
	return p.Evals[0] > evalTol && p.Evals[1] > evalTol && p.Evals[2] > evalTol
}

// MD returns the mean diffusivity.
func (p *Params) MD() float64 {
	return (p.Evals[0] + p.Evals[1] + p.Evals[2]) / 3.0
}

// AD returns the axial diffusivity (largest eigenvalue).
func (p *Params) AD() float64 {
	return p.Evals[0]
}

// RD returns the radial diffusivity (mean of the two smaller eigenvalues).
func (p *Params) RD() float64 {
	return (p.Evals[1] + p.Evals[2]) / 2.0
}

// LowerTriangular reconstructs the diffusion tensor from its
// eigen-decomposition and returns the six lower-triangular elements in the
// order Dxx, Dxy, Dyy, Dxz, Dyz, Dzz.
func (p *Params) LowerTriangular() [6]float64 {
	var d [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			for k := 0; k < 3; k++ {
				d[i][j] += p.Evals[k] * p.Evecs[i][k] * p.Evecs[j][k]
			}
		}
	}
	return [6]float64{d[0][0], d[1][0], d[1][1], d[2][0], d[2][1], d[2][2]}
}

// Basis returns the eigenvector matrix as a gonum matrix, columns oriented,
// for use as a rotation basis.
func (p *Params) Basis() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		p.Evecs[0][0], p.Evecs[0][1], p.Evecs[0][2],
		p.Evecs[1][0], p.Evecs[1][1], p.Evecs[1][2],
		p.Evecs[2][0], p.Evecs[2][1], p.Evecs[2][2],
	})
}

// paramsFromSolution packs the raw 22-element regression solution (six
// lower-triangular diffusion elements, fifteen un-normalized kurtosis
// elements, one intercept) into the 27-value voxel representation.
//
// The diffusion tensor is eigen-decomposed with eigenvalues floored at
// minDiffusivity. Raw kurtosis entries are divided by the squared mean
// diffusivity to obtain true kurtosis coefficients; a zero mean diffusivity
// yields zero coefficients instead of a division by zero.
func paramsFromSolution(raw []float64, minDiffusivity float64) Params {
	var p Params

	d := mat.NewSymDense(3, []float64{
		raw[0], raw[1], raw[3],
		raw[1], raw[2], raw[4],
		raw[3], raw[4], raw[5],
	})

	evals, evecs := decomposeTensor(d, minDiffusivity)
	p.Evals = evals
	p.Evecs = evecs

	md := (evals[0] + evals[1] + evals[2]) / 3.0
	md2 := md * md
	if md2 != 0 {
		for i := 0; i < 15; i++ {
			p.KT[i] = raw[6+i] / md2
		}
	}

	p.S0 = math.Exp(-raw[21])
	return p
}

// decomposeTensor eigen-decomposes a symmetric 3x3 tensor, returning
// eigenvalues sorted descending (floored at minDiffusivity) and the matching
// columnar eigenvector matrix.
func decomposeTensor(d *mat.SymDense, minDiffusivity float64) ([3]float64, [3][3]float64) {
	var eig mat.EigenSym
	var evals [3]float64
	var evecs [3][3]float64

	if !eig.Factorize(d, true) {
		// Factorization fails only on non-finite input; leave the voxel
		// parameters at zero so it is masked out downstream.
		return evals, evecs
	}

	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	order := []int{0, 1, 2}
	sort.Slice(order, func(a, b int) bool { return vals[order[a]] > vals[order[b]] })

	for j, src := range order {
		v := vals[src]
		if v < minDiffusivity {
			v = minDiffusivity
		}
		evals[j] = v
		for i := 0; i < 3; i++ {
			evecs[i][j] = vecs.At(i, src)
		}
	}
	return evals, evecs
}
