package dki

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Predict evaluates the kurtosis signal model of the voxel for every
// measurement of the acquisition scheme: the diffusion tensor is rebuilt
// from the eigen-decomposition, the kurtosis elements are rescaled back by
// the squared mean diffusivity, and the log-linear forward model is
// exponentiated with the voxel's fitted baseline signal.
func Predict(p *Params, gtab *GradientTable) []float64 {
	return predictWithDesign(p, gtab.DesignMatrix())
}

// predictWithDesign is the hot path of Predict, reusing an already built
// design matrix across voxels.
func predictWithDesign(p *Params, a *mat.Dense) []float64 {
	dt := p.LowerTriangular()
	md := (dt[0] + dt[2] + dt[5]) / 3.0
	md2 := md * md

	var x [22]float64
	copy(x[:6], dt[:])
	for i := 0; i < 15; i++ {
		x[6+i] = p.KT[i] * md2
	}
	s0 := p.S0
	if s0 <= 0 {
		s0 = 1
	}
	x[21] = -math.Log(s0)

	g, _ := a.Dims()
	out := make([]float64, g)
	for i := range out {
		sum := 0.0
		for j := 0; j < 22; j++ {
			sum += a.At(i, j) * x[j]
		}
		out[i] = math.Exp(sum)
	}
	return out
}
