package dki

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"dkifit/pkg/sphere"
)

// DefaultGradientTolerance is the gradient threshold at which the kurtosis
// maximum refinement is considered converged.
const DefaultGradientTolerance = 1e-2

// Maximum estimates the maximum apparent kurtosis coefficient of the voxel
// and the direction along which it occurs.
//
// The search first evaluates the apparent kurtosis coefficient on every
// vertex of sph and collects the discrete local maxima over the sphere's
// adjacency graph. If the field has no strict local maximum (spherical or
// null kurtosis tensors), the mean coefficient and a zero direction are
// returned. Otherwise every candidate is refined with a BFGS descent over
// the two polar angles, and the largest value seen by either stage wins.
// Passing gtol <= 0 skips the refinement and returns the best coarse
// candidate directly.
func Maximum(p *Params, sph *sphere.Sphere, gtol float64) (float64, [3]float64) {
	dt := p.LowerTriangular()
	md := p.MD()
	kt := p.KT[:]

	akc := make([]float64, len(sph.Vertices))
	for i, v := range sph.Vertices {
		akc[i] = DirectionalKurtosis(dt, md, kt, v, 0, MinKurtosis)
	}

	maxVals, maxInds := sph.LocalMaxima(akc)
	if len(maxVals) == 0 {
		sum := 0.0
		for _, v := range akc {
			sum += v
		}
		return sum / float64(len(akc)), [3]float64{}
	}

	// LocalMaxima sorts descending, so the global coarse maximum leads.
	maxValue := maxVals[0]
	maxDir := sph.Vertices[maxInds[0]]

	if gtol <= 0 {
		return maxValue, maxDir
	}

	negAKC := func(ang []float64) float64 {
		n := sphereToCart(ang[0], ang[1])
		return -DirectionalKurtosis(dt, md, kt, n, 0, MinKurtosis)
	}
	problem := optimize.Problem{
		Func: negAKC,
		Grad: func(grad, ang []float64) {
			fd.Gradient(grad, negAKC, ang, nil)
		},
	}
	settings := &optimize.Settings{GradientThreshold: gtol}

	for _, ind := range maxInds {
		theta, phi := cartToSphere(sph.Vertices[ind])
		result, err := optimize.Minimize(problem, []float64{theta, phi}, settings, &optimize.BFGS{})
		if err != nil && result == nil {
			continue
		}

		dir := sphereToCart(result.X[0], result.X[1])
		val := DirectionalKurtosis(dt, md, kt, dir, 0, MinKurtosis)
		if val > maxValue {
			maxValue = val
			maxDir = dir
		}
	}
	return maxValue, maxDir
}

// MaximumVolume computes the kurtosis maximum of every voxel in params,
// fanning the per-voxel searches out over parallel workers. Voxels outside
// the mask or failing the eigenvalue positivity gate yield zero. The mask
// may be nil to process all voxels; a mask of any other length than params
// is rejected.
func MaximumVolume(params []Params, mask []bool, sph *sphere.Sphere, gtol float64, workers int) ([]float64, error) {
	if mask != nil && len(mask) != len(params) {
		return nil, fmt.Errorf("mask length %d does not match %d voxels", len(mask), len(params))
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(params) {
		workers = len(params)
	}

	out := make([]float64, len(params))
	if len(params) == 0 {
		return out, nil
	}

	var wg sync.WaitGroup
	chunk := (len(params) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(params) {
			end = len(params)
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if mask != nil && !mask[i] {
					continue
				}
				if !params[i].PositiveEvals() {
					continue
				}
				out[i], _ = Maximum(&params[i], sph, gtol)
			}
		}(start, end)
	}
	wg.Wait()

	return out, nil
}

// sphereToCart converts polar coordinates (inclination theta, azimuth phi)
// on the unit sphere to a Cartesian direction.
func sphereToCart(theta, phi float64) [3]float64 {
	st, ct := math.Sincos(theta)
	sp, cp := math.Sincos(phi)
	return [3]float64{st * cp, st * sp, ct}
}

// cartToSphere converts a unit Cartesian direction to polar coordinates.
func cartToSphere(v [3]float64) (theta, phi float64) {
	r := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if r == 0 {
		return 0, 0
	}
	return math.Acos(v[2] / r), math.Atan2(v[1], v[0])
}
