package dki

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"dkifit/pkg/sphere"
	"dkifit/pkg/tensor"
)

// MinKurtosis is the theoretical lower bound of diffusional kurtosis,
// reached by water confined to spherical pores. Directional and scalar
// kurtosis estimates below it are clipped by default.
const MinKurtosis = -3.0 / 7.0

// Clip is a closed interval into which a scalar kurtosis estimate is
// clamped. The zero value disables clamping on both ends when Min and Max
// are both NaN; use the Default* values for the standard physiological
// ranges.
type Clip struct {
	Min float64
	Max float64
}

// DefaultMeanClip is the physiological clipping range of the mean kurtosis.
var DefaultMeanClip = Clip{Min: MinKurtosis, Max: 3}

// DefaultClip is the physiological clipping range of all other scalar
// kurtosis metrics.
var DefaultClip = Clip{Min: MinKurtosis, Max: 10}

func (c Clip) apply(v float64) float64 {
	if !math.IsNaN(c.Min) && v < c.Min {
		return c.Min
	}
	if !math.IsNaN(c.Max) && v > c.Max {
		return c.Max
	}
	return v
}

// DirectionalDiffusion computes the apparent diffusion coefficient along the
// unit direction n, given the six lower-triangular diffusion tensor elements.
// Values below minDiffusivity are floored at minDiffusivity.
func DirectionalDiffusion(dt [6]float64, n [3]float64, minDiffusivity float64) float64 {
	adc := n[0]*n[0]*dt[0] +
		2*n[0]*n[1]*dt[1] +
		n[1]*n[1]*dt[2] +
		2*n[0]*n[2]*dt[3] +
		2*n[1]*n[2]*dt[4] +
		n[2]*n[2]*dt[5]
	if adc < minDiffusivity {
		return minDiffusivity
	}
	return adc
}

// DirectionalVariance computes the apparent diffusion variance along the
// unit direction n: the full quartic contraction of the kurtosis tensor,
// expanded over the 15 independent elements with their permutation
// multiplicities.
func DirectionalVariance(kt []float64, n [3]float64) float64 {
	x, y, z := n[0], n[1], n[2]
	return x*x*x*x*kt[0] +
		y*y*y*y*kt[1] +
		z*z*z*z*kt[2] +
		4*x*x*x*y*kt[3] +
		4*x*x*x*z*kt[4] +
		4*x*y*y*y*kt[5] +
		4*y*y*y*z*kt[6] +
		4*x*z*z*z*kt[7] +
		4*y*z*z*z*kt[8] +
		6*x*x*y*y*kt[9] +
		6*x*x*z*z*kt[10] +
		6*y*y*z*z*kt[11] +
		12*x*x*y*z*kt[12] +
		12*x*y*y*z*kt[13] +
		12*x*y*z*z*kt[14]
}

// DirectionalKurtosis computes the apparent kurtosis coefficient along the
// unit direction n, rescaling the apparent diffusion variance by
// (MD/ADC)^2. The result is floored at minKurtosis; pass NaN to disable the
// floor.
func DirectionalKurtosis(dt [6]float64, md float64, kt []float64, n [3]float64, minDiffusivity, minKurtosis float64) float64 {
	adc := DirectionalDiffusion(dt, n, minDiffusivity)
	adv := DirectionalVariance(kt, n)
	akc := adv * (md / adc) * (md / adc)
	if !math.IsNaN(minKurtosis) && akc < minKurtosis {
		return minKurtosis
	}
	return akc
}

// AKC evaluates the apparent kurtosis coefficient of the voxel along every
// vertex of sph. Voxels failing the eigenvalue positivity gate yield all
// zeros.
func AKC(p *Params, sph *sphere.Sphere, minDiffusivity, minKurtosis float64) []float64 {
	akc := make([]float64, len(sph.Vertices))
	if !p.PositiveEvals() {
		return akc
	}

	dt := p.LowerTriangular()
	md := p.MD()
	kt := p.KT[:]
	for i, v := range sph.Vertices {
		akc[i] = DirectionalKurtosis(dt, md, kt, v, minDiffusivity, minKurtosis)
	}
	return akc
}

// MeanKurtosis computes the mean kurtosis of the voxel: the average of the
// apparent kurtosis coefficient over all spatial directions.
//
// With analytical set, the closed-form Tabesh solution is used, combining
// the F1 and F2 coefficients with the kurtosis tensor rotated into the
// diffusion eigenbasis. Otherwise the spherical average is estimated
// numerically over a 45-direction set.
func MeanKurtosis(p *Params, clip Clip, analytical bool) float64 {
	if analytical {
		b := p.Basis()
		kt := p.KT[:]
		wxxxx := tensor.RotateElement(kt, 0, 0, 0, 0, b)
		wyyyy := tensor.RotateElement(kt, 1, 1, 1, 1, b)
		wzzzz := tensor.RotateElement(kt, 2, 2, 2, 2, b)
		wxxyy := tensor.RotateElement(kt, 0, 0, 1, 1, b)
		wxxzz := tensor.RotateElement(kt, 0, 0, 2, 2, b)
		wyyzz := tensor.RotateElement(kt, 1, 1, 2, 2, b)

		l1, l2, l3 := p.Evals[0], p.Evals[1], p.Evals[2]
		mk := F1(l1, l2, l3)*wxxxx +
			F1(l2, l1, l3)*wyyyy +
			F1(l3, l2, l1)*wzzzz +
			F2(l1, l2, l3)*wyyzz +
			F2(l2, l1, l3)*wxxzz +
			F2(l3, l2, l1)*wxxyy
		return clip.apply(mk)
	}

	akc := AKC(p, sphere.Integration(), 0, clip.Min)
	return clip.apply(stat.Mean(akc, nil))
}

// radialSamples is the number of perpendicular directions averaged by the
// numerical radial kurtosis estimator.
const radialSamples = 10

// RadialKurtosis computes the radial kurtosis of the voxel: the average of
// the apparent kurtosis coefficient over directions perpendicular to the
// principal diffusion axis. The analytical path uses the closed-form Tabesh
// solution with the G1 and G2 coefficients; the numerical path averages 10
// perpendicular samples.
func RadialKurtosis(p *Params, clip Clip, analytical bool) float64 {
	if analytical {
		b := p.Basis()
		kt := p.KT[:]
		wyyyy := tensor.RotateElement(kt, 1, 1, 1, 1, b)
		wzzzz := tensor.RotateElement(kt, 2, 2, 2, 2, b)
		wyyzz := tensor.RotateElement(kt, 1, 1, 2, 2, b)

		l1, l2, l3 := p.Evals[0], p.Evals[1], p.Evals[2]
		rk := G1(l1, l2, l3)*wyyyy +
			G1(l1, l3, l2)*wzzzz +
			G2(l1, l2, l3)*wyyzz
		return clip.apply(rk)
	}

	if !p.PositiveEvals() {
		return clip.apply(0)
	}

	e1 := [3]float64{p.Evecs[0][0], p.Evecs[1][0], p.Evecs[2][0]}
	dirs := sphere.Perpendicular(e1, radialSamples)
	dt := p.LowerTriangular()
	md := p.MD()

	sum := 0.0
	for _, n := range dirs {
		sum += DirectionalKurtosis(dt, md, p.KT[:], n, 0, clip.Min)
	}
	return clip.apply(sum / float64(len(dirs)))
}

// AxialKurtosis computes the kurtosis along the principal diffusion axis.
// The analytical path rescales the rotated element W1111 by (MD/AD)^2; the
// numerical path samples the apparent kurtosis coefficient along the
// principal eigenvector. Both are exact, differing only in round-off.
func AxialKurtosis(p *Params, clip Clip, analytical bool) float64 {
	if !p.PositiveEvals() {
		return clip.apply(0)
	}

	md := p.MD()
	var ak float64
	if analytical {
		wxxxx := tensor.RotateElement(p.KT[:], 0, 0, 0, 0, p.Basis())
		ak = wxxxx * md * md / (p.Evals[0] * p.Evals[0])
	} else {
		e1 := [3]float64{p.Evecs[0][0], p.Evecs[1][0], p.Evecs[2][0]}
		ak = DirectionalKurtosis(p.LowerTriangular(), md, p.KT[:], e1, 0, math.NaN())
	}
	return clip.apply(ak)
}

// MeanKurtosisTensor computes the mean of the kurtosis tensor (MKT), the
// rotation-invariant trace combination of the raw tensor elements.
func MeanKurtosisTensor(p *Params, clip Clip) float64 {
	mkt := (p.KT[0] + p.KT[1] + p.KT[2] +
		2*p.KT[9] + 2*p.KT[10] + 2*p.KT[11]) / 5.0
	return clip.apply(mkt)
}

// RadialTensorKurtosis computes the rescaled radial tensor kurtosis (RTK)
// from the kurtosis tensor rotated into the diffusion eigenbasis, rescaled
// by the squared ratio of mean to radial diffusivity.
func RadialTensorKurtosis(p *Params, clip Clip) float64 {
	if !p.PositiveEvals() {
		return clip.apply(0)
	}

	b := p.Basis()
	kt := p.KT[:]
	wyyyy := tensor.RotateElement(kt, 1, 1, 1, 1, b)
	wzzzz := tensor.RotateElement(kt, 2, 2, 2, 2, b)
	wyyzz := tensor.RotateElement(kt, 1, 1, 2, 2, b)

	md := p.MD()
	rd := p.RD()
	rtk := 3.0 / 8.0 * (wyyyy + wzzzz + 2*wyyzz) * md * md / (rd * rd)
	return clip.apply(rtk)
}

// kfaTraceTol is the smallest kurtosis tensor mean for which KFA is
// considered well defined; below it the anisotropy of a near-vanishing
// tensor would be dominated by noise.
const kfaTraceTol = 1e-8

// KFA computes the kurtosis fractional anisotropy: the Frobenius distance
// of the kurtosis tensor from its isotropic part, normalized by the tensor's
// own Frobenius norm. It is zero for vanishing or near-isotropic-trace
// tensors.
func KFA(p *Params) float64 {
	kt := &p.KT
	w := (kt[0] + kt[1] + kt[2] + 2*kt[9] + 2*kt[10] + 2*kt[11]) / 5.0

	sq := func(v float64) float64 { return v * v }
	offAxis := sq(kt[3]) + sq(kt[4]) + sq(kt[5]) + sq(kt[6]) + sq(kt[7]) + sq(kt[8])
	triple := sq(kt[12]) + sq(kt[13]) + sq(kt[14])

	a := sq(kt[0]-w) + sq(kt[1]-w) + sq(kt[2]-w) +
		4*offAxis +
		6*(sq(kt[9]-w/3)+sq(kt[10]-w/3)+sq(kt[11]-w/3)) +
		12*triple

	b := sq(kt[0]) + sq(kt[1]) + sq(kt[2]) +
		4*offAxis +
		6*(sq(kt[9])+sq(kt[10])+sq(kt[11])) +
		12*triple

	if b <= 0 || w <= kfaTraceTol {
		return 0
	}
	return math.Sqrt(a / b)
}
