package dki

import (
	"math"

	"dkifit/pkg/elliptic"
)

// f1f2Tol is the relative tolerance under which two eigenvalues are treated
// as equal when evaluating F1 and F2. Tighter values make the elliptic
// branch numerically unstable near its singularities.
const f1f2Tol = 2.5e-2

// g1g2Tol is the absolute tolerance under which the two radial eigenvalues
// are treated as equal when evaluating G1 and G2, five orders of magnitude
// above the float64 machine epsilon.
var g1g2Tol = (math.Nextafter(1, 2) - 1) * 1e5

// F1 evaluates the first Tabesh mean kurtosis coefficient for eigenvalues
// (a, b, c). It is the weight of the axial kurtosis tensor elements in the
// closed-form mean kurtosis.
//
// The generic expression has removable singularities at a == b and a == c;
// near-coincident eigenvalues are redirected to limit forms expressed
// through F2, and the fully isotropic limit is the constant 1/5. Zero is
// returned when any eigenvalue fails the positivity gate.
func F1(a, b, c float64) float64 {
	if a <= evalTol || b <= evalTol || c <= evalTol {
		return 0
	}

	abEqual := math.Abs(a-b) < a*f1f2Tol
	acEqual := math.Abs(a-c) < a*f1f2Tol

	switch {
	case !abEqual && !acEqual:
		rf := elliptic.RF(a/b, a/c, 1)
		rd := elliptic.RD(a/b, a/c, 1)
		sum := a + b + c
		return sum * sum / (18 * (a - b) * (a - c)) *
			(math.Sqrt(b*c)/a*rf +
				(3*a*a-a*b-a*c-b*c)/(3*a*math.Sqrt(b*c))*rd - 1)
	case abEqual && !acEqual:
		m := (a + b) / 2.0
		return F2(c, m, m) / 2.0
	case acEqual && !abEqual:
		m := (a + c) / 2.0
		return F2(b, m, m) / 2.0
	default:
		return 1.0 / 5.0
	}
}

// F2 evaluates the second Tabesh mean kurtosis coefficient for eigenvalues
// (a, b, c), the weight of the cross kurtosis tensor elements in the
// closed-form mean kurtosis. Singularities at b == c follow the same limit
// scheme as F1, with the fully isotropic limit 6/15.
func F2(a, b, c float64) float64 {
	if a <= evalTol || b <= evalTol || c <= evalTol {
		return 0
	}

	if math.Abs(b-c) > b*f1f2Tol {
		rf := elliptic.RF(a/b, a/c, 1)
		rd := elliptic.RD(a/b, a/c, 1)
		sum := a + b + c
		return sum * sum / (3 * (b - c) * (b - c)) *
			((b+c)/math.Sqrt(b*c)*rf +
				(2*a-b-c)/(3*math.Sqrt(b*c))*rd - 2)
	}

	if math.Abs(a-b) > b*f1f2Tol {
		m := (b + c) / 2.0
		x := 1.0 - a/m
		var alpha float64
		if x > 0 {
			alpha = math.Atanh(math.Sqrt(x)) / math.Sqrt(x)
		} else {
			alpha = math.Atan(math.Sqrt(-x)) / math.Sqrt(-x)
		}
		s := a + 2.0*m
		return 6.0 * s * s / (144.0 * m * m * (a - m) * (a - m)) *
			(m*s + a*(a-4.0*m)*alpha)
	}

	return 6.0 / 15.0
}

// G1 evaluates the first Tabesh radial kurtosis coefficient for eigenvalues
// (a, b, c), where b and c are the radial pair. The singularity at b == c is
// detected with an absolute tolerance and replaced by the analytic limit.
func G1(a, b, c float64) float64 {
	if a <= evalTol || b <= evalTol || c <= evalTol {
		return 0
	}

	if math.Abs(b-c) > g1g2Tol {
		sum := a + b + c
		return sum * sum / (18 * b * (b - c) * (b - c)) *
			(2.0*b + (c*c-3.0*b*c)/math.Sqrt(b*c))
	}

	s := a + 2.0*b
	return s * s / (24.0 * b * b)
}

// G2 evaluates the second Tabesh radial kurtosis coefficient for eigenvalues
// (a, b, c), with the same singularity handling as G1.
func G2(a, b, c float64) float64 {
	if a <= evalTol || b <= evalTol || c <= evalTol {
		return 0
	}

	if math.Abs(b-c) > g1g2Tol {
		sum := a + b + c
		return sum * sum / (3 * (b - c) * (b - c)) *
			((b+c)/math.Sqrt(b*c) - 2)
	}

	s := a + 2.0*b
	return s * s / (12.0 * b * b)
}
