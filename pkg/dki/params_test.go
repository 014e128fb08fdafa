package dki

import (
	"math"
	"testing"
)

// TestParamsFromSolutionRoundTrip verifies that packing a raw regression
// solution recovers the diffusivities, kurtosis elements and baseline
// signal it was built from.
func TestParamsFromSolutionRoundTrip(t *testing.T) {
	// Diagonal diffusion tensor, eigenvalues already sorted.
	evals := [3]float64{1.7e-3, 0.5e-3, 0.3e-3}
	md := (evals[0] + evals[1] + evals[2]) / 3.0

	kt := [15]float64{0.8, 0.7, 0.6, 0, 0, 0, 0, 0, 0, 0.3, 0.25, 0.2, 0, 0, 0}
	s0 := 150.0

	raw := make([]float64, 22)
	raw[0] = evals[0] // Dxx
	raw[2] = evals[1] // Dyy
	raw[5] = evals[2] // Dzz
	for i := 0; i < 15; i++ {
		raw[6+i] = kt[i] * md * md
	}
	raw[21] = -math.Log(s0)

	p := paramsFromSolution(raw, 0)

	for i := 0; i < 3; i++ {
		if math.Abs(p.Evals[i]-evals[i]) > 1e-12 {
			t.Errorf("eigenvalue %d = %g, expected %g", i, p.Evals[i], evals[i])
		}
	}
	for i := 0; i < 15; i++ {
		if math.Abs(p.KT[i]-kt[i]) > 1e-9 {
			t.Errorf("kurtosis element %d = %g, expected %g", i, p.KT[i], kt[i])
		}
	}
	if math.Abs(p.S0-s0) > 1e-9 {
		t.Errorf("S0 = %g, expected %g", p.S0, s0)
	}

	if math.Abs(p.MD()-md) > 1e-12 {
		t.Errorf("MD = %g, expected %g", p.MD(), md)
	}
	if p.AD() != p.Evals[0] {
		t.Errorf("AD = %g, expected %g", p.AD(), p.Evals[0])
	}
	wantRD := (evals[1] + evals[2]) / 2
	if math.Abs(p.RD()-wantRD) > 1e-12 {
		t.Errorf("RD = %g, expected %g", p.RD(), wantRD)
	}
}

// TestParamsFromSolutionFloorsEigenvalues verifies that negative
// diffusivities are floored at the configured minimum.
func TestParamsFromSolutionFloorsEigenvalues(t *testing.T) {
	raw := make([]float64, 22)
	raw[0] = 1.0e-3
	raw[2] = -2.0e-4
	raw[5] = 5.0e-4

	p := paramsFromSolution(raw, 1e-6)
	for i, v := range p.Evals {
		if v < 1e-6 {
			t.Errorf("eigenvalue %d = %g below the floor", i, v)
		}
	}
	if p.Evals[0] < p.Evals[1] || p.Evals[1] < p.Evals[2] {
		t.Errorf("eigenvalues not sorted descending: %v", p.Evals)
	}
}

// TestLowerTriangularRebuild verifies that the lower triangular
// reconstruction inverts the eigen-decomposition for a non-diagonal tensor.
func TestLowerTriangularRebuild(t *testing.T) {
	// Tensor with off-diagonal coupling.
	raw := make([]float64, 22)
	raw[0] = 1.2e-3 // Dxx
	raw[1] = 0.2e-3 // Dxy
	raw[2] = 0.9e-3 // Dyy
	raw[3] = 0.1e-3 // Dxz
	raw[4] = 0.05e-3
	raw[5] = 0.6e-3

	p := paramsFromSolution(raw, 0)
	dt := p.LowerTriangular()
	for i := 0; i < 6; i++ {
		if math.Abs(dt[i]-raw[i]) > 1e-12 {
			t.Errorf("lower triangular element %d = %g, expected %g", i, dt[i], raw[i])
		}
	}
}

// TestPositiveEvalsGate verifies the gate that excludes voxels with
// non-positive eigenvalues from kurtosis metrics.
func TestPositiveEvalsGate(t *testing.T) {
	good := Params{Evals: [3]float64{1e-3, 1e-3, 1e-3}}
	if !good.PositiveEvals() {
		t.Error("positive eigenvalues rejected")
	}

	bad := Params{Evals: [3]float64{1e-3, 1e-3, 0}}
	if bad.PositiveEvals() {
		t.Error("zero eigenvalue accepted")
	}

	tiny := Params{Evals: [3]float64{1e-3, 1e-3, 1e-8}}
	if tiny.PositiveEvals() {
		t.Error("sub-threshold eigenvalue accepted")
	}
}
