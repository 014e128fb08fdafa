// Package tensor implements the algebra of rank-4, dimension-3, fully
// symmetric tensors used to represent diffusional kurtosis.
//
// Full symmetry under permutation of the four indices reduces the 81
// components of such a tensor to 15 independent values. The package stores
// tensors in this compact 15-element form and provides basis rotation of
// single elements or of the full compact form.
package tensor

import "gonum.org/v1/gonum/mat"

// Indices lists the 15 canonical index quadruples, one per independent
// element, in the storage order used throughout the module:
//
//	xxxx yyyy zzzz xxxy xxxz xyyy yyyz xzzz yzzz xxyy xxzz yyzz xxyz xyyz xyzz
var Indices = [15][4]int{
	{0, 0, 0, 0},
	{1, 1, 1, 1},
	{2, 2, 2, 2},
	{0, 0, 0, 1},
	{0, 0, 0, 2},
	{0, 1, 1, 1},
	{1, 1, 1, 2},
	{0, 2, 2, 2},
	{1, 2, 2, 2},
	{0, 0, 1, 1},
	{0, 0, 2, 2},
	{1, 1, 2, 2},
	{0, 0, 1, 2},
	{0, 1, 1, 2},
	{0, 1, 2, 2},
}

// slot maps the product of 1-based axis indices to the compact storage
// position. Two index quadruples address the same independent element
// exactly when their products coincide, so the 15 possible products
// (1, 16, 81, 2, 3, 8, 24, 27, 54, 4, 9, 36, 6, 12, 18) enumerate the
// symmetry equivalence classes.
var slot = map[int]int{
	1:  0,
	16: 1,
	81: 2,
	2:  3,
	3:  4,
	8:  5,
	24: 6,
	27: 7,
	54: 8,
	4:  9,
	9:  10,
	36: 11,
	6:  12,
	12: 13,
	18: 14,
}

// Slot returns the compact storage position of element (i, j, k, l) of a
// fully symmetric rank-4 tensor. Indices are 0-based axis numbers.
func Slot(i, j, k, l int) int {
	return slot[(i+1)*(j+1)*(k+1)*(l+1)]
}

// RotateElement returns the (i, j, k, l) component of the kurtosis tensor kt
// expressed in the orthonormal basis B, whose columns are the new axes. The
// component is computed by the full 81-term contraction
//
//	W'[ijkl] = sum_pqrs B[p,i] B[q,j] B[r,k] B[s,l] W[pqrs]
//
// with W addressed through the compact 15-element form.
func RotateElement(kt []float64, i, j, k, l int, B mat.Matrix) float64 {
	var w float64
	for p := 0; p < 3; p++ {
		bp := B.At(p, i)
		for q := 0; q < 3; q++ {
			bpq := bp * B.At(q, j)
			for r := 0; r < 3; r++ {
				bpqr := bpq * B.At(r, k)
				for s := 0; s < 3; s++ {
					w += bpqr * B.At(s, l) * kt[Slot(p, q, r, s)]
				}
			}
		}
	}
	return w
}

// Rotate expresses all 15 independent elements of kt in the orthonormal
// basis B by repeated element rotation over the canonical index quadruples.
func Rotate(kt []float64, B mat.Matrix) [15]float64 {
	var out [15]float64
	for e, ind := range Indices {
		out[e] = RotateElement(kt, ind[0], ind[1], ind[2], ind[3], B)
	}
	return out
}

// Dense reconstructs the full 81-component tensor from the 15 independent
// values. This is a diagnostics and testing aid; the fitting and metric
// paths always work on the compact form.
func Dense(kt []float64) [3][3][3][3]float64 {
	var w [3][3][3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				for l := 0; l < 3; l++ {
					w[i][j][k][l] = kt[Slot(i, j, k, l)]
				}
			}
		}
	}
	return w
}
