package sphere

import (
	"math"
	"testing"
)

// TestNewUnitVertices verifies that generated directions are unit length and
// that every vertex has at least 6 neighbors.
func TestNewUnitVertices(t *testing.T) {
	s := New(100)

	if len(s.Vertices) != 100 {
		t.Fatalf("expected 100 vertices, got %d", len(s.Vertices))
	}

	for i, v := range s.Vertices {
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if math.Abs(n-1.0) > 1e-12 {
			t.Errorf("vertex %d has norm %g, expected 1", i, n)
		}
		if len(s.Neighbors(i)) < 6 {
			t.Errorf("vertex %d has %d neighbors, expected at least 6", i, len(s.Neighbors(i)))
		}
	}
}

// TestIcosahedronAdjacency verifies the 5-design preset: 12 vertices with
// exactly 5 neighbors each and 30 edges.
func TestIcosahedronAdjacency(t *testing.T) {
	s := Icosahedron()

	if len(s.Vertices) != 12 {
		t.Fatalf("expected 12 vertices, got %d", len(s.Vertices))
	}
	if len(s.Edges) != 30 {
		t.Errorf("expected 30 edges, got %d", len(s.Edges))
	}
	for i := range s.Vertices {
		if len(s.Neighbors(i)) != 5 {
			t.Errorf("vertex %d has %d neighbors, expected 5", i, len(s.Neighbors(i)))
		}
	}
}

// TestIcosahedronQuadratureExact verifies the 5-design property on an even
// quartic: the mean of (v.e)^4 over the vertex set must equal the exact
// surface average 1/5 for any unit axis e.
func TestIcosahedronQuadratureExact(t *testing.T) {
	s := Icosahedron()

	axes := [][3]float64{
		{1, 0, 0},
		{0, 0, 1},
		{1.0 / math.Sqrt(3), 1.0 / math.Sqrt(3), 1.0 / math.Sqrt(3)},
	}

	for _, e := range axes {
		sum := 0.0
		for _, v := range s.Vertices {
			dot := v[0]*e[0] + v[1]*e[1] + v[2]*e[2]
			sum += dot * dot * dot * dot
		}
		mean := sum / float64(len(s.Vertices))
		if math.Abs(mean-0.2) > 1e-12 {
			t.Errorf("quartic mean along %v = %.15f, expected 0.2", e, mean)
		}
	}
}

// TestIntegrationQuadratureBias verifies the documented error bound of the
// 45-direction integration set: every quartic spherical moment within 0.5%
// of its exact value, every odd moment vanishing.
func TestIntegrationQuadratureBias(t *testing.T) {
	s := Integration()
	n := float64(len(s.Vertices))

	moments := []struct {
		name  string
		f     func(x, y, z float64) float64
		exact float64
	}{
		{"x^4", func(x, y, z float64) float64 { return x * x * x * x }, 1.0 / 5.0},
		{"y^4", func(x, y, z float64) float64 { return y * y * y * y }, 1.0 / 5.0},
		{"z^4", func(x, y, z float64) float64 { return z * z * z * z }, 1.0 / 5.0},
		{"x^2y^2", func(x, y, z float64) float64 { return x * x * y * y }, 1.0 / 15.0},
		{"x^2z^2", func(x, y, z float64) float64 { return x * x * z * z }, 1.0 / 15.0},
		{"y^2z^2", func(x, y, z float64) float64 { return y * y * z * z }, 1.0 / 15.0},
	}
	for _, m := range moments {
		sum := 0.0
		for _, v := range s.Vertices {
			sum += m.f(v[0], v[1], v[2])
		}
		mean := sum / n
		if math.Abs(mean-m.exact) > 0.005*m.exact {
			t.Errorf("moment %s = %.6f, exact %.6f exceeds the 0.5%% bound", m.name, mean, m.exact)
		}
	}

	odd := 0.0
	for _, v := range s.Vertices {
		odd += v[0] * v[0] * v[0] * v[1]
	}
	if math.Abs(odd/n) > 1e-3 {
		t.Errorf("odd moment x^3y = %g, expected near zero", odd/n)
	}
}

// TestLocalMaxima verifies peak detection on a field with a single dominant
// direction.
func TestLocalMaxima(t *testing.T) {
	s := Default()

	// Field peaked along +z/-z: antipodally symmetric quartic.
	values := make([]float64, len(s.Vertices))
	for i, v := range s.Vertices {
		values[i] = v[2] * v[2] * v[2] * v[2]
	}

	vals, inds := s.LocalMaxima(values)
	if len(vals) == 0 {
		t.Fatal("expected at least one local maximum")
	}
	if len(vals) != len(inds) {
		t.Fatalf("values and indices disagree: %d vs %d", len(vals), len(inds))
	}

	// Results must be sorted descending and the top peak must be near a pole.
	for i := 1; i < len(vals); i++ {
		if vals[i] > vals[i-1] {
			t.Errorf("maxima not sorted descending at position %d", i)
		}
	}
	top := s.Vertices[inds[0]]
	if math.Abs(top[2]) < 0.9 {
		t.Errorf("top maximum at %v, expected a direction near the z poles", top)
	}
}

// TestLocalMaximaConstantField verifies that a constant field has no strict
// local maxima.
func TestLocalMaximaConstantField(t *testing.T) {
	s := Default()
	values := make([]float64, len(s.Vertices))
	for i := range values {
		values[i] = 1.0
	}

	vals, _ := s.LocalMaxima(values)
	if len(vals) != 0 {
		t.Errorf("constant field produced %d maxima, expected none", len(vals))
	}
}

// TestPerpendicular verifies perpendicularity, unit norm and count of the
// generated direction fan.
func TestPerpendicular(t *testing.T) {
	v := normalize([3]float64{1, 2, 3})
	dirs := Perpendicular(v, 10)

	if len(dirs) != 10 {
		t.Fatalf("expected 10 directions, got %d", len(dirs))
	}
	for i, d := range dirs {
		dot := d[0]*v[0] + d[1]*v[1] + d[2]*v[2]
		if math.Abs(dot) > 1e-12 {
			t.Errorf("direction %d not perpendicular: dot = %g", i, dot)
		}
		n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		if math.Abs(n-1.0) > 1e-12 {
			t.Errorf("direction %d has norm %g, expected 1", i, n)
		}
	}
}
