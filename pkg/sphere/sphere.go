// Package sphere provides discretized sets of unit directions together with
// an adjacency structure, used for directional sampling, local-maximum
// detection and numerical integration over the sphere.
package sphere

import (
	"math"
	"sort"
)

// Sphere is a set of unit directions plus the edges connecting neighboring
// directions. All fields are read-only after construction, so a single
// Sphere is safely shared across parallel per-voxel computations.
type Sphere struct {
	// Vertices are unit direction vectors.
	Vertices [][3]float64

	// Edges connect neighboring vertices; each pair is stored once with
	// the lower index first.
	Edges [][2]int

	adjacency [][]int
}

// defaultDirections is the size of the coarse sampling set used by the
// kurtosis maximum search.
const defaultDirections = 100

// integrationDirections is the size of the direction set used by the
// numerical mean kurtosis estimator.
const integrationDirections = 45

// New returns a near-uniform set of n unit directions generated by the
// golden-spiral construction, with each vertex connected to its 6 nearest
// neighbors.
func New(n int) *Sphere {
	vertices := make([][3]float64, n)
	golden := math.Pi * (3.0 - math.Sqrt(5.0))

	for i := 0; i < n; i++ {
		z := 1.0 - 2.0*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1.0 - z*z)
		theta := golden * float64(i)
		vertices[i] = [3]float64{r * math.Cos(theta), r * math.Sin(theta), z}
	}

	return fromVertices(vertices, 6)
}

// Default returns the 100-direction sampling set used as the coarse grid of
// the kurtosis maximum search.
func Default() *Sphere {
	return New(defaultDirections)
}

// Integration returns the 45-direction set used by the numerical mean
// kurtosis estimator. The set is a golden spiral, not an exact quadrature:
// its spherical moments of degree up to four deviate from the exact values
// by less than 0.5%, which bounds the bias of the spherical averages taken
// over it. Estimates needing exact quartic quadrature should use
// Icosahedron instead.
func Integration() *Sphere {
	return New(integrationDirections)
}

// Icosahedron returns the 12 vertices of the regular icosahedron, each
// connected to its 5 neighbors. The vertex set is a spherical 5-design, so
// averaging any polynomial of degree up to 5 over it equals the exact
// surface integral. That makes it the preferred set for cross-validating
// quartic tensor contractions against closed forms.
func Icosahedron() *Sphere {
	phi := (1.0 + math.Sqrt(5.0)) / 2.0
	raw := [][3]float64{
		{0, 1, phi}, {0, -1, phi}, {0, 1, -phi}, {0, -1, -phi},
		{1, phi, 0}, {-1, phi, 0}, {1, -phi, 0}, {-1, -phi, 0},
		{phi, 0, 1}, {-phi, 0, 1}, {phi, 0, -1}, {-phi, 0, -1},
	}
	norm := math.Sqrt(1.0 + phi*phi)
	for i := range raw {
		raw[i][0] /= norm
		raw[i][1] /= norm
		raw[i][2] /= norm
	}
	return fromVertices(raw, 5)
}

// fromVertices builds the adjacency structure by connecting every vertex to
// its k nearest neighbors, symmetrized.
func fromVertices(vertices [][3]float64, k int) *Sphere {
	n := len(vertices)
	neighborSets := make([]map[int]bool, n)
	for i := range neighborSets {
		neighborSets[i] = make(map[int]bool, k)
	}

	type neighbor struct {
		index int
		dist  float64
	}

	for i := 0; i < n; i++ {
		candidates := make([]neighbor, 0, n-1)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			dx := vertices[i][0] - vertices[j][0]
			dy := vertices[i][1] - vertices[j][1]
			dz := vertices[i][2] - vertices[j][2]
			candidates = append(candidates, neighbor{j, dx*dx + dy*dy + dz*dz})
		}
		sort.Slice(candidates, func(a, b int) bool {
			return candidates[a].dist < candidates[b].dist
		})
		if k > len(candidates) {
			k = len(candidates)
		}
		for _, c := range candidates[:k] {
			neighborSets[i][c.index] = true
			neighborSets[c.index][i] = true
		}
	}

	s := &Sphere{Vertices: vertices, adjacency: make([][]int, n)}
	for i := 0; i < n; i++ {
		adj := make([]int, 0, len(neighborSets[i]))
		for j := range neighborSets[i] {
			adj = append(adj, j)
		}
		sort.Ints(adj)
		s.adjacency[i] = adj
		for _, j := range adj {
			if i < j {
				s.Edges = append(s.Edges, [2]int{i, j})
			}
		}
	}
	return s
}

// Neighbors returns the indices of the vertices adjacent to vertex i. The
// returned slice is shared and must not be modified.
func (s *Sphere) Neighbors(i int) []int {
	return s.adjacency[i]
}

// LocalMaxima returns the values and vertex indices of the discrete local
// maxima of values over the sphere's adjacency graph. A vertex qualifies if
// its value strictly exceeds the values of all graph-adjacent neighbors.
// Results are sorted by descending value. Non-finite values never qualify.
func (s *Sphere) LocalMaxima(values []float64) ([]float64, []int) {
	var maxVals []float64
	var maxInds []int

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		isMax := true
		for _, j := range s.adjacency[i] {
			if values[j] >= v {
				isMax = false
				break
			}
		}
		if isMax {
			maxVals = append(maxVals, v)
			maxInds = append(maxInds, i)
		}
	}

	sort.Sort(&maximaByValue{maxVals, maxInds})
	return maxVals, maxInds
}

type maximaByValue struct {
	vals []float64
	inds []int
}

func (m *maximaByValue) Len() int           { return len(m.vals) }
func (m *maximaByValue) Less(i, j int) bool { return m.vals[i] > m.vals[j] }
func (m *maximaByValue) Swap(i, j int) {
	m.vals[i], m.vals[j] = m.vals[j], m.vals[i]
	m.inds[i], m.inds[j] = m.inds[j], m.inds[i]
}

// Perpendicular generates n unit directions perpendicular to v, evenly
// spread over a half circle. The half circle suffices because directional
// kurtosis is antipodally symmetric.
func Perpendicular(v [3]float64, n int) [][3]float64 {
	// Pick the axis least aligned with v to seed a stable orthogonal frame.
	seed := [3]float64{1, 0, 0}
	ax, ay, az := math.Abs(v[0]), math.Abs(v[1]), math.Abs(v[2])
	if ay <= ax && ay <= az {
		seed = [3]float64{0, 1, 0}
	} else if az <= ax && az <= ay {
		seed = [3]float64{0, 0, 1}
	}

	u := cross(v, seed)
	u = normalize(u)
	w := cross(v, u)

	dirs := make([][3]float64, n)
	for i := 0; i < n; i++ {
		theta := math.Pi * float64(i) / float64(n)
		c, sn := math.Cos(theta), math.Sin(theta)
		dirs[i] = [3]float64{
			c*u[0] + sn*w[0],
			c*u[1] + sn*w[1],
			c*u[2] + sn*w[2],
		}
	}
	return dirs
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
