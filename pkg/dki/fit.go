package dki

import (
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"dkifit/internal/models"
)

// MinPositiveSignal is the default floor applied to measured signal before
// the log transform of the regression.
const MinPositiveSignal = 1e-4

// ConvexityFull selects the complete order-4 constraint basis for
// constrained fits.
const ConvexityFull = 0

// Method selects the regression strategy of the fitting engine.
type Method int

const (
	// OLS is ordinary least squares on the log signal.
	OLS Method = iota

	// WLS is weighted least squares, with weights defaulting to the
	// squared signal predicted by an internal OLS pass.
	WLS

	// CLS is constrained least squares: OLS plus positive
	// semidefiniteness of the diffusion and kurtosis tensors.
	CLS

	// CWLS is constrained weighted least squares.
	CWLS

	// Custom delegates the per-voxel solve to a caller-supplied FitFunc.
	Custom
)

// ParseMethod maps a strategy name to its Method. Historical aliases of the
// unconstrained strategies are accepted. The match is case-insensitive.
func ParseMethod(name string) (Method, error) {
	switch strings.ToUpper(name) {
	case "OLS", "ULLS", "LS", "LLS", "OLLS":
		return OLS, nil
	case "WLS", "WLLS", "UWLLS":
		return WLS, nil
	case "CLS":
		return CLS, nil
	case "CWLS":
		return CWLS, nil
	default:
		return 0, fmt.Errorf("unknown fit method %q", name)
	}
}

func (m Method) String() string {
	switch m {
	case OLS:
		return "OLS"
	case WLS:
		return "WLS"
	case CLS:
		return "CLS"
	case CWLS:
		return "CWLS"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

func (m Method) constrained() bool { return m == CLS || m == CWLS }
func (m Method) weighted() bool    { return m == WLS || m == CWLS }

// FitFunc is the contract of a caller-supplied fitting strategy: given the
// design matrix and one voxel's raw signal, return the 22 regression
// unknowns.
type FitFunc func(design *mat.Dense, signal []float64) ([]float64, error)

// Config collects the settings of a fitting engine. Start from
// DefaultConfig and override fields as needed; NewModel validates the
// result.
type Config struct {
	// Method selects the regression strategy.
	Method Method

	// FitFunc is the per-voxel solver used when Method is Custom.
	FitFunc FitFunc

	// MinSignal is the floor applied to the measured signal before the
	// log transform. Must be strictly positive.
	MinSignal float64

	// ConvexityLevel is the polynomial order of the positivity
	// constraints of CLS/CWLS: 2, 4 or ConvexityFull.
	ConvexityLevel int

	// ClampConvexity clamps convexity levels above 4 down to 4 instead
	// of rejecting them.
	ClampConvexity bool

	// Solver is the convex backend of constrained fits. Nil selects the
	// projected-gradient default.
	Solver ConvexSolver

	// Weights selects the reweighting strategy of IterativeFit.
	Weights WeightsMethod

	// NumIter is the round count of IterativeFit. Must be at least 2
	// when Weights is set.
	NumIter int

	// Workers caps the fan-out of volume fits; zero or negative means
	// one worker per CPU.
	Workers int
}

// DefaultConfig returns the standard fitting configuration: a weighted
// least squares fit with the full constraint basis ready should the method
// be switched to a constrained one.
func DefaultConfig() Config {
	return Config{
		Method:         WLS,
		MinSignal:      MinPositiveSignal,
		ConvexityLevel: ConvexityFull,
		ClampConvexity: true,
		NumIter:        4,
	}
}

// Diagnostics carries the per-fit quality information produced alongside
// the parameters. Leverages and Robust are flat over voxels, one value per
// voxel and measurement; Robust is nil unless produced by IterativeFit.
type Diagnostics struct {
	Leverages []float64
	Robust    []bool

	// ConvexityClamped is set when a convexity level above 4 was clamped.
	ConvexityClamped bool
}

// Model is a fitting engine bound to one acquisition scheme. The design
// matrix, its pseudo-inverse and the constraint basis are computed once at
// construction and shared read-only by all parallel voxel fits.
type Model struct {
	gtab   *GradientTable
	cfg    Config
	design *mat.Dense
	inv    *mat.Dense

	minDiffusivity float64
	constraints    []Constraint
	clamped        bool
}

// NewModel validates cfg against gtab and precomputes the shared fit
// resources. Configuration errors (unknown strategy, non-positive signal
// floor, invalid convexity order, iterative round count below 2) are
// reported here, never later during the fit.
func NewModel(gtab *GradientTable, cfg Config) (*Model, error) {
	if gtab == nil {
		return nil, fmt.Errorf("nil gradient table")
	}
	if cfg.MinSignal <= 0 {
		return nil, fmt.Errorf("minimum signal floor must be strictly positive, got %g", cfg.MinSignal)
	}
	if cfg.Method == Custom && cfg.FitFunc == nil {
		return nil, fmt.Errorf("custom fit method requires a FitFunc")
	}
	if cfg.Weights != nil && cfg.NumIter < 2 {
		return nil, fmt.Errorf("iterative reweighting needs at least 2 rounds, got %d", cfg.NumIter)
	}

	m := &Model{gtab: gtab, cfg: cfg}

	if cfg.Method.constrained() {
		level := cfg.ConvexityLevel
		if level < 0 || level%2 != 0 {
			return nil, fmt.Errorf("convexity level must be a positive even number or full, got %d", level)
		}
		if level > 4 {
			if !cfg.ClampConvexity {
				return nil, fmt.Errorf("maximum convexity level supported is 4, got %d", level)
			}
			level = 4
			m.clamped = true
		}
		constraints, err := ConstraintSet("dki", level)
		if err != nil {
			return nil, err
		}
		m.constraints = constraints
		if m.cfg.Solver == nil {
			m.cfg.Solver = NewProjectedGradientSolver()
		}
	}

	m.design = gtab.DesignMatrix()
	inv, err := pseudoInverse(m.design)
	if err != nil {
		return nil, fmt.Errorf("design matrix inversion: %w", err)
	}
	m.inv = inv
	m.minDiffusivity = 1e-6 / -mat.Min(m.design)

	return m, nil
}

// DesignMatrix exposes the g x 22 regression design shared by all fits.
func (m *Model) DesignMatrix() *mat.Dense {
	return m.design
}

// MinDiffusivity returns the eigenvalue floor applied when packing fitted
// tensors, scaled to the strongest diffusion weighting of the scheme.
func (m *Model) MinDiffusivity() float64 {
	return m.minDiffusivity
}

// FitVoxel fits a single voxel's signal and returns its packed parameters
// together with the per-measurement leverages of the solve.
func (m *Model) FitVoxel(signal []float64) (Params, []float64, error) {
	return m.fitVoxel(signal, nil)
}

func (m *Model) fitVoxel(signal, weights []float64) (Params, []float64, error) {
	if len(signal) != m.gtab.Len() {
		return Params{}, nil, fmt.Errorf("got %d measurements, scheme has %d", len(signal), m.gtab.Len())
	}

	if m.cfg.Method == Custom {
		raw, err := m.cfg.FitFunc(m.design, signal)
		if err != nil {
			return Params{}, nil, err
		}
		return paramsFromSolution(raw, m.minDiffusivity), nil, nil
	}

	y := make([]float64, len(signal))
	for i, s := range signal {
		if s < m.cfg.MinSignal {
			s = m.cfg.MinSignal
		}
		y[i] = math.Log(s)
	}

	raw, lev, err := m.solve(y, weights)
	if err != nil {
		return Params{}, nil, err
	}
	return paramsFromSolution(raw, m.minDiffusivity), lev, nil
}

// solve runs one regression on the log signal y. For weighted strategies,
// weights holds squared-residual weights; nil falls back to the squared
// OLS-predicted signal. It returns the 22 raw unknowns and the hat-matrix
// diagonal.
func (m *Model) solve(y, weights []float64) ([]float64, []float64, error) {
	g := len(y)
	yVec := mat.NewVecDense(g, y)

	if !m.cfg.Method.weighted() && weights == nil {
		// Unweighted: OLS through the precomputed pseudo-inverse, or the
		// constrained solve directly on the raw design. CLS stays
		// unweighted; only CWLS and caller weights enter the weighted
		// path below.
		lev := hatDiagonal(m.design, m.inv)
		if m.cfg.Method.constrained() {
			raw, err := m.cfg.Solver.Solve(m.design, y, m.constraints)
			if err != nil {
				return nil, nil, fmt.Errorf("constrained solve: %w", err)
			}
			return raw, lev, nil
		}
		var x mat.VecDense
		x.MulVec(m.inv, yVec)
		return vecData(&x), lev, nil
	}

	// Residual weights are the square roots of the squared-residual
	// weights supplied by the caller, or the OLS-predicted signal.
	w := make([]float64, g)
	if weights != nil {
		if len(weights) != g {
			return nil, nil, fmt.Errorf("got %d weights for %d measurements", len(weights), g)
		}
		for i, wi := range weights {
			if wi < 0 {
				return nil, nil, fmt.Errorf("negative weight %g at index %d", wi, i)
			}
			w[i] = math.Sqrt(wi)
		}
	} else {
		var ols, fitted mat.VecDense
		ols.MulVec(m.inv, yVec)
		fitted.MulVec(m.design, &ols)
		for i := 0; i < g; i++ {
			w[i] = math.Exp(fitted.AtVec(i))
		}
	}

	wa := mat.NewDense(g, 22, nil)
	wy := make([]float64, g)
	for i := 0; i < g; i++ {
		for j := 0; j < 22; j++ {
			wa.Set(i, j, w[i]*m.design.At(i, j))
		}
		wy[i] = w[i] * y[i]
	}

	invWA, err := pseudoInverse(wa)
	if err != nil {
		return nil, nil, fmt.Errorf("weighted design inversion: %w", err)
	}

	// Effective pseudo-inverse pinv(WA)W maps the unweighted log signal
	// to the solution; its hat diagonal yields the leverages.
	invEff := mat.NewDense(22, g, nil)
	for i := 0; i < 22; i++ {
		for j := 0; j < g; j++ {
			invEff.Set(i, j, invWA.At(i, j)*w[j])
		}
	}
	lev := hatDiagonal(m.design, invEff)

	if m.cfg.Method.constrained() {
		raw, err := m.cfg.Solver.Solve(wa, wy, m.constraints)
		if err != nil {
			return nil, nil, fmt.Errorf("constrained solve: %w", err)
		}
		return raw, lev, nil
	}

	var x mat.VecDense
	x.MulVec(invEff, yVec)
	return vecData(&x), lev, nil
}

// Fit fits every voxel of vol under the optional mask, fanning the
// independent per-voxel solves out over parallel workers. Voxels outside
// the mask keep zero parameters. The returned diagnostics hold the fit
// leverages of every masked voxel.
func (m *Model) Fit(vol *models.Volume, mask []bool) ([]Params, *Diagnostics, error) {
	return m.fitVolume(vol, mask, nil)
}

func (m *Model) fitVolume(vol *models.Volume, mask []bool, weights []float64) ([]Params, *Diagnostics, error) {
	if vol.Directions != m.gtab.Len() {
		return nil, nil, fmt.Errorf("volume has %d directions, scheme has %d", vol.Directions, m.gtab.Len())
	}
	n := vol.NumVoxels()
	if mask != nil && len(mask) != n {
		return nil, nil, fmt.Errorf("mask length %d does not match %d voxels", len(mask), n)
	}
	if weights != nil && len(weights) != n*vol.Directions {
		return nil, nil, fmt.Errorf("weights length %d does not match %d measurements", len(weights), n*vol.Directions)
	}

	params := make([]Params, n)
	diag := &Diagnostics{
		Leverages:        make([]float64, n*vol.Directions),
		ConvexityClamped: m.clamped,
	}
	if n == 0 {
		return params, diag, nil
	}

	workers := m.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if mask != nil && !mask[i] {
					continue
				}
				var vw []float64
				if weights != nil {
					vw = weights[i*vol.Directions : (i+1)*vol.Directions]
				}
				p, lev, err := m.fitVoxel(vol.Voxel(i), vw)
				if err != nil {
					errs[worker] = fmt.Errorf("voxel %d: %w", i, err)
					return
				}
				params[i] = p
				copy(diag.Leverages[i*vol.Directions:], lev)
			}
		}(w, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return params, diag, nil
}

// IterativeFit runs the iteratively reweighted fit: round 1 is an ordinary
// (constrained) weighted fit, and every later round refits with weights and
// an outlier mask recomputed by the configured WeightsMethod from the
// previous round's prediction and leverages. The returned diagnostics carry
// the final leverages and robust mask.
func (m *Model) IterativeFit(vol *models.Volume, mask []bool) ([]Params, *Diagnostics, error) {
	if m.cfg.Weights == nil {
		return nil, nil, fmt.Errorf("iterative fit requires a weights method")
	}

	var (
		params  []Params
		diag    *Diagnostics
		weights []float64
		robust  []bool
		err     error
	)

	for round := 1; round <= m.cfg.NumIter; round++ {
		if round > 1 {
			if round == 2 {
				// Full-volume shaped arrays keep indexing consistent
				// under a spatial mask.
				weights = make([]float64, vol.NumVoxels()*vol.Directions)
				for i := range weights {
					weights[i] = 1
				}
				robust = make([]bool, vol.NumVoxels()*vol.Directions)
				for i := 0; i < vol.NumVoxels(); i++ {
					if mask == nil || mask[i] {
						for j := 0; j < vol.Directions; j++ {
							robust[i*vol.Directions+j] = true
						}
					}
				}
			}

			for i := 0; i < vol.NumVoxels(); i++ {
				if mask != nil && !mask[i] {
					continue
				}
				lo, hi := i*vol.Directions, (i+1)*vol.Directions
				pred := predictWithDesign(&params[i], m.design)
				w, rb := m.cfg.Weights(vol.Voxel(i), pred, m.design,
					diag.Leverages[lo:hi], round, m.cfg.NumIter, robust[lo:hi])
				copy(weights[lo:hi], w)
				if rb != nil {
					copy(robust[lo:hi], rb)
				}
			}
		}

		params, diag, err = m.fitVolume(vol, mask, weights)
		if err != nil {
			return nil, nil, fmt.Errorf("round %d: %w", round, err)
		}
	}

	diag.Robust = robust
	return params, diag, nil
}

// pseudoInverse computes the Moore-Penrose pseudo-inverse of a through a
// thin SVD, zeroing singular values below the standard relative cutoff.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("SVD failed to converge")
	}

	r, c := a.Dims()
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	n := r
	if c > n {
		n = c
	}
	cutoff := float64(n) * (math.Nextafter(1, 2) - 1) * s[0]

	// pinv = V diag(1/s) Ut
	k := len(s)
	scaled := mat.NewDense(c, k, nil)
	for j := 0; j < k; j++ {
		inv := 0.0
		if s[j] > cutoff {
			inv = 1.0 / s[j]
		}
		for i := 0; i < c; i++ {
			scaled.Set(i, j, v.At(i, j)*inv)
		}
	}

	pinv := mat.NewDense(c, r, nil)
	pinv.Mul(scaled, u.T())
	return pinv, nil
}

// hatDiagonal computes the diagonal of design*inv without forming the full
// hat matrix.
func hatDiagonal(design, inv *mat.Dense) []float64 {
	g, k := design.Dims()
	lev := make([]float64, g)
	for i := 0; i < g; i++ {
		sum := 0.0
		for j := 0; j < k; j++ {
			sum += design.At(i, j) * inv.At(j, i)
		}
		lev[i] = sum
	}
	return lev
}

func vecData(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
