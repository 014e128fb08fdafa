package dki

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"dkifit/internal/models"
	"dkifit/pkg/sphere"
)

// testGradientTable builds a three-shell scheme: two b=0 measurements plus
// 30 golden-spiral directions at each of two nonzero shells.
func testGradientTable(t *testing.T) *GradientTable {
	t.Helper()

	dirs := sphere.New(30).Vertices
	bvals := []float64{0, 0}
	bvecs := [][3]float64{{0, 0, 0}, {0, 0, 0}}
	for _, b := range []float64{1000, 2200} {
		for _, d := range dirs {
			bvals = append(bvals, b)
			bvecs = append(bvecs, d)
		}
	}

	gtab, err := NewGradientTable(bvals, bvecs)
	if err != nil {
		t.Fatalf("gradient table: %v", err)
	}
	return gtab
}

// groundTruth is an anisotropic voxel with plausible white matter values.
func groundTruth() Params {
	p := Params{
		Evals: [3]float64{1.7e-3, 0.3e-3, 0.3e-3},
		Evecs: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		S0:    120,
	}
	p.KT = [15]float64{0.9, 0.8, 0.7, 0, 0, 0, 0, 0, 0, 0.3, 0.28, 0.26, 0, 0, 0}
	return p
}

func checkRecovery(t *testing.T, name string, got, want *Params) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if math.Abs(got.Evals[i]-want.Evals[i]) > 0.01*want.Evals[i] {
			t.Errorf("%s: eigenvalue %d = %g, expected %g within 1%%", name, i, got.Evals[i], want.Evals[i])
		}
	}
	for i := 0; i < 15; i++ {
		if math.Abs(got.KT[i]-want.KT[i]) > 1e-3 {
			t.Errorf("%s: kurtosis element %d = %g, expected %g", name, i, got.KT[i], want.KT[i])
		}
	}
	if math.Abs(got.S0-want.S0) > 0.01*want.S0 {
		t.Errorf("%s: S0 = %g, expected %g", name, got.S0, want.S0)
	}
}

// TestNoiselessRecovery verifies that every regression strategy recovers
// the exact parameters from noiseless model signal.
func TestNoiselessRecovery(t *testing.T) {
	gtab := testGradientTable(t)
	truth := groundTruth()
	signal := Predict(&truth, gtab)

	for _, method := range []Method{OLS, WLS, CLS, CWLS} {
		cfg := DefaultConfig()
		cfg.Method = method

		model, err := NewModel(gtab, cfg)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		got, _, err := model.FitVoxel(signal)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		checkRecovery(t, method.String(), &got, &truth)
	}
}

// recordingSolver captures the least squares system handed to the convex
// backend before delegating to the default solver.
type recordingSolver struct {
	inner ConvexSolver
	a     *mat.Dense
	y     []float64
}

func (r *recordingSolver) Solve(a *mat.Dense, y []float64, cs []Constraint) ([]float64, error) {
	r.a = mat.DenseCopyOf(a)
	r.y = append([]float64(nil), y...)
	return r.inner.Solve(a, y, cs)
}

// TestConstrainedWeighting verifies the weighting split of the constrained
// strategies: CLS hands the raw design and log signal to the convex solver,
// while CWLS rescales both by the OLS-predicted signal first.
func TestConstrainedWeighting(t *testing.T) {
	gtab := testGradientTable(t)
	truth := groundTruth()
	signal := Predict(&truth, gtab)

	rec := &recordingSolver{inner: NewProjectedGradientSolver()}
	cfg := DefaultConfig()
	cfg.Method = CLS
	cfg.Solver = rec
	model, err := NewModel(gtab, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := model.FitVoxel(signal); err != nil {
		t.Fatal(err)
	}

	if !mat.EqualApprox(rec.a, model.DesignMatrix(), 1e-12) {
		t.Error("CLS passed a rescaled design to the convex solver")
	}
	for i, s := range signal {
		if math.Abs(rec.y[i]-math.Log(s)) > 1e-12 {
			t.Fatalf("CLS target %d = %g, expected the plain log signal %g", i, rec.y[i], math.Log(s))
		}
	}

	rec = &recordingSolver{inner: NewProjectedGradientSolver()}
	cfg.Method = CWLS
	cfg.Solver = rec
	model, err = NewModel(gtab, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := model.FitVoxel(signal); err != nil {
		t.Fatal(err)
	}

	// Row i of the weighted design is the raw row scaled by the predicted
	// signal; on noiseless data that is the signal itself, so the
	// intercept column reads -S(i) instead of -1.
	for i, s := range signal {
		if math.Abs(rec.a.At(i, 21)+s) > 1e-6*s {
			t.Fatalf("CWLS intercept column row %d = %g, expected %g", i, rec.a.At(i, 21), -s)
		}
		if math.Abs(rec.y[i]-s*math.Log(s)) > 1e-6*math.Abs(s*math.Log(s)) {
			t.Fatalf("CWLS target %d = %g, expected %g", i, rec.y[i], s*math.Log(s))
		}
	}
}

// TestParseMethod verifies the strategy names and their historical aliases.
func TestParseMethod(t *testing.T) {
	cases := map[string]Method{
		"OLS": OLS, "ULLS": OLS, "ols": OLS,
		"WLS": WLS, "WLLS": WLS, "UWLLS": WLS,
		"CLS": CLS, "cwls": CWLS,
	}
	for name, want := range cases {
		got, err := ParseMethod(name)
		if err != nil {
			t.Errorf("ParseMethod(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseMethod(%q) = %v, expected %v", name, got, want)
		}
	}
	if _, err := ParseMethod("NLS2"); err == nil {
		t.Error("expected error for unknown method name")
	}
}

// TestNewModelConfigErrors verifies fail-fast validation of the fitting
// configuration.
func TestNewModelConfigErrors(t *testing.T) {
	gtab := testGradientTable(t)

	cfg := DefaultConfig()
	cfg.MinSignal = 0
	if _, err := NewModel(gtab, cfg); err == nil {
		t.Error("expected error for non-positive signal floor")
	}

	cfg = DefaultConfig()
	cfg.Weights = MEstimator()
	cfg.NumIter = 1
	if _, err := NewModel(gtab, cfg); err == nil {
		t.Error("expected error for a single reweighting round")
	}

	cfg = DefaultConfig()
	cfg.Method = Custom
	if _, err := NewModel(gtab, cfg); err == nil {
		t.Error("expected error for custom method without FitFunc")
	}

	for _, level := range []int{3, -2} {
		cfg = DefaultConfig()
		cfg.Method = CLS
		cfg.ConvexityLevel = level
		if _, err := NewModel(gtab, cfg); err == nil {
			t.Errorf("expected error for convexity level %d", level)
		}
	}

	cfg = DefaultConfig()
	cfg.Method = CLS
	cfg.ConvexityLevel = 6
	cfg.ClampConvexity = false
	if _, err := NewModel(gtab, cfg); err == nil {
		t.Error("expected error for convexity level above 4 without clamping")
	}

	cfg.ClampConvexity = true
	model, err := NewModel(gtab, cfg)
	if err != nil {
		t.Fatalf("clamped convexity rejected: %v", err)
	}
	if !model.clamped {
		t.Error("convexity clamp not recorded")
	}
}

// TestFitVolumeMask verifies the parallel volume fit under a spatial mask:
// masked-out voxels keep zero parameters, a mismatched mask is rejected,
// and leverages are produced per masked voxel.
func TestFitVolumeMask(t *testing.T) {
	gtab := testGradientTable(t)
	truth := groundTruth()
	signal := Predict(&truth, gtab)

	g := gtab.Len()
	data := make([]float64, 3*g)
	for v := 0; v < 3; v++ {
		copy(data[v*g:], signal)
	}
	vol, err := models.NewVolume(data, 3, 1, 1, g)
	if err != nil {
		t.Fatal(err)
	}

	model, err := NewModel(gtab, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	mask := []bool{true, false, true}
	params, diag, err := model.Fit(vol, mask)
	if err != nil {
		t.Fatal(err)
	}

	checkRecovery(t, "voxel 0", &params[0], &truth)
	checkRecovery(t, "voxel 2", &params[2], &truth)
	if params[1] != (Params{}) {
		t.Error("masked voxel has nonzero parameters")
	}

	// The leverages of each fitted voxel sum to the regression rank.
	for _, v := range []int{0, 2} {
		sum := 0.0
		for _, h := range diag.Leverages[v*g : (v+1)*g] {
			sum += h
		}
		if math.Abs(sum-22.0) > 1e-6 {
			t.Errorf("voxel %d leverage sum = %g, expected 22", v, sum)
		}
	}

	if _, _, err := model.Fit(vol, []bool{true}); err == nil {
		t.Error("expected error for mismatched mask length")
	}
}

// TestIterativeFit verifies the reweighted fit on noiseless data: two
// rounds complete, the recovered parameters match the plain fit, and the
// diagnostics carry an all-true robust mask inside the mask.
func TestIterativeFit(t *testing.T) {
	gtab := testGradientTable(t)
	truth := groundTruth()
	signal := Predict(&truth, gtab)

	g := gtab.Len()
	data := make([]float64, 2*g)
	copy(data, signal)
	copy(data[g:], signal)
	vol, err := models.NewVolume(data, 2, 1, 1, g)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Weights = MEstimator()
	cfg.NumIter = 2
	model, err := NewModel(gtab, cfg)
	if err != nil {
		t.Fatal(err)
	}

	mask := []bool{true, false}
	params, diag, err := model.IterativeFit(vol, mask)
	if err != nil {
		t.Fatal(err)
	}
	checkRecovery(t, "iterative", &params[0], &truth)

	if diag.Robust == nil {
		t.Fatal("iterative fit returned no robust mask")
	}
	for j := 0; j < g; j++ {
		if !diag.Robust[j] {
			t.Errorf("measurement %d of masked-in voxel flagged as outlier on clean data", j)
		}
		if diag.Robust[g+j] {
			t.Errorf("measurement %d of masked-out voxel marked robust", j)
		}
	}

	// Without a weights method the iterative entry point is rejected.
	plain, err := NewModel(gtab, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := plain.IterativeFit(vol, mask); err == nil {
		t.Error("expected error for iterative fit without weights method")
	}
}

// TestCustomFitFunc verifies the caller-supplied strategy extension point.
func TestCustomFitFunc(t *testing.T) {
	gtab := testGradientTable(t)

	raw := make([]float64, 22)
	raw[0], raw[2], raw[5] = 1.0e-3, 0.8e-3, 0.6e-3
	raw[21] = -math.Log(90.0)

	cfg := DefaultConfig()
	cfg.Method = Custom
	cfg.FitFunc = func(design *mat.Dense, signal []float64) ([]float64, error) {
		if r, c := design.Dims(); r != gtab.Len() || c != 22 {
			t.Errorf("design is %dx%d inside FitFunc", r, c)
		}
		return raw, nil
	}

	model, err := NewModel(gtab, cfg)
	if err != nil {
		t.Fatal(err)
	}
	p, _, err := model.FitVoxel(make([]float64, gtab.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p.Evals[0]-1.0e-3) > 1e-12 {
		t.Errorf("largest eigenvalue = %g, expected 1.0e-3", p.Evals[0])
	}
	if math.Abs(p.S0-90.0) > 1e-9 {
		t.Errorf("S0 = %g, expected 90", p.S0)
	}
}

// TestPredictBaseline verifies the forward model on the b=0 measurements,
// which must reproduce the baseline signal exactly.
func TestPredictBaseline(t *testing.T) {
	gtab := testGradientTable(t)
	truth := groundTruth()

	signal := Predict(&truth, gtab)
	for i, b := range gtab.Bvals {
		if b == 0 && math.Abs(signal[i]-truth.S0) > 1e-9 {
			t.Errorf("b0 measurement %d = %g, expected S0 = %g", i, signal[i], truth.S0)
		}
	}

	// Signal must decay with b along every direction.
	for i, b := range gtab.Bvals {
		if b > 0 && signal[i] >= truth.S0 {
			t.Errorf("measurement %d at b=%g did not decay: %g", i, b, signal[i])
		}
	}
}
