package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"dkifit/internal/models"
	"dkifit/pkg/config"
	"dkifit/pkg/dki"
	"dkifit/pkg/sphere"
)

func main() {
	// Parse command line arguments
	dataPath := flag.String("data", "", "Raw float64 volume of diffusion-weighted signal (voxel-major)")
	bvalsPath := flag.String("bvals", "", "Text file with one b-value per measurement")
	bvecsPath := flag.String("bvecs", "", "Text file with gradient directions (3 rows or 3 columns)")
	dims := flag.String("dims", "", "Spatial grid dimensions as WxHxD")
	outputDir := flag.String("output", "dki_maps", "Directory for the fitted parameter and metric maps")
	configPath := flag.String("config", "dkifit.yaml", "Configuration file path")
	initConfig := flag.Bool("init-config", false, "Write the default configuration file and exit")
	method := flag.String("method", "", "Override the configured fit method (OLS, WLS, CLS, CWLS)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "error writing default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	if *dataPath == "" || *bvalsPath == "" || *bvecsPath == "" || *dims == "" {
		flag.Usage()
		os.Exit(1)
	}

	width, height, depth, err := parseDims(*dims)
	if err != nil {
		logger.Error("invalid dimensions", "dims", *dims, "err", err)
		os.Exit(1)
	}

	if *method != "" {
		cfg.Fitting.Method = *method
	}

	if err := run(logger, cfg, *dataPath, *bvalsPath, *bvecsPath, *outputDir, width, height, depth); err != nil {
		logger.Error("fit failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config, dataPath, bvalsPath, bvecsPath, outputDir string, width, height, depth int) error {
	bvals, err := readBvals(bvalsPath)
	if err != nil {
		return fmt.Errorf("error reading b-values: %w", err)
	}
	bvecs, err := readBvecs(bvecsPath, len(bvals))
	if err != nil {
		return fmt.Errorf("error reading gradient directions: %w", err)
	}

	gtab, err := dki.NewGradientTable(bvals, bvecs)
	if err != nil {
		return fmt.Errorf("error building gradient table: %w", err)
	}
	logger.Info("acquisition scheme loaded",
		"measurements", gtab.Len(),
		"voxels", width*height*depth)

	data, err := readVolume(dataPath, width*height*depth*gtab.Len())
	if err != nil {
		return fmt.Errorf("error reading signal volume: %w", err)
	}
	vol, err := models.NewVolume(data, width, height, depth, gtab.Len())
	if err != nil {
		return err
	}

	// Foreground mask from the mean baseline signal.
	b0 := make([]bool, gtab.Len())
	for i, b := range gtab.Bvals {
		b0[i] = b == 0
	}
	mask := vol.MeanB0Mask(b0, cfg.Mask.Threshold)
	masked := 0
	for _, in := range mask {
		if in {
			masked++
		}
	}
	logger.Info("foreground mask built",
		"threshold", cfg.Mask.Threshold,
		"voxels", masked)

	fitMethod, err := dki.ParseMethod(cfg.Fitting.Method)
	if err != nil {
		return err
	}
	fitCfg := dki.DefaultConfig()
	fitCfg.Method = fitMethod
	fitCfg.MinSignal = cfg.Fitting.MinSignal
	fitCfg.ConvexityLevel = cfg.Fitting.ConvexityLevel
	fitCfg.NumIter = cfg.Fitting.NumIter
	fitCfg.Workers = cfg.Fitting.NumCores
	if cfg.Fitting.Robust {
		fitCfg.Weights = dki.MEstimator()
	}

	model, err := dki.NewModel(gtab, fitCfg)
	if err != nil {
		return err
	}

	logger.Info("fitting model",
		"method", fitMethod.String(),
		"robust", cfg.Fitting.Robust,
		"cores", cfg.Fitting.NumCores)
	start := time.Now()

	var (
		params []dki.Params
		diag   *dki.Diagnostics
	)
	if cfg.Fitting.Robust {
		params, diag, err = model.IterativeFit(vol, mask)
	} else {
		params, diag, err = model.Fit(vol, mask)
	}
	if err != nil {
		return err
	}
	logger.Info("fit completed", "elapsed", time.Since(start).Round(time.Millisecond))

	if diag.ConvexityClamped {
		logger.Warn("convexity level clamped to 4", "requested", cfg.Fitting.ConvexityLevel)
	}
	if diag.Robust != nil {
		rejected := 0
		for _, ok := range diag.Robust {
			if !ok {
				rejected++
			}
		}
		logger.Info("robust reweighting finished",
			"rounds", cfg.Fitting.NumIter,
			"rejected", rejected)
	}

	return writeMaps(logger, cfg, params, mask, outputDir)
}

// writeMaps computes the scalar metric maps from the fitted parameters and
// writes each as a raw float64 volume.
func writeMaps(logger *slog.Logger, cfg *config.Config, params []dki.Params, mask []bool, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	meanClip := dki.Clip{Min: cfg.Metrics.MinKurtosis, Max: cfg.Metrics.MaxMeanKurtosis}
	clip := dki.Clip{Min: cfg.Metrics.MinKurtosis, Max: cfg.Metrics.MaxKurtosis}
	analytical := cfg.Metrics.Analytical

	n := len(params)
	maps := map[string][]float64{
		"md":  make([]float64, n),
		"mk":  make([]float64, n),
		"rk":  make([]float64, n),
		"ak":  make([]float64, n),
		"mkt": make([]float64, n),
		"rtk": make([]float64, n),
		"kfa": make([]float64, n),
	}

	start := time.Now()
	for i := range params {
		if mask != nil && !mask[i] {
			continue
		}
		p := &params[i]
		maps["md"][i] = p.MD()
		maps["mk"][i] = dki.MeanKurtosis(p, meanClip, analytical)
		maps["rk"][i] = dki.RadialKurtosis(p, clip, analytical)
		maps["ak"][i] = dki.AxialKurtosis(p, clip, analytical)
		maps["mkt"][i] = dki.MeanKurtosisTensor(p, meanClip)
		maps["rtk"][i] = dki.RadialTensorKurtosis(p, clip)
		maps["kfa"][i] = dki.KFA(p)
	}
	logger.Debug("scalar maps computed", "elapsed", time.Since(start).Round(time.Millisecond))

	if cfg.Maximum.Enabled {
		start = time.Now()
		sph := sphere.New(cfg.Maximum.SphereDirections)
		maxMap, err := dki.MaximumVolume(params, mask, sph, cfg.Maximum.GradientTolerance, cfg.Fitting.NumCores)
		if err != nil {
			return err
		}
		maps["kmax"] = maxMap
		logger.Info("kurtosis maximum map computed",
			"directions", cfg.Maximum.SphereDirections,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}

	for name, values := range maps {
		path := filepath.Join(outputDir, name+".f64")
		if err := writeVolume(path, values); err != nil {
			return fmt.Errorf("error writing %s map: %w", name, err)
		}
		logger.Debug("map written", "map", name, "path", path)
	}

	logger.Info("all maps written", "dir", outputDir, "maps", len(maps))
	return nil
}

// parseDims splits a WxHxD dimension string.
func parseDims(s string) (int, int, int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected WxHxD, got %q", s)
	}
	out := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid dimension %q", p)
		}
		out[i] = v
	}
	return out[0], out[1], out[2], nil
}

// readBvals reads whitespace-separated b-values from a text file.
func readBvals(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(raw))
	bvals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid b-value %q: %w", f, err)
		}
		bvals[i] = v
	}
	return bvals, nil
}

// readBvecs reads n gradient directions from a text file, accepting either
// the row-per-measurement layout (n rows of 3) or the transposed layout
// common in acquisition tooling (3 rows of n).
func readBvecs(path string, n int) ([][3]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 3*n {
		return nil, fmt.Errorf("expected %d direction components, got %d", 3*n, len(fields))
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid direction component %q: %w", f, err)
		}
		values[i] = v
	}

	// Count the rows to distinguish the two layouts.
	rows := 0
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) != "" {
			rows++
		}
	}

	bvecs := make([][3]float64, n)
	if rows == 3 && n != 3 {
		// Transposed layout: component-major.
		for i := 0; i < n; i++ {
			bvecs[i] = [3]float64{values[i], values[n+i], values[2*n+i]}
		}
	} else {
		for i := 0; i < n; i++ {
			bvecs[i] = [3]float64{values[3*i], values[3*i+1], values[3*i+2]}
		}
	}
	return bvecs, nil
}

// readVolume reads count little-endian float64 values from a raw binary file.
func readVolume(path string, count int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != int64(count)*8 {
		return nil, fmt.Errorf("file holds %d values, expected %d", info.Size()/8, count)
	}

	data := make([]float64, count)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeVolume writes values as little-endian float64 to a raw binary file.
func writeVolume(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, values); err != nil {
		return err
	}
	return w.Flush()
}
