package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qkernel/internal/kquant"
	"github.com/samcharles93/qkernel/internal/logger"
)

// kquantScenario describes one synthetic matmul shape to benchmark or
// verify, loaded from a YAML fixture file.
type kquantScenario struct {
	Name       string `yaml:"name"`
	WeightType string `yaml:"weight_type"`
	Nx         int    `yaml:"nx"`
	Ny         int    `yaml:"ny"`
	K          int    `yaml:"k"`
	Workers    int    `yaml:"workers"`
}

type kquantRunResult struct {
	RunID      string        `json:"run_id"`
	Scenario   string        `json:"scenario"`
	WeightType string        `json:"weight_type"`
	Nx         int           `json:"nx"`
	Ny         int           `json:"ny"`
	K          int           `json:"k"`
	Duration   time.Duration `json:"duration_ns"`
	MaxAbsDiff float32       `json:"max_abs_diff_vs_reference"`
}

func kquantWeightTypeByName(name string) (kquant.WeightType, bool) {
	for wt := kquant.Q2K; wt.IsSupported(); wt++ {
		if wt.String() == name {
			return wt, true
		}
	}
	return 0, false
}

func defaultKQuantScenarios() []kquantScenario {
	return []kquantScenario{
		{Name: "S1-q4k-small", WeightType: "Q4_K", Nx: 4, Ny: 4, K: kquant.KBlock * 4, Workers: 1},
		{Name: "S2-q6k-wide", WeightType: "Q6_K", Nx: 8, Ny: 8, K: kquant.KBlock * 2, Workers: 2},
		{Name: "S3-iq4xs-tall", WeightType: "IQ4_XS", Nx: 32, Ny: 1, K: kquant.KBlock * 8, Workers: 4},
	}
}

func loadKQuantScenarios(path string) ([]kquantScenario, error) {
	if path == "" {
		return defaultKQuantScenarios(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	var scenarios []kquantScenario
	if err := yaml.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("parse scenario file: %w", err)
	}
	return scenarios, nil
}

func runKQuantScenario(s kquantScenario, limiter *rate.Limiter, ctx context.Context) (kquantRunResult, error) {
	wt, ok := kquantWeightTypeByName(s.WeightType)
	if !ok {
		return kquantRunResult{}, fmt.Errorf("unknown weight_type %q", s.WeightType)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return kquantRunResult{}, err
		}
	}

	rowSize, err := kquant.RowSize(wt, s.K)
	if err != nil {
		return kquantRunResult{}, err
	}
	colSize, err := kquant.Q8KRowSize(s.K)
	if err != nil {
		return kquantRunResult{}, err
	}

	rng := rand.New(rand.NewSource(int64(s.Nx*31 + s.Ny*17 + s.K)))
	a := make([]byte, s.Nx*rowSize)
	rng.Read(a)

	b := make([]byte, 0, s.Ny*colSize)
	for y := 0; y < s.Ny; y++ {
		x := make([]float32, s.K)
		for i := range x {
			x[i] = float32(rng.NormFloat64())
		}
		col, err := kquant.QuantizeQ8K(x)
		if err != nil {
			return kquantRunResult{}, err
		}
		b = append(b, col...)
	}

	got := make([]float32, s.Nx*s.Ny)
	start := time.Now()
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		if !kquant.MulMat(s.Nx, s.Ny, s.K, wt, a, b, got, s.Ny, w, workers) {
			return kquantRunResult{}, fmt.Errorf("MulMat returned false for scenario %q", s.Name)
		}
	}
	elapsed := time.Since(start)

	want := make([]float32, s.Nx*s.Ny)
	if !kquant.ReferenceMulMat(s.Nx, s.Ny, s.K, wt, a, b, want, s.Ny) {
		return kquantRunResult{}, fmt.Errorf("ReferenceMulMat returned false for scenario %q", s.Name)
	}
	var maxDiff float32
	for i := range got {
		d := float32(math.Abs(float64(got[i] - want[i])))
		if d > maxDiff {
			maxDiff = d
		}
	}

	return kquantRunResult{
		Scenario:   s.Name,
		WeightType: s.WeightType,
		Nx:         s.Nx,
		Ny:         s.Ny,
		K:          s.K,
		Duration:   elapsed,
		MaxAbsDiff: maxDiff,
	}, nil
}

func kquantCmd() *cli.Command {
	var (
		scenarioFile string
		ratePerSec   float64
		asJSON       bool
	)

	return &cli.Command{
		Name:  "kquant",
		Usage: "Exercise the K-quant CPU matmul kernel against synthetic fixtures",
		Commands: []*cli.Command{
			{
				Name:  "bench",
				Usage: "Run synthetic matmul scenarios against internal/kquant and report timing plus reference drift",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "scenarios",
						Usage:       "path to a YAML scenario fixture; uses built-in scenarios if omitted",
						Destination: &scenarioFile,
					},
					&cli.Float64Flag{
						Name:        "rate",
						Usage:       "max scenarios per second (0 = unlimited)",
						Destination: &ratePerSec,
					},
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "emit results as JSON instead of a text table",
						Destination: &asJSON,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					log := logger.FromContext(ctx)
					runID := uuid.New().String()

					scenarios, err := loadKQuantScenarios(scenarioFile)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}

					var limiter *rate.Limiter
					if ratePerSec > 0 {
						limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
					}

					log.Info("kquant bench starting", "run_id", runID, "scenarios", len(scenarios))

					results := make([]kquantRunResult, 0, len(scenarios))
					for _, s := range scenarios {
						r, err := runKQuantScenario(s, limiter, ctx)
						if err != nil {
							return cli.Exit(fmt.Sprintf("error: scenario %q: %v", s.Name, err), 1)
						}
						r.RunID = runID
						results = append(results, r)
						log.Info("scenario complete", "scenario", r.Scenario, "duration", r.Duration, "max_abs_diff", r.MaxAbsDiff)
					}

					if asJSON {
						enc := json.NewEncoder(os.Stdout)
						enc.SetIndent("", "  ")
						return enc.Encode(results)
					}

					fmt.Printf("%-20s %-8s %6s %6s %10s %10s %14s\n", "Scenario", "Type", "Nx", "Ny", "K", "Duration", "MaxAbsDiff")
					for _, r := range results {
						fmt.Printf("%-20s %-8s %6d %6d %10d %10s %14.6g\n",
							r.Scenario, r.WeightType, r.Nx, r.Ny, r.K, r.Duration.Round(time.Microsecond), r.MaxAbsDiff)
					}
					return nil
				},
			},
			{
				Name:  "types",
				Usage: "List the weight quantization types the kernel supports",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					for wt := kquant.Q2K; wt.IsSupported(); wt++ {
						size, _ := kquant.RowSize(wt, kquant.KBlock)
						fmt.Printf("%-8s block_bytes=%d\n", wt.String(), size)
					}
					return nil
				},
			},
		},
	}
}
