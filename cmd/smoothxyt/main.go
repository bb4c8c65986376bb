package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"smoothxyt/internal/logging"
	"smoothxyt/internal/models"
	"smoothxyt/pkg/config"
	"smoothxyt/pkg/fit"
	"smoothxyt/pkg/pointio"
	"smoothxyt/pkg/store"
	"smoothxyt/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML fit configuration")
	pointsPath := flag.String("points", "", "CSV file of x, y, time, z, sigma points")
	dbPath := flag.String("db", "", "SQLite database for point sets and fit runs")
	setName := flag.String("set", "", "Point set name in the database")
	outPath := flag.String("out", "", "CSV file for the points retained by the fit")
	renderDir := flag.String("render", "", "Directory to save images and plots of the fit")
	editOnly := flag.Bool("edit-only", false, "Only run the subset pre-editing pass")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format override (text, json)")
	flag.Parse()

	// Validate inputs
	if *configPath == "" || (*pointsPath == "" && (*dbPath == "" || *setName == "")) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *editOnly {
		cfg.EditOnly = true
	}
	if err := cfg.Validate(); errors.Is(err, config.ErrEditOnlyWithoutSubset) {
		fmt.Fprintln(os.Stderr, "-edit-only needs N_subset in the configuration")
		flag.Usage()
		os.Exit(2)
	}

	lc := cfg.LoggerConfig()
	if *logLevel != "" {
		lc.Level = *logLevel
	}
	if *logFormat != "" {
		lc.Format = *logFormat
	}
	logger := logging.New(lc)

	var db *store.Store
	if *dbPath != "" {
		db, err = store.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
	}

	data, err := loadPoints(*pointsPath, db, *setName)
	if err != nil {
		log.Fatalf("Failed to load points: %v", err)
	}

	args, err := cfg.FitArgs(data, logger)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("SMOOTH SURFACE AND HEIGHT-CHANGE FIT")
	fmt.Println("================================")
	fmt.Printf("Points: %d\n", data.Len())
	fmt.Printf("Domain: %.0f x %.0f centred on (%.1f, %.1f), epochs %.2f to %.2f\n",
		args.W.X, args.W.Y, args.Ctr.X, args.Ctr.Y, args.Ctr.T-args.W.T/2, args.Ctr.T+args.W.T/2)

	startTime := time.Now()
	res, err := fit.Fit(args)
	if err != nil {
		log.Fatalf("Fit failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nFit completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Retained %d of %d points\n", countTrue(res.ValidData), len(res.ValidData))
	if !res.EditOnly {
		printSummary(res)
	}

	if *outPath != "" {
		if err := pointio.WriteFile(*outPath, res.Data); err != nil {
			log.Fatalf("Failed to write points: %v", err)
		}
		fmt.Printf("Retained points saved to: %s\n", *outPath)
	}

	if db != nil && !res.EditOnly {
		cfgYAML, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("Failed to encode configuration: %v", err)
		}
		id, err := db.SaveRun(res, cfgYAML)
		if err != nil {
			log.Fatalf("Failed to save run: %v", err)
		}
		fmt.Printf("Run saved to %s as %s\n", *dbPath, id)
	}

	if *renderDir != "" && !res.EditOnly {
		if err := visualization.RenderResult(res, *renderDir); err != nil {
			log.Printf("Warning: Failed to render fit: %v", err)
		} else {
			abs, _ := filepath.Abs(*renderDir)
			fmt.Printf("Images and plots saved to: %s\n", abs)
		}
	}
}

// loadPoints reads the CSV file when given, storing it under set when a
// database is open; otherwise it loads set from the database
func loadPoints(path string, db *store.Store, set string) (*models.Dataset, error) {
	if path == "" {
		return db.LoadPoints(set)
	}
	d, err := pointio.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if db != nil && set != "" {
		if err := db.SavePoints(set, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func printSummary(res *fit.Result) {
	fmt.Printf("Robust iterations: %d, sigma hat: %.3f\n", res.Iterations, res.SigmaHat)

	fmt.Println("\nCentral window height change:")
	fmt.Println("=======================================")
	t := res.Grids.T.Ctrs[0]
	for k, v := range res.M.DzBar {
		if res.E != nil {
			fmt.Printf("t=%8.3f  dz=%10.4f +/- %.4f\n", t[k], v, res.E.DzBar[k])
		} else {
			fmt.Printf("t=%8.3f  dz=%10.4f\n", t[k], v)
		}
	}

	lags := make([]int, 0, len(res.M.DzDtBar))
	for lag := range res.M.DzDtBar {
		lags = append(lags, lag)
	}
	sort.Ints(lags)
	for _, lag := range lags {
		if len(res.M.DzDtBar[lag]) == 0 {
			continue
		}
		fmt.Printf("\nRate of change, lag %d:\n", lag)
		for k, v := range res.M.DzDtBar[lag] {
			fmt.Printf("t=%8.3f  dz/dt=%10.4f\n", (t[k]+t[k+lag])/2, v)
		}
	}

	if len(res.M.Bias) > 0 {
		fmt.Println("\nBias estimates:")
		for _, b := range res.M.Bias {
			fmt.Printf("- id %d: %.4f\n", b.ID, b.Value)
		}
	}

	fmt.Println("\nResidual RMS per equation group:")
	ids := make([]string, 0, len(res.RMS))
	rms := make(map[string]float64, len(res.RMS))
	for id, v := range res.RMS {
		ids = append(ids, id.String())
		rms[id.String()] = v
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("- %s: %.4f\n", id, rms[id])
	}
}

func countTrue(v []bool) int {
	n := 0
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}
