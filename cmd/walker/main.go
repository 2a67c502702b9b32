package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/geopresence/internal/walker"
	"github.com/okian/geopresence/pkg/logger"
)

// Default configuration constants.
const (
	defaultUsers       = 200
	defaultSteps       = 5
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultTimeout     = 10 * time.Second
	defaultSettle      = 7 * time.Second
	defaultDupRate     = 0.1
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:9080", "Base URL of the service")
		users   = flag.Int("users", defaultUsers, "Number of synthetic users")
		steps   = flag.Int("steps", defaultSteps, "Regions visited per user")
		workers = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent walkers")
		timeout = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle  = flag.Duration("settle", defaultSettle, "Wait before verifying presence")
		dupRate = flag.Float64("dup", defaultDupRate, "Fraction of OS callbacks redelivered")
		seed    = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Route seed")
		verbose = flag.Bool("verbose", false, "Log every refused request")
		help    = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		walker.ShowHelp()
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	cfg := &walker.Config{
		BaseURL:       *baseURL,
		Users:         *users,
		Steps:         *steps,
		Workers:       *workers,
		Timeout:       *timeout,
		Settle:        *settle,
		DuplicateRate: *dupRate,
		Seed:          *seed,
		Verbose:       *verbose,
	}

	if _, err := walker.Run(ctx, cfg, logger.Named("walker")); err != nil {
		os.Stderr.WriteString("walk failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
