// Command loadtest sends concurrent prediction requests to a running server
// and verifies every answer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/okian/speedcast/internal/loadtest"
	"github.com/okian/speedcast/pkg/logger"
)

const (
	defaultRequests  = 10000
	defaultBatchSize = 100
	defaultWorkers   = 2 // multiplier for runtime.NumCPU()
	defaultTimeout   = 10 * time.Second
	defaultDeadline  = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "Base URL of the service")
		requests   = flag.Int("requests", defaultRequests, "Number of single predictions to send")
		batchSize  = flag.Int("batch", defaultBatchSize, "Segments per batch request (0 skips batches)")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		horizon    = flag.Int("horizon", 1, "Largest prediction horizon to request (1-24)")
		history    = flag.Int("history", 0, "Readings attached to each request (0 lets the server synthesize)")
		segments   = flag.String("segments", "", "Comma separated segment ids, used when the server has no catalog")
		seed       = flag.Uint64("seed", 42, "Request generator seed")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		outputFile = flag.String("output", "", "Write every request and outcome to this JSON file")
		verbose    = flag.Bool("verbose", false, "Log progress every second")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ids, err := parseIDs(*segments)
	if err != nil {
		os.Stderr.WriteString("invalid -segments: " + err.Error() + "\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	_, err = loadtest.Run(ctx, loadtest.Config{
		BaseURL:    strings.TrimRight(*baseURL, "/"),
		Requests:   *requests,
		BatchSize:  *batchSize,
		Workers:    *workers,
		MaxHorizon: *horizon,
		History:    *history,
		Segments:   ids,
		Seed:       *seed,
		Timeout:    *timeout,
		OutputFile: *outputFile,
		Verbose:    *verbose,
	})
	if err != nil {
		logger.Get().Error(ctx, "load test failed", logger.Error(err))
		cancel()
		stop()
		os.Exit(1)
	}
}

func parseIDs(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
