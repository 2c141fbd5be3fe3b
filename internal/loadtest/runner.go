package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/speedcast/pkg/logger"
)

// ErrFailures is returned when any request failed or broke a response check.
var ErrFailures = errors.New("load test found failures")

const progressInterval = time.Second

// Run checks the server is healthy, sends the generated predictions
// concurrently, verifies every answer and then predicts the catalog in
// batches. Stats are returned even when requests failed.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	cfg.withDefaults()
	log := logger.Get().Named("loadtest")
	c := newClient(cfg.BaseURL, cfg.Timeout)
	stats := &Stats{}
	start := time.Now()

	log.Info(ctx, "starting load test",
		logger.String("base_url", cfg.BaseURL),
		logger.Int("requests", cfg.Requests),
		logger.Int("workers", cfg.Workers),
		logger.Int("batch_size", cfg.BatchSize),
	)

	active, err := checkHealth(ctx, c)
	if err != nil {
		return stats, err
	}
	stats.ActiveModel = active

	segments, err := listSegments(ctx, c)
	if err != nil {
		return stats, err
	}
	if len(segments) == 0 {
		segments = cfg.Segments
	}
	if len(segments) == 0 {
		return stats, ErrNoSegments
	}
	stats.Segments = len(segments)

	reqs := generate(&cfg, segments, time.Now(), cfg.Requests)
	outcomes := submit(ctx, c, &cfg, reqs, active)
	summarize(outcomes, stats)

	if cfg.BatchSize > 0 {
		stats.BatchSent, stats.BatchFailed = runBatches(ctx, c, &cfg, segments, active)
	}
	stats.Duration = time.Since(start)

	if cfg.OutputFile != "" {
		if err := saveOutcomes(cfg.OutputFile, outcomes); err != nil {
			log.Warn(ctx, "failed to save outcomes", logger.Error(err))
		}
	}

	log.Info(ctx, "load test finished",
		logger.String("active_model", stats.ActiveModel),
		logger.Int("segments", stats.Segments),
		logger.Int("sent", stats.Sent),
		logger.Int("succeeded", stats.Succeeded),
		logger.Int("failed", stats.Failed),
		logger.Int("invalid", stats.Invalid),
		logger.Int("batches", stats.BatchSent),
		logger.Int("batch_failures", stats.BatchFailed),
		logger.Duration("p50", stats.P50),
		logger.Duration("p95", stats.P95),
		logger.Duration("p99", stats.P99),
		logger.Duration("elapsed", stats.Duration),
	)

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if stats.Failed > 0 || stats.Invalid > 0 || stats.BatchFailed > 0 {
		return stats, fmt.Errorf("%w: %d failed, %d invalid, %d failed batches",
			ErrFailures, stats.Failed, stats.Invalid, stats.BatchFailed)
	}
	return stats, nil
}

func checkHealth(ctx context.Context, c *client) (string, error) {
	var h struct {
		Status      string `json:"status"`
		ActiveModel string `json:"active_model"`
	}
	if _, _, _, err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	if h.Status != "healthy" {
		return "", fmt.Errorf("%w: status %q", ErrUnhealthy, h.Status)
	}
	return h.ActiveModel, nil
}

func listSegments(ctx context.Context, c *client) ([]int, error) {
	var body struct {
		Segments []struct {
			ID int `json:"segment_id"`
		} `json:"segments"`
	}
	if _, _, _, err := c.do(ctx, http.MethodGet, "/segments", nil, &body); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	ids := make([]int, len(body.Segments))
	for i, s := range body.Segments {
		ids[i] = s.ID
	}
	return ids, nil
}

// submit sends reqs with at most cfg.Workers in flight. A failed request is
// recorded in its outcome and never stops the others.
func submit(ctx context.Context, c *client, cfg *Config, reqs []Request, active string) []Outcome {
	log := logger.Get().Named("loadtest")
	outcomes := make([]Outcome, len(reqs))
	var done atomic.Int64

	stop := make(chan struct{})
	if cfg.Verbose {
		go func() {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					log.Info(ctx, "progress", logger.Any("done", done.Load()), logger.Int("total", len(reqs)))
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer done.Add(1)
			o := Outcome{Request: reqs[i]}
			var p Prediction
			status, id, latency, err := c.do(gctx, http.MethodPost, "/predict", &reqs[i], &p)
			o.Status, o.RequestID, o.Latency = status, id, latency
			if err != nil {
				o.Err = err.Error()
			} else {
				o.Prediction = &p
				o.Violations = verify(&reqs[i], &p, active)
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	close(stop)
	return outcomes
}

// summarize counts outcomes and computes latency quantiles over the
// requests that got an answer.
func summarize(outcomes []Outcome, stats *Stats) {
	var latencies []float64
	for i := range outcomes {
		o := &outcomes[i]
		if o.Status == 0 && o.Err == "" {
			continue // never sent
		}
		stats.Sent++
		switch {
		case o.Err != "":
			stats.Failed++
		case len(o.Violations) > 0:
			stats.Invalid++
		default:
			stats.Succeeded++
		}
		if o.Status != 0 {
			latencies = append(latencies, float64(o.Latency))
		}
	}
	if len(latencies) == 0 {
		return
	}
	slices.Sort(latencies)
	q := func(p float64) time.Duration {
		return time.Duration(stat.Quantile(p, stat.Empirical, latencies, nil))
	}
	stats.P50, stats.P95, stats.P99 = q(0.50), q(0.95), q(0.99)
}

// runBatches predicts every segment in chunks of cfg.BatchSize and checks
// each batch answers every segment it named, in order.
func runBatches(ctx context.Context, c *client, cfg *Config, segments []int, active string) (sent, failed int) {
	log := logger.Get().Named("loadtest")
	size := min(cfg.BatchSize, maxBatch)
	ts := time.Now().UTC().Truncate(time.Hour)

	for chunk := range slices.Chunk(segments, size) {
		if ctx.Err() != nil {
			return sent, failed
		}
		sent++
		body := struct {
			SegmentIDs []int     `json:"segment_ids"`
			Timestamp  time.Time `json:"timestamp"`
		}{chunk, ts}
		var out struct {
			Predictions   []Prediction `json:"predictions"`
			TotalSegments int          `json:"total_segments"`
		}
		if _, _, _, err := c.do(ctx, http.MethodPost, "/predict/batch", body, &out); err != nil {
			failed++
			log.Warn(ctx, "batch failed", logger.Int("segments", len(chunk)), logger.Error(err))
			continue
		}
		if problems := verifyBatch(chunk, ts, out.Predictions, out.TotalSegments, active); len(problems) > 0 {
			failed++
			log.Warn(ctx, "batch answer invalid", logger.Any("problems", problems))
		}
	}
	return sent, failed
}

func verifyBatch(ids []int, ts time.Time, preds []Prediction, total int, active string) []string {
	if total != len(ids) || len(preds) != len(ids) {
		return []string{fmt.Sprintf("%d predictions (total %d) for %d segments", len(preds), total, len(ids))}
	}
	var out []string
	for i, id := range ids {
		req := Request{SegmentID: id, Timestamp: ts, Horizon: 1}
		out = append(out, verify(&req, &preds[i], active)...)
	}
	return out
}

func saveOutcomes(path string, outcomes []Outcome) error {
	raw, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}
