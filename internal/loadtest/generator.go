package loadtest

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Speed profile of generated history, in mph.
const (
	baseSpeed     = 35.0
	dailySwing    = 12.0
	readingJitter = 4.0
	weekHours     = 7 * 24
)

// generate builds n requests over segments. Requests target hours of the
// week following start, so the set is reproducible for a given seed.
func generate(cfg *Config, segments []int, start time.Time, n int) []Request {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	start = start.UTC().Truncate(time.Hour)

	out := make([]Request, n)
	for i := range out {
		seg := segments[rng.IntN(len(segments))]
		ts := start.Add(time.Duration(rng.IntN(weekHours)) * time.Hour)
		out[i] = Request{
			SegmentID: seg,
			Timestamp: ts,
			Horizon:   1 + rng.IntN(cfg.MaxHorizon),
		}
		if cfg.History > 0 {
			out[i].HistoricalData = history(rng, seg, ts, cfg.History)
		}
	}
	return out
}

// history returns k hourly readings ending the hour before ts, following a
// daily cycle with jitter.
func history(rng *rand.Rand, seg int, ts time.Time, k int) []Reading {
	out := make([]Reading, k)
	for j := range out {
		at := ts.Add(-time.Duration(k-j) * time.Hour)
		speed := baseSpeed + dailySwing*math.Sin(2*math.Pi*float64(at.Hour())/24) + readingJitter*(rng.Float64()*2-1)
		out[j] = Reading{
			SegmentID: seg,
			SpeedMPH:  math.Max(0, math.Round(speed*10)/10),
			Hour:      at.Hour(),
			DayOfWeek: traffic.DayOfWeek(at),
		}
	}
	return out
}
