// Package loadtest drives a running prediction server with concurrent
// requests and checks every answer it gets back.
package loadtest

import (
	"errors"
	"time"
)

// Config holds the load test settings.
type Config struct {
	BaseURL    string        // server root, e.g. http://localhost:8080
	Requests   int           // single predictions to send
	BatchSize  int           // segments per batch request; 0 skips the batch phase
	Workers    int           // concurrent senders
	MaxHorizon int           // horizons are drawn from 1..MaxHorizon
	History    int           // readings attached to each request; 0 lets the server synthesize
	Segments   []int         // used when the server has no catalog
	Seed       uint64        // request generator seed
	Timeout    time.Duration // per request
	OutputFile string        // optional JSON dump of requests and outcomes
	Verbose    bool
}

// ErrNoSegments is returned when neither the server nor the config names a
// segment to predict.
var ErrNoSegments = errors.New("no segments to predict")

// ErrUnhealthy is returned when the server has no active model.
var ErrUnhealthy = errors.New("server is not healthy")

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = 1
	}
	if c.MaxHorizon > maxHorizon {
		c.MaxHorizon = maxHorizon
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

const (
	maxHorizon     = 24
	maxBatch       = 1000
	defaultTimeout = 10 * time.Second
)

// Reading is one historical observation sent with a request.
type Reading struct {
	SegmentID int     `json:"segment_id"`
	SpeedMPH  float64 `json:"speed_mph"`
	Hour      int     `json:"hour"`
	DayOfWeek int     `json:"day_of_week"`
}

// Request is the body of POST /predict.
type Request struct {
	SegmentID      int       `json:"segment_id"`
	Timestamp      time.Time `json:"timestamp"`
	HistoricalData []Reading `json:"historical_data,omitempty"`
	Horizon        int       `json:"prediction_horizon"`
}

// Interval is the confidence band of a prediction.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Prediction is the server's answer to one request.
type Prediction struct {
	SegmentID      int       `json:"segment_id"`
	Timestamp      time.Time `json:"timestamp"`
	PredictedSpeed float64   `json:"predicted_speed"`
	Interval       Interval  `json:"confidence_interval"`
	ModelUsed      string    `json:"model_used"`
	Horizon        int       `json:"prediction_horizon"`
}

// Outcome records what happened to one request.
type Outcome struct {
	Request    Request       `json:"request"`
	RequestID  string        `json:"request_id"`
	Status     int           `json:"status"`
	Latency    time.Duration `json:"latency"`
	Prediction *Prediction   `json:"prediction,omitempty"`
	Err        string        `json:"error,omitempty"`
	Violations []string      `json:"violations,omitempty"`
}

// Stats summarizes a run.
type Stats struct {
	ActiveModel string
	Segments    int
	Sent        int
	Succeeded   int
	Failed      int
	Invalid     int
	BatchSent   int
	BatchFailed int
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	Duration    time.Duration
}
