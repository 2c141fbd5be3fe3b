// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Interval is a symmetric band around a point estimate.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// PredictionEvent records one served prediction. The service enqueues it
// after every successful predict; workers fan it out to subscribers.
type PredictionEvent struct {
	EventID        string            `json:"event_id"`
	SegmentID      int               `json:"segment_id"`
	Timestamp      time.Time         `json:"timestamp"` // time the prediction is for
	PredictedSpeed float64           `json:"predicted_speed"`
	Interval       Interval          `json:"confidence_interval"`
	ModelUsed      traffic.ModelType `json:"model_used"`
	Horizon        int               `json:"prediction_horizon"`
	Batch          bool              `json:"batch"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewPredictionEvent stamps a fresh id and creation time.
func NewPredictionEvent(segmentID int, ts time.Time, speed float64, band Interval, m traffic.ModelType, horizon int) PredictionEvent {
	return PredictionEvent{
		EventID:        uuid.NewString(),
		SegmentID:      segmentID,
		Timestamp:      ts,
		PredictedSpeed: speed,
		Interval:       band,
		ModelUsed:      m,
		Horizon:        horizon,
		CreatedAt:      time.Now().UTC(),
	}
}
