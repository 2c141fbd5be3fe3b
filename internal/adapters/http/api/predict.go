package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/okian/speedcast/internal/app"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/pkg/logger"
)

// naiveLayouts are the ISO-8601 forms accepted without a zone offset, as in
// the CSV source.
var naiveLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// timestamp decodes RFC 3339 or a naive ISO-8601 time. Naive values are read
// in the server's zone. The wall clock is kept as sent: hour and weekday
// features are taken from it.
type timestamp struct{ time.Time }

func (t *timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if v, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp %q is not ISO-8601", s)
}

// dataPoint is one historical reading supplied with a prediction request.
// Flags are derived from hour and day.
type dataPoint struct {
	SegmentID  int        `json:"segment_id"`
	Timestamp  *timestamp `json:"timestamp,omitempty"`
	SpeedMPH   float64    `json:"speed_mph" validate:"gte=0"`
	Hour       int        `json:"hour" validate:"gte=0,lte=23"`
	DayOfWeek  int        `json:"day_of_week" validate:"gte=0,lte=6"`
	IsWeekend  bool       `json:"is_weekend"`
	IsRushHour bool       `json:"is_rush_hour"`
}

type predictRequest struct {
	SegmentID      *int        `json:"segment_id" validate:"required,gte=0"`
	Timestamp      *timestamp  `json:"timestamp,omitempty"`
	HistoricalData []dataPoint `json:"historical_data,omitempty" validate:"omitempty,max=1000,dive"`
	Horizon        int         `json:"prediction_horizon,omitempty" validate:"omitempty,gte=1,lte=24"`
}

func (p predictRequest) toApp() app.PredictRequest {
	req := app.PredictRequest{SegmentID: *p.SegmentID, Horizon: p.Horizon}
	if p.Timestamp != nil {
		req.Timestamp = p.Timestamp.Time
	}
	if len(p.HistoricalData) > 0 {
		req.History = make([]features.Observation, len(p.HistoricalData))
		for i, d := range p.HistoricalData {
			req.History[i] = features.NewObservation(d.SpeedMPH, d.Hour, d.DayOfWeek)
		}
	}
	return req
}

type batchRequest struct {
	SegmentIDs []int      `json:"segment_ids" validate:"required,min=1,max=1000,dive,gte=0"`
	Timestamp  *timestamp `json:"timestamp,omitempty"`
	Horizon    int        `json:"prediction_horizon,omitempty" validate:"omitempty,gte=1,lte=24"`
}

func (b batchRequest) toApp() app.BatchRequest {
	req := app.BatchRequest{SegmentIDs: b.SegmentIDs, Horizon: b.Horizon}
	if b.Timestamp != nil {
		req.Timestamp = b.Timestamp.Time
	}
	return req
}

// PredictHandler serves single and batch predictions.
type PredictHandler struct {
	deps     Dependencies
	validate *validator.Validate
	logger   logger.Logger
}

// HandlePredict handles POST /predict requests.
func (h *PredictHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	const op = "api.predict"
	var req predictRequest
	if err := decodeBody(r, h.validate, &req); err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	p, err := h.deps.Predict(r.Context(), req.toApp())
	if err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleBatch handles POST /predict/batch requests.
func (h *PredictHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	const op = "api.predict_batch"
	var req batchRequest
	if err := decodeBody(r, h.validate, &req); err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	out, err := h.deps.PredictBatch(r.Context(), req.toApp())
	if err != nil {
		writeFailure(r.Context(), h.logger, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
