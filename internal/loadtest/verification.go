package loadtest

import (
	"fmt"
	"math"
	"time"
)

// verify lists every way p fails to answer req. The band must contain the
// estimate and the timestamp must be the hour the horizon lands on.
func verify(req *Request, p *Prediction, activeModel string) []string {
	var out []string
	if p.SegmentID != req.SegmentID {
		out = append(out, fmt.Sprintf("segment_id %d, want %d", p.SegmentID, req.SegmentID))
	}
	if p.Horizon != req.Horizon {
		out = append(out, fmt.Sprintf("prediction_horizon %d, want %d", p.Horizon, req.Horizon))
	}
	if math.IsNaN(p.PredictedSpeed) || math.IsInf(p.PredictedSpeed, 0) {
		out = append(out, "predicted_speed is not finite")
	}
	if p.Interval.Lower > p.PredictedSpeed || p.PredictedSpeed > p.Interval.Upper {
		out = append(out, fmt.Sprintf("predicted_speed %.3f outside [%.3f, %.3f]",
			p.PredictedSpeed, p.Interval.Lower, p.Interval.Upper))
	}
	if activeModel != "" && p.ModelUsed != activeModel {
		out = append(out, fmt.Sprintf("model_used %q, want %q", p.ModelUsed, activeModel))
	}
	want := req.Timestamp.Add(time.Duration(req.Horizon-1) * time.Hour)
	if !p.Timestamp.Equal(want) {
		out = append(out, fmt.Sprintf("timestamp %s, want %s", p.Timestamp.Format(time.RFC3339), want.Format(time.RFC3339)))
	}
	return out
}
