package features

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/okian/speedcast/internal/domain/traffic"
)

// Synthesis multipliers applied to the base speed.
const (
	RushHourFactor = 0.7
	WeekendFactor  = 1.1
)

// PadWindow returns exactly length observations. Longer input keeps the last
// length points; shorter input is left-padded with the mean speed of the
// supplied points (DefaultSpeed when there are none) and neutral time features.
func PadWindow(points []Observation, length int) ([]Observation, error) {
	if length <= 0 {
		return nil, ErrInvalidWindowSize
	}
	if len(points) >= length {
		out := make([]Observation, length)
		copy(out, points[len(points)-length:])
		return out, nil
	}

	fill := DefaultSpeed
	if len(points) > 0 {
		speeds := make([]float64, len(points))
		for i, p := range points {
			speeds[i] = p.Speed
		}
		fill = stat.Mean(speeds, nil)
	}

	out := make([]Observation, 0, length)
	for i := 0; i < length-len(points); i++ {
		out = append(out, Observation{Speed: fill, Hour: NeutralHour, DayOfWeek: NeutralDay})
	}
	return append(out, points...), nil
}

// SynthesizeWindow builds length hourly observations ending one hour before ts.
// Each step takes hour and day from its own time, scales base by the rush-hour
// and weekend factors, then adds uniform noise in [-noise, +noise]. A nil rng
// or non-positive noise yields a deterministic window.
func SynthesizeWindow(ts time.Time, length int, base, noise float64, rng *rand.Rand) ([]Observation, error) {
	if length <= 0 {
		return nil, ErrInvalidWindowSize
	}
	out := make([]Observation, length)
	for i := range out {
		t := ts.Add(-time.Duration(length-i) * time.Hour)
		o := NewObservation(base, t.Hour(), traffic.DayOfWeek(t))
		if o.IsRushHour {
			o.Speed *= RushHourFactor
		}
		if o.IsWeekend {
			o.Speed *= WeekendFactor
		}
		if noise > 0 && rng != nil {
			o.Speed += (rng.Float64()*2 - 1) * noise
		}
		out[i] = o
	}
	return out, nil
}

// Advance returns the observation one hour after prev carrying speed.
func Advance(prev Observation, speed float64) Observation {
	hour := prev.Hour + 1
	day := prev.DayOfWeek
	if hour == 24 {
		hour = 0
		day = (day + 1) % 7
	}
	o := NewObservation(speed, hour, day)
	o.Lat, o.Lon = prev.Lat, prev.Lon
	return o
}
