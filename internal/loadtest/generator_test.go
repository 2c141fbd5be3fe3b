package loadtest

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGenerate(t *testing.T) {
	Convey("Given a seeded configuration", t, func() {
		cfg := &Config{MaxHorizon: 6, History: 3, Seed: 11}
		start := time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)

		a := generate(cfg, []int{1, 2}, start, 20)
		b := generate(cfg, []int{1, 2}, start, 20)

		Convey("Then the requests are reproducible", func() {
			So(a, ShouldResemble, b)
		})

		Convey("And each request stays in range", func() {
			for _, r := range a {
				So(r.SegmentID, ShouldBeIn, 1, 2)
				So(r.Horizon, ShouldBeBetweenOrEqual, 1, 6)
				So(r.Timestamp.Minute(), ShouldEqual, 0)
				So(len(r.HistoricalData), ShouldEqual, 3)
				last := r.HistoricalData[2]
				So(last.Hour, ShouldEqual, r.Timestamp.Add(-time.Hour).Hour())
				So(last.SegmentID, ShouldEqual, r.SegmentID)
			}
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given a request", t, func() {
		ts := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
		req := &Request{SegmentID: 3, Timestamp: ts, Horizon: 2}
		good := Prediction{
			SegmentID: 3, Timestamp: ts.Add(time.Hour), PredictedSpeed: 30,
			Interval: Interval{Lower: 27, Upper: 33}, ModelUsed: "sequence", Horizon: 2,
		}

		Convey("A matching answer passes", func() {
			So(verify(req, &good, "sequence"), ShouldBeEmpty)
		})

		Convey("Each mismatch is reported", func() {
			bad := good
			bad.SegmentID, bad.Horizon, bad.Timestamp = 4, 1, ts
			bad.Interval.Upper = 29
			So(len(verify(req, &bad, "graph")), ShouldEqual, 5)
		})
	})
}
