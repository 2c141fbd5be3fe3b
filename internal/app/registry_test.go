package app_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/app"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
	"github.com/okian/speedcast/pkg/metrics"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// fakePredictor computes a speed from the window with fn and remembers the
// last window it saw.
type fakePredictor struct {
	typ    traffic.ModelType
	length int
	fn     func(segmentID int, w []features.Observation) (float64, error)

	mu   sync.Mutex
	last []features.Observation
}

func (f *fakePredictor) Type() traffic.ModelType { return f.typ }

func (f *fakePredictor) Predict(_ context.Context, segmentID int, w []features.Observation) (float64, error) {
	f.mu.Lock()
	if f.last == nil {
		f.last = append([]features.Observation(nil), w...)
	}
	f.mu.Unlock()
	return f.fn(segmentID, w)
}

func (f *fakePredictor) firstWindow() []features.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type sequenceFake struct{ *fakePredictor }

func (s sequenceFake) Length() int { return s.length }

func constant(typ traffic.ModelType, v float64) *fakePredictor {
	return &fakePredictor{typ: typ, fn: func(int, []features.Observation) (float64, error) { return v, nil }}
}

func emptyStore(t *testing.T) *repository.FileStore {
	return repository.NewFileStore(t.TempDir())
}

// scrape renders the process metrics in the text exposition format.
func scrape() string {
	w := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	return w.Body.String()
}

var monday10 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given an empty registry", t, func() {
		reg := app.NewRegistry(emptyStore(t))

		Convey("Predict fails with no active model", func() {
			_, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1})
			So(errors.Is(err, app.ErrNoActiveModel), ShouldBeTrue)
			_, err = reg.PredictBatch(ctx, app.BatchRequest{SegmentIDs: []int{1}})
			So(errors.Is(err, app.ErrNoActiveModel), ShouldBeTrue)
		})

		Convey("Missing checkpoints are not fatal", func() {
			So(errors.Is(reg.Load(ctx, traffic.Sequence), app.ErrCheckpointMissing), ShouldBeTrue)
			So(reg.LoadAll(ctx), ShouldBeNil)
			So(reg.Active(), ShouldEqual, traffic.ModelType(""))
			st := reg.Status()
			So(st.Models[traffic.Sequence].Loaded, ShouldBeFalse)
			So(st.Models[traffic.Graph].LastUpdated, ShouldBeNil)
		})

		Convey("Switch rejects unknown and unloaded types", func() {
			_, err := reg.Switch(ctx, "cnn")
			So(errors.Is(err, app.ErrInvalidModelType), ShouldBeTrue)
			_, err = reg.Switch(ctx, "gnn")
			So(errors.Is(err, app.ErrModelNotLoaded), ShouldBeTrue)
		})
	})

	Convey("Given a registry with a sequence model installed", t, func() {
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, constant(traffic.Sequence, 40), app.ModelInfo{RunID: "run-a", Epoch: 4})

		Convey("Installing does not activate it", func() {
			So(reg.Active(), ShouldEqual, traffic.ModelType(""))
			So(reg.Loaded(), ShouldEqual, 1)
		})

		Convey("Switch accepts the lstm alias", func() {
			got, err := reg.Switch(ctx, "LSTM")
			So(err, ShouldBeNil)
			So(got, ShouldEqual, traffic.Sequence)
			So(reg.Active(), ShouldEqual, traffic.Sequence)

			Convey("A failed switch leaves the active model unchanged", func() {
				_, err := reg.Switch(ctx, "graph")
				So(errors.Is(err, app.ErrModelNotLoaded), ShouldBeTrue)
				So(reg.Active(), ShouldEqual, traffic.Sequence)
			})

			Convey("Predictions carry a 10% band", func() {
				p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 3, Timestamp: monday10})
				So(err, ShouldBeNil)
				So(p.PredictedSpeed, ShouldEqual, 40)
				So(p.Interval.Lower, ShouldAlmostEqual, 36, 1e-9)
				So(p.Interval.Upper, ShouldAlmostEqual, 44, 1e-9)
				So(p.ModelUsed, ShouldEqual, traffic.Sequence)
				So(p.Horizon, ShouldEqual, 1)
				So(p.Timestamp, ShouldEqual, monday10)
			})

			Convey("Reinstalling the active type serves the new weights", func() {
				reg.Install(ctx, constant(traffic.Sequence, 12), app.ModelInfo{RunID: "run-b"})
				p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 3})
				So(err, ShouldBeNil)
				So(p.PredictedSpeed, ShouldEqual, 12)
				So(reg.Status().Models[traffic.Sequence].RunID, ShouldEqual, "run-b")
			})
		})

		Convey("Status reports the metadata", func() {
			st := reg.Status()
			So(st.Models[traffic.Sequence].Loaded, ShouldBeTrue)
			So(st.Models[traffic.Sequence].RunID, ShouldEqual, "run-a")
			So(st.Models[traffic.Sequence].Epoch, ShouldEqual, 4)
			So(st.Models[traffic.Sequence].LastUpdated, ShouldNotBeNil)
			So(st.Models[traffic.Graph].Loaded, ShouldBeFalse)
		})
	})
}

func TestRegistry_Windows(t *testing.T) {
	ctx := context.Background()

	Convey("Given an active sequence model with a 24 step window", t, func() {
		fake := &fakePredictor{typ: traffic.Sequence, length: 24, fn: func(_ int, w []features.Observation) (float64, error) {
			return w[len(w)-1].Speed + 1, nil
		}}
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, sequenceFake{fake}, app.ModelInfo{})
		_, err := reg.Switch(ctx, "sequence")
		So(err, ShouldBeNil)

		Convey("Without history the window is synthesized backward from the timestamp", func() {
			_, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Timestamp: monday10})
			So(err, ShouldBeNil)
			w := fake.firstWindow()
			So(len(w), ShouldEqual, 24)
			// Sunday 10:00 is a weekend hour.
			So(w[0].Hour, ShouldEqual, 10)
			So(w[0].DayOfWeek, ShouldEqual, 6)
			So(w[0].Speed, ShouldAlmostEqual, features.DefaultSpeed*features.WeekendFactor, 1e-9)
			// Monday 09:00 is a rush hour.
			So(w[23].Hour, ShouldEqual, 9)
			So(w[23].IsRushHour, ShouldBeTrue)
			So(w[23].Speed, ShouldAlmostEqual, features.DefaultSpeed*features.RushHourFactor, 1e-9)
		})

		Convey("Short history is left-padded with its mean", func() {
			history := []features.Observation{features.NewObservation(30, 8, 0), features.NewObservation(40, 9, 0)}
			p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, History: history})
			So(err, ShouldBeNil)
			So(p.PredictedSpeed, ShouldEqual, 41)
			w := fake.firstWindow()
			So(len(w), ShouldEqual, 24)
			So(w[0].Speed, ShouldEqual, 35)
			So(w[0].Hour, ShouldEqual, features.NeutralHour)
			So(w[0].DayOfWeek, ShouldEqual, features.NeutralDay)
			So(w[22].Speed, ShouldEqual, 30)
		})

		Convey("A horizon rolls predictions back into the window", func() {
			history := []features.Observation{features.NewObservation(50, 22, 2)}
			p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Timestamp: monday10, History: history, Horizon: 3})
			So(err, ShouldBeNil)
			So(p.PredictedSpeed, ShouldEqual, 53)
			So(p.Horizon, ShouldEqual, 3)
			So(p.Timestamp, ShouldEqual, monday10.Add(2*time.Hour))
		})

		Convey("Out of range horizons are rejected", func() {
			_, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Horizon: 25})
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)
			_, err = reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Horizon: -1})
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("A cancelled context stops the forward pass", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := reg.Predict(cctx, app.PredictRequest{SegmentID: 1})
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})

		Convey("A batch shares one timestamp", func() {
			out, err := reg.PredictBatch(ctx, app.BatchRequest{SegmentIDs: []int{4, 5, 6}, Timestamp: monday10})
			So(err, ShouldBeNil)
			So(out.TotalSegments, ShouldEqual, 3)
			So(len(out.Predictions), ShouldEqual, 3)
			So(out.Timestamp, ShouldEqual, monday10)
			So(out.Predictions[2].SegmentID, ShouldEqual, 6)
			So(out.Predictions[0].Timestamp, ShouldEqual, monday10)

			_, err = reg.PredictBatch(ctx, app.BatchRequest{})
			So(errors.Is(err, app.ErrInvalidRequest), ShouldBeTrue)
		})
	})

	Convey("Given a graph model that does not know a segment", t, func() {
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, &fakePredictor{typ: traffic.Graph, fn: func(id int, _ []features.Observation) (float64, error) {
			if id != 1 {
				return 0, fmt.Errorf("%w: %d", features.ErrUnknownSegment, id)
			}
			return 20, nil
		}}, app.ModelInfo{})
		_, err := reg.Switch(ctx, "gnn")
		So(err, ShouldBeNil)

		Convey("The error maps to ErrUnknownSegment", func() {
			_, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 9})
			So(errors.Is(err, app.ErrUnknownSegment), ShouldBeTrue)
			p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1})
			So(err, ShouldBeNil)
			So(p.ModelUsed, ShouldEqual, traffic.Graph)
		})
	})
}

func TestRegistry_SwitchIsAtomic(t *testing.T) {
	ctx := context.Background()

	Convey("Given two models that return distinct speeds", t, func() {
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, constant(traffic.Sequence, 1), app.ModelInfo{})
		reg.Install(ctx, constant(traffic.Graph, 2), app.ModelInfo{})
		_, err := reg.Switch(ctx, "sequence")
		So(err, ShouldBeNil)

		Convey("Concurrent predictions always report the model that served them", func() {
			var wg sync.WaitGroup
			var mismatches sync.Map
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 200; i++ {
						p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1})
						if err != nil {
							mismatches.Store(err.Error(), true)
							continue
						}
						want := 1.0
						if p.ModelUsed == traffic.Graph {
							want = 2
						}
						if p.PredictedSpeed != want {
							mismatches.Store(fmt.Sprintf("%s served %v", p.ModelUsed, p.PredictedSpeed), true)
						}
					}
				}()
			}
			for i := 0; i < 200; i++ {
				name := "graph"
				if i%2 == 0 {
					name = "sequence"
				}
				_, _ = reg.Switch(ctx, name)
			}
			wg.Wait()

			count := 0
			mismatches.Range(func(_, _ any) bool { count++; return true })
			So(count, ShouldEqual, 0)
		})
	})
}

func TestRegistry_InstallDuringSwitch(t *testing.T) {
	ctx := context.Background()

	Convey("Given an active sequence model being replaced while switches run", t, func() {
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, constant(traffic.Sequence, 0), app.ModelInfo{RunID: "run-0"})
		_, err := reg.Switch(ctx, "sequence")
		So(err, ShouldBeNil)

		const rounds = 300
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 1; i <= rounds; i++ {
				reg.Install(ctx, constant(traffic.Sequence, float64(i)), app.ModelInfo{RunID: fmt.Sprintf("run-%d", i)})
			}
		}()
		go func() {
			defer wg.Done()
			for range rounds {
				_, _ = reg.Switch(ctx, "sequence")
			}
		}()
		wg.Wait()

		Convey("The last installed snapshot is the one serving", func() {
			p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Timestamp: monday10})
			So(err, ShouldBeNil)
			So(p.PredictedSpeed, ShouldEqual, rounds)
			So(reg.Status().Models[traffic.Sequence].RunID, ShouldEqual, fmt.Sprintf("run-%d", rounds))
		})
	})
}

func TestRegistry_LoadedGauge(t *testing.T) {
	ctx := context.Background()

	Convey("Given a sequence model installed by hand", t, func() {
		reg := app.NewRegistry(emptyStore(t))
		reg.Install(ctx, constant(traffic.Sequence, 30), app.ModelInfo{RunID: "run-live"})
		So(scrape(), ShouldContainSubstring, `speedcast_model_loaded{model="sequence"} 1`)

		Convey("A missing checkpoint does not mark it unloaded", func() {
			So(errors.Is(reg.Load(ctx, traffic.Sequence), app.ErrCheckpointMissing), ShouldBeTrue)
			So(reg.Status().Models[traffic.Sequence].Loaded, ShouldBeTrue)
			So(scrape(), ShouldContainSubstring, `speedcast_model_loaded{model="sequence"} 1`)
		})

		Convey("A missing checkpoint of an absent type clears its gauge", func() {
			So(errors.Is(reg.Load(ctx, traffic.Graph), app.ErrCheckpointMissing), ShouldBeTrue)
			So(scrape(), ShouldContainSubstring, `speedcast_model_loaded{model="graph"} 0`)
		})
	})
}

func TestRegistry_LoadFromCheckpoint(t *testing.T) {
	ctx := context.Background()

	Convey("Given a sequence checkpoint on disk", t, func() {
		store := repository.NewFileStore(t.TempDir())
		m, err := models.NewSequenceModel(models.SequenceConfig{
			InputSize: 5, Hidden: 4, Layers: 1, Heads: 2, Seed: 7, SeqLength: 6, OutputSize: 1,
		})
		So(err, ShouldBeNil)
		inputs, err := scaler.FitStandard([][]float64{{10, 0, 0, 0, 0}, {40, 23, 6, 1, 1}})
		So(err, ShouldBeNil)
		target, err := scaler.FitMinMax([][]float64{{5}, {65}})
		So(err, ShouldBeNil)
		cp, err := repository.SequenceCheckpoint(m, inputs, target)
		So(err, ShouldBeNil)
		cp.RunID = "run-disk"
		cp.Epoch = 11
		So(store.Save(ctx, repository.KindFinal, cp), ShouldBeNil)

		reg := app.NewRegistry(store, app.WithDefaultModel(traffic.Graph))

		Convey("LoadAll falls back to the type that loaded", func() {
			So(reg.LoadAll(ctx), ShouldBeNil)
			So(reg.Active(), ShouldEqual, traffic.Sequence)
			st := reg.Status()
			So(st.ActiveModel, ShouldEqual, traffic.Sequence)
			So(st.Models[traffic.Sequence].RunID, ShouldEqual, "run-disk")
			So(st.Models[traffic.Sequence].Epoch, ShouldEqual, 11)

			p, err := reg.Predict(ctx, app.PredictRequest{SegmentID: 1, Timestamp: monday10, Horizon: 2})
			So(err, ShouldBeNil)
			So(p.PredictedSpeed, ShouldBeBetween, -1000, 1000)
			So(p.Interval.Lower, ShouldBeLessThanOrEqualTo, p.Interval.Upper)
		})

		Convey("A corrupt checkpoint is a load error", func() {
			cp.Weights["fc1.weight"] = cp.Weights["fc2.weight"]
			So(store.Save(ctx, repository.KindFinal, cp), ShouldBeNil)
			err := reg.LoadAll(ctx)
			So(errors.Is(err, repository.ErrCorruptCheckpoint), ShouldBeTrue)
			So(reg.Active(), ShouldEqual, traffic.ModelType(""))
		})
	})
}
