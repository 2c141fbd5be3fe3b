package models_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/okian/speedcast/internal/domain/dataset"
	"github.com/okian/speedcast/internal/domain/features"
	"github.com/okian/speedcast/internal/domain/models"
	"github.com/okian/speedcast/internal/domain/scaler"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/internal/nn"
	. "github.com/smartystreets/goconvey/convey"
)

func smallSequenceConfig() models.SequenceConfig {
	cfg := models.DefaultSequenceConfig()
	cfg.Hidden, cfg.Heads, cfg.SeqLength = 8, 2, 4
	return cfg
}

func smallGraphConfig() models.GraphConfig {
	cfg := models.DefaultGraphConfig()
	cfg.Hidden, cfg.Heads, cfg.Layers = 8, 2, 2
	return cfg
}

func window(n int, speed float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{speed + float64(i)*0.1, float64(i%24) / 24, 0.2, 0, 1}
	}
	return out
}

func testAdjacency() *features.Adjacency {
	adj, err := features.BuildAdjacency([]traffic.Segment{
		{ID: 1, StartLat: 41.000, StartLon: -87.0, EndLat: 41.001, EndLon: -87.0},
		{ID: 2, StartLat: 41.004, StartLon: -87.0, EndLat: 41.005, EndLon: -87.0},
		{ID: 3, StartLat: 41.500, StartLon: -87.0, EndLat: 41.501, EndLon: -87.0},
	})
	So(err, ShouldBeNil)
	return adj
}

func TestSequenceModel(t *testing.T) {
	Convey("Given a small sequence model", t, func() {
		m, err := models.NewSequenceModel(smallSequenceConfig())
		So(err, ShouldBeNil)

		Convey("A batch maps to one output per window", func() {
			out, err := m.PredictNormalized([][][]float64{window(4, 0.1), window(4, -0.3), window(4, 0.8)})
			So(err, ShouldBeNil)
			So(out, ShouldHaveLength, 3)
		})

		Convey("Evaluation is deterministic and seeds reproduce weights", func() {
			a, _ := m.PredictNormalized([][][]float64{window(4, 0.5)})
			b, _ := m.PredictNormalized([][][]float64{window(4, 0.5)})
			So(a, ShouldResemble, b)

			twin, _ := models.NewSequenceModel(smallSequenceConfig())
			c, _ := twin.PredictNormalized([][][]float64{window(4, 0.5)})
			So(c, ShouldResemble, a)
		})

		Convey("Ragged batches and empty batches are rejected", func() {
			_, err := m.PredictNormalized([][][]float64{window(4, 0), window(3, 0)})
			So(err, ShouldWrap, models.ErrWindowLength)
			_, err = m.PredictNormalized(nil)
			So(err, ShouldEqual, models.ErrEmptyBatch)
		})

		Convey("A few Adam steps reduce the training loss", func() {
			batch := []dataset.Sequence{
				{Inputs: window(4, 0.1), Target: 0.2},
				{Inputs: window(4, 0.9), Target: 0.8},
			}
			opt := nn.NewAdam(m.Params().Trainable(), 0.01)
			first, last := 0.0, 0.0
			for step := 0; step < 60; step++ {
				opt.ZeroGrad()
				tp := nn.NewTape(true, nil)
				loss, err := m.Loss(tp, batch)
				So(err, ShouldBeNil)
				So(tp.Backward(loss), ShouldBeNil)
				opt.Step()
				if step == 0 {
					first = loss.Item()
				}
				last = loss.Item()
			}
			So(last, ShouldBeLessThan, first)
		})
	})

	Convey("Invalid architectures are rejected", t, func() {
		cfg := smallSequenceConfig()
		cfg.Heads = 3
		_, err := models.NewSequenceModel(cfg)
		So(err, ShouldWrap, models.ErrInvalidConfig)

		cfg = smallSequenceConfig()
		cfg.Dropout = 1
		_, err = models.NewSequenceModel(cfg)
		So(err, ShouldWrap, models.ErrInvalidConfig)
	})
}

func TestGraphModel(t *testing.T) {
	Convey("Given a small graph model over three segments", t, func() {
		adj := testAdjacency()
		So(adj.Edges, ShouldHaveLength, 1)
		m, err := models.NewGraphModel(smallGraphConfig(), adj)
		So(err, ShouldBeNil)
		So(m.Nodes(), ShouldEqual, 3)

		nodes := [][]float64{
			{0.1, 0.2, 0.3, 0, 1, -1},
			{0.5, 0.2, 0.3, 0, 1, -1},
			{-0.4, 0.2, 0.3, 0, -1, 1},
		}

		Convey("Each node gets one output", func() {
			out, err := m.PredictNormalized(nodes)
			So(err, ShouldBeNil)
			So(out, ShouldHaveLength, 3)
			for _, v := range out {
				So(math.IsNaN(v), ShouldBeFalse)
			}
		})

		Convey("Edge affinity falls linearly with distance", func() {
			nb := models.Neighborhood(adj)
			So(nb.Nbrs[0], ShouldResemble, []int{0, 1})
			So(nb.Affinity[0][1], ShouldAlmostEqual, 1-0.004/0.01, 1e-9)
			So(nb.Nbrs[2], ShouldResemble, []int{2})
		})

		Convey("Snapshots of the wrong size are rejected", func() {
			_, err := m.PredictNormalized(nodes[:2])
			So(err, ShouldWrap, models.ErrInvalidConfig)
		})

		Convey("Training reduces the node loss", func() {
			batch := []dataset.Snapshot{{Nodes: nodes, Targets: []float64{0.2, 0.6, 0.9}}}
			opt := nn.NewAdam(m.Params().Trainable(), 0.01)
			first, last := 0.0, 0.0
			for step := 0; step < 60; step++ {
				opt.ZeroGrad()
				tp := nn.NewTape(true, nil)
				loss, err := m.Loss(tp, batch)
				So(err, ShouldBeNil)
				So(tp.Backward(loss), ShouldBeNil)
				opt.Step()
				if step == 0 {
					first = loss.Item()
				}
				last = loss.Item()
			}
			So(last, ShouldBeLessThan, first)
		})
	})

	Convey("A single-node graph skips batch norm", t, func() {
		adj, err := features.BuildAdjacency([]traffic.Segment{{ID: 7, StartLat: 1, StartLon: 1}})
		So(err, ShouldBeNil)
		m, err := models.NewGraphModel(smallGraphConfig(), adj)
		So(err, ShouldBeNil)
		tp := nn.NewTape(true, nil)
		loss, err := m.Loss(tp, []dataset.Snapshot{{Nodes: [][]float64{{0, 0, 0, 0, 0, 0}}, Targets: []float64{0.5}}})
		So(err, ShouldBeNil)
		So(math.IsNaN(loss.Item()), ShouldBeFalse)
	})
}

func TestPredictors(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

	Convey("Given fitted scalers", t, func() {
		seqScaler, err := scaler.FitStandard([][]float64{{20, 0, 0, 0, 0}, {40, 23, 6, 1, 1}})
		So(err, ShouldBeNil)
		graphScaler, err := scaler.FitStandard([][]float64{{20, 0, 0, 0, 41, -87}, {40, 23, 6, 1, 41.5, -86}})
		So(err, ShouldBeNil)
		target, err := scaler.FitMinMax([][]float64{{10}, {60}})
		So(err, ShouldBeNil)

		obs, err := features.SynthesizeWindow(ts, 4, 30, 0, nil)
		So(err, ShouldBeNil)

		Convey("The sequence predictor denormalizes into the target range scale", func() {
			m, _ := models.NewSequenceModel(smallSequenceConfig())
			p, err := models.NewSequencePredictor(m, seqScaler, target, features.SequenceColumns)
			So(err, ShouldBeNil)
			So(p.Type(), ShouldEqual, traffic.Sequence)

			speed, err := p.Predict(ctx, 1, obs)
			So(err, ShouldBeNil)
			raw, _ := m.PredictNormalized([][][]float64{mustScale(seqScaler, obs, features.SequenceColumns)})
			So(speed, ShouldAlmostEqual, target.InverseScalar(raw[0]), 1e-9)

			_, err = p.Predict(ctx, 1, obs[:3])
			So(err, ShouldWrap, models.ErrWindowLength)
		})

		Convey("The graph predictor answers only for known segments", func() {
			adj := testAdjacency()
			m, _ := models.NewGraphModel(smallGraphConfig(), adj)
			p, err := models.NewGraphPredictor(m, adj, graphScaler, target, features.GraphColumns)
			So(err, ShouldBeNil)
			So(p.Type(), ShouldEqual, traffic.Graph)

			speed, err := p.Predict(ctx, 2, obs)
			So(err, ShouldBeNil)
			So(math.IsNaN(speed), ShouldBeFalse)

			_, err = p.Predict(ctx, 99, obs)
			So(err, ShouldWrap, features.ErrUnknownSegment)
		})

		Convey("Mismatched scalers are rejected", func() {
			m, _ := models.NewSequenceModel(smallSequenceConfig())
			_, err := models.NewSequencePredictor(m, graphScaler, target, features.SequenceColumns)
			So(err, ShouldWrap, models.ErrInvalidConfig)
		})

		Convey("A cancelled context stops prediction", func() {
			m, _ := models.NewSequenceModel(smallSequenceConfig())
			p, _ := models.NewSequencePredictor(m, seqScaler, target, features.SequenceColumns)
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := p.Predict(cctx, 1, obs)
			So(err, ShouldEqual, context.Canceled)
		})
	})
}

func mustScale(s *scaler.Scaler, obs []features.Observation, cols []features.Column) [][]float64 {
	out := make([][]float64, len(obs))
	for i, o := range obs {
		v, err := s.Transform(o.Vector(cols))
		So(err, ShouldBeNil)
		out[i] = v
	}
	return out
}
