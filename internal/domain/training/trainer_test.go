package training_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/okian/speedcast/internal/domain/training"
	"github.com/okian/speedcast/internal/nn"
	. "github.com/smartystreets/goconvey/convey"
)

// scripted fits one scalar to the training targets and reports a fixed
// validation loss per epoch.
type scripted struct {
	ps    *nn.ParamSet
	w     *nn.Tensor
	val   []float64
	calls int
}

func newScripted(val ...float64) *scripted {
	ps := nn.NewParamSet()
	w := ps.Add("w", nn.Param(1, 1, []float64{0}))
	return &scripted{ps: ps, w: w, val: val}
}

func (s *scripted) Params() *nn.ParamSet { return s.ps }

func (s *scripted) Loss(tp *nn.Tape, batch []float64) (*nn.Tensor, error) {
	if !tp.Training() {
		v := s.val[min(s.calls, len(s.val)-1)]
		s.calls++
		return nn.New(1, 1, []float64{v}), nil
	}
	rows := make([]*nn.Tensor, len(batch))
	for i := range rows {
		rows[i] = s.w
	}
	return tp.MSE(tp.ConcatRows(rows...), batch), nil
}

type recorder struct {
	best    []int
	final   int
	failAt  int
	lastRep *training.Report
}

func (r *recorder) SaveBest(_ context.Context, e training.Epoch) error {
	if e.Number == r.failAt {
		return errors.New("disk full")
	}
	r.best = append(r.best, e.Number)
	return nil
}

func (r *recorder) SaveFinal(_ context.Context, rep *training.Report) error {
	r.final++
	r.lastRep = rep
	return nil
}

func cfg(epochs, patience int) training.Config {
	c := training.DefaultSequenceConfig()
	c.Epochs, c.Patience, c.BatchSize = epochs, patience, 2
	c.LearningRate = 0.1
	return c
}

func TestTrainer(t *testing.T) {
	ctx := context.Background()
	train := []float64{1, 1, 1, 1}
	val := []float64{0}

	Convey("Early stopping halts at best epoch plus patience", t, func() {
		l := newScripted(5, 4, 3, 3.5, 3.2, 3.1, 2.0)
		rec := &recorder{}
		var weightAtBest float64
		tr, err := training.New[float64]("scripted", l,
			training.WithConfig(cfg(50, 3)),
			training.WithCheckpointer(rec),
			training.WithEpochHook(func(e training.Epoch) {
				if e.Improved {
					weightAtBest = l.w.Data[0]
				}
			}),
		)
		So(err, ShouldBeNil)
		So(tr.State(), ShouldEqual, training.StateInit)

		rep, err := tr.Run(ctx, train, val)
		So(err, ShouldBeNil)
		So(rep.EpochsRun, ShouldEqual, 6)
		So(rep.BestEpoch, ShouldEqual, 3)
		So(rep.BestValLoss, ShouldEqual, 3)
		So(rep.ValLosses, ShouldResemble, []float64{5, 4, 3, 3.5, 3.2, 3.1})
		So(rep.TrainLosses, ShouldHaveLength, 6)
		So(rep.LearningRates, ShouldHaveLength, 6)
		So(rep.RunID, ShouldNotBeEmpty)

		So(rec.best, ShouldResemble, []int{1, 2, 3})
		So(rec.final, ShouldEqual, 1)
		So(rep.State, ShouldEqual, training.StateSaved)
		So(tr.State(), ShouldEqual, training.StateSaved)

		// Weights from epoch 3 are restored after three more updates.
		So(l.w.Data[0], ShouldEqual, weightAtBest)
	})

	Convey("Without a checkpointer a full run ends exhausted", t, func() {
		l := newScripted(4, 3, 2, 1)
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(4, 3)))
		rep, err := tr.Run(ctx, train, val)
		So(err, ShouldBeNil)
		So(rep.State, ShouldEqual, training.StateEpochsExhausted)
		So(rep.BestEpoch, ShouldEqual, 4)
	})

	Convey("Training moves the weight toward the targets", t, func() {
		l := newScripted(1)
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(30, 100)))
		rep, err := tr.Run(ctx, train, nil)
		So(err, ShouldBeNil)
		// Empty validation monitors the training loss.
		So(rep.ValLosses, ShouldResemble, rep.TrainLosses)
		So(rep.BestEpoch, ShouldBeGreaterThan, 1)
		So(rep.BestValLoss, ShouldBeLessThan, rep.TrainLosses[0])
		So(math.Abs(l.w.Data[0]-1), ShouldBeLessThan, 1)
	})

	Convey("A non-finite validation loss diverges without checkpointing", t, func() {
		l := newScripted(2, math.NaN())
		rec := &recorder{}
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(10, 3)), training.WithCheckpointer(rec))
		rep, err := tr.Run(ctx, train, val)
		So(errors.Is(err, training.ErrDiverged), ShouldBeTrue)
		So(rep.State, ShouldEqual, training.StateDiverged)
		So(rec.best, ShouldResemble, []int{1})
		So(rec.final, ShouldEqual, 0)
	})

	Convey("A non-finite training loss diverges in the first epoch", t, func() {
		l := newScripted(1)
		rec := &recorder{}
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(10, 3)), training.WithCheckpointer(rec))
		rep, err := tr.Run(ctx, []float64{math.Inf(1), 1}, val)
		So(err, ShouldWrap, training.ErrDiverged)
		So(rec.best, ShouldBeEmpty)
		So(tr.State(), ShouldEqual, training.StateDiverged)

		Convey("And its report still encodes, with a null best loss", func() {
			raw, err := json.Marshal(rep)
			So(err, ShouldBeNil)
			So(string(raw), ShouldContainSubstring, `"best_val_loss":null`)

			var back training.Report
			So(json.Unmarshal(raw, &back), ShouldBeNil)
			So(math.IsInf(back.BestValLoss, 1), ShouldBeTrue)
			So(back.State, ShouldEqual, training.StateDiverged)
		})
	})

	Convey("A failing best checkpoint aborts the run", t, func() {
		l := newScripted(3, 2, 1)
		rec := &recorder{failAt: 2}
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(10, 3)), training.WithCheckpointer(rec))
		_, err := tr.Run(ctx, train, val)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "disk full")
	})

	Convey("Cancellation stops between batches", t, func() {
		l := newScripted(1)
		tr, _ := training.New[float64]("scripted", l, training.WithConfig(cfg(10, 3)))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		rep, err := tr.Run(cctx, train, val)
		So(err, ShouldEqual, context.Canceled)
		So(rep.EpochsRun, ShouldEqual, 0)
	})

	Convey("Bad inputs are rejected", t, func() {
		_, err := training.New[float64]("scripted", newScripted(1), training.WithConfig(training.Config{}))
		So(err, ShouldWrap, training.ErrInvalidConfig)

		tr, _ := training.New[float64]("scripted", newScripted(1))
		_, err = tr.Run(ctx, nil, val)
		So(err, ShouldEqual, training.ErrNoTrainingData)
	})

	Convey("MeanLoss weights batches by size", t, func() {
		l := newScripted(2, 4)
		v, err := training.MeanLoss[float64](l, []float64{0, 0, 0}, 2)
		So(err, ShouldBeNil)
		So(v, ShouldAlmostEqual, (2*2+4*1)/3.0, 1e-12)
	})
}
