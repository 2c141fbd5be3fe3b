package scaler_test

import (
	"math/rand"
	"testing"

	"github.com/okian/speedcast/internal/domain/scaler"
	. "github.com/smartystreets/goconvey/convey"
)

func sample(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{rng.Float64()*60 + 5, float64(rng.Intn(24)), float64(rng.Intn(7)), 1}
	}
	return rows
}

func TestRoundTrip(t *testing.T) {
	rows := sample(200, 3)

	for _, fit := range []struct {
		name string
		fn   func([][]float64) (*scaler.Scaler, error)
	}{
		{"standard", scaler.FitStandard},
		{"minmax", scaler.FitMinMax},
	} {
		Convey("Given a fitted "+fit.name+" scaler", t, func() {
			s, err := fit.fn(rows)
			So(err, ShouldBeNil)
			So(s.Dim(), ShouldEqual, 4)

			Convey("inverse(transform(x)) returns x", func() {
				for _, r := range rows {
					z, err := s.Transform(r)
					So(err, ShouldBeNil)
					back, err := s.Inverse(z)
					So(err, ShouldBeNil)
					for j := range r {
						So(back[j], ShouldAlmostEqual, r[j], 1e-9)
					}
				}
			})

			Convey("the constant column is left finite", func() {
				z, _ := s.Transform(rows[0])
				So(z[3], ShouldEqual, 0)
			})

			Convey("state survives a rebuild", func() {
				again, err := scaler.FromState(s.State())
				So(err, ShouldBeNil)
				a, _ := s.Transform(rows[5])
				b, _ := again.Transform(rows[5])
				So(b, ShouldResemble, a)
			})
		})
	}
}

func TestRanges(t *testing.T) {
	Convey("Min-max maps the fitting data onto [0,1]", t, func() {
		s, err := scaler.FitMinMax([][]float64{{10}, {20}, {30}})
		So(err, ShouldBeNil)
		So(s.TransformScalar(10), ShouldEqual, 0)
		So(s.TransformScalar(30), ShouldEqual, 1)
		So(s.TransformScalar(20), ShouldEqual, 0.5)
		So(s.InverseScalar(0.25), ShouldEqual, 15)
	})

	Convey("Standardization uses the population deviation", t, func() {
		s, err := scaler.FitStandard([][]float64{{1}, {3}})
		So(err, ShouldBeNil)
		st := s.State()
		So(st.Shift[0], ShouldEqual, 2)
		So(st.Scale[0], ShouldEqual, 1)
	})
}

func TestErrors(t *testing.T) {
	Convey("Invalid input is rejected", t, func() {
		_, err := scaler.FitStandard(nil)
		So(err, ShouldEqual, scaler.ErrEmptyInput)

		_, err = scaler.FitMinMax([][]float64{{1, 2}, {3}})
		So(err, ShouldWrap, scaler.ErrRaggedColumns)

		s, _ := scaler.FitStandard([][]float64{{1, 2}, {3, 4}})
		_, err = s.Transform([]float64{1})
		So(err, ShouldWrap, scaler.ErrDimension)

		_, err = scaler.FromState(scaler.State{Kind: "robust", Shift: []float64{0}, Scale: []float64{1}})
		So(err, ShouldWrap, scaler.ErrUnknownKind)
		_, err = scaler.FromState(scaler.State{Kind: scaler.KindStandard, Shift: []float64{0}, Scale: []float64{0}})
		So(err, ShouldWrap, scaler.ErrDimension)
	})
}
