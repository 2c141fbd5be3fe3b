package source_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okian/speedcast/internal/adapters/source"
	. "github.com/smartystreets/goconvey/convey"
)

const trafficCSV = `segment_id,timestamp,hour,day_of_week,month,speed_mph,start_lat,start_lon,end_lat,end_lon,is_weekend,is_rush_hour
1,2024-03-04T08:00:00Z,8,0,3,21.5,41.88,-87.63,41.89,-87.62,False,True
1,2024-03-04 09:00:00,9,0,3,24.0,41.88,-87.63,41.89,-87.62,,
2,2024-03-09T12:00:00,12,5,3.0,30,41.90,-87.64,41.91,-87.65,,
`

func TestReadRecords(t *testing.T) {
	ctx := context.Background()

	Convey("Given a well-formed traffic csv", t, func() {
		recs, err := source.ReadRecords(ctx, strings.NewReader(trafficCSV))
		So(err, ShouldBeNil)
		So(len(recs), ShouldEqual, 3)

		Convey("All three timestamp layouts parse as UTC", func() {
			So(recs[0].Timestamp, ShouldEqual, time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC))
			So(recs[1].Timestamp, ShouldEqual, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
			So(recs[2].Timestamp.Location(), ShouldEqual, time.UTC)
		})

		Convey("Explicit flags are kept and blank flags are derived", func() {
			So(recs[0].IsRushHour, ShouldBeTrue)
			So(recs[0].IsWeekend, ShouldBeFalse)
			So(recs[1].IsRushHour, ShouldBeTrue)
			So(recs[2].IsWeekend, ShouldBeTrue)
			So(recs[2].IsRushHour, ShouldBeFalse)
		})

		Convey("Numeric fields are typed", func() {
			So(recs[2].Month, ShouldEqual, 3)
			So(recs[0].Speed, ShouldEqual, 21.5)
			So(recs[2].EndLon, ShouldEqual, -87.65)
		})
	})

	Convey("Columns are resolved by name, not position", t, func() {
		in := "speed_mph,segment_id,end_lon,end_lat,start_lon,start_lat,month,day_of_week,hour,timestamp\n" +
			"18,4,-87.1,41.1,-87.0,41.0,1,2,17,2024-01-03T17:00:00\n"
		recs, err := source.ReadRecords(ctx, strings.NewReader(in))
		So(err, ShouldBeNil)
		So(recs[0].SegmentID, ShouldEqual, 4)
		So(recs[0].Speed, ShouldEqual, 18)
		So(recs[0].IsRushHour, ShouldBeTrue)
	})

	Convey("Schema violations fail fast and name the line and column", t, func() {
		cases := []struct {
			name, csv, column, line string
		}{
			{"missing column", "segment_id,timestamp\n1,2024-01-01T00:00:00\n", "hour", "line 1"},
			{"bad hour", strings.Replace(trafficCSV, ",9,0,3,24.0", ",24,0,3,24.0", 1), "hour", "line 3"},
			{"bad day", strings.Replace(trafficCSV, ",12,5,3.0", ",12,7,3.0", 1), "day_of_week", "line 4"},
			{"bad speed", strings.Replace(trafficCSV, "21.5", "fast", 1), "speed_mph", "line 2"},
			{"negative speed", strings.Replace(trafficCSV, "21.5", "-1", 1), "speed_mph", "line 2"},
			{"bad timestamp", strings.Replace(trafficCSV, "2024-03-04 09:00:00", "yesterday", 1), "timestamp", "line 3"},
			{"bad flag", strings.Replace(trafficCSV, "False,True", "nope,True", 1), "is_weekend", "line 2"},
			{"empty value", strings.Replace(trafficCSV, ",41.90,", ",,", 1), "start_lat", "line 4"},
			{"bad latitude", strings.Replace(trafficCSV, "41.90", "95", 1), "start_lat", "line 4"},
		}
		for _, c := range cases {
			_, err := source.ReadRecords(ctx, strings.NewReader(c.csv))
			So(errors.Is(err, source.ErrSchemaViolation), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, `"`+c.column+`"`)
			So(err.Error(), ShouldContainSubstring, c.line)
		}
	})

	Convey("A ragged row is a schema violation", t, func() {
		in := strings.Replace(trafficCSV, ",False,True", "", 1)
		_, err := source.ReadRecords(ctx, strings.NewReader(in))
		So(errors.Is(err, source.ErrSchemaViolation), ShouldBeTrue)
	})

	Convey("An empty file is a schema violation", t, func() {
		_, err := source.ReadRecords(ctx, strings.NewReader(""))
		So(errors.Is(err, source.ErrSchemaViolation), ShouldBeTrue)
	})
}

func TestCSVFiles(t *testing.T) {
	ctx := context.Background()

	Convey("Given files on disk", t, func() {
		dir := t.TempDir()
		trafficPath := filepath.Join(dir, "traffic.csv")
		segPath := filepath.Join(dir, "segments.csv")
		So(os.WriteFile(trafficPath, []byte(trafficCSV), 0o600), ShouldBeNil)
		So(os.WriteFile(segPath, []byte("segment_id,start_lat,start_lon,end_lat,end_lon\n"+
			"2,41.90,-87.64,41.91,-87.65\n1,41.88,-87.63,41.89,-87.62\n2,0,0,0,0\n"), 0o600), ShouldBeNil)

		Convey("CSVSource reads the traffic file", func() {
			recs, err := source.NewCSVSource(trafficPath).Records(ctx)
			So(err, ShouldBeNil)
			So(len(recs), ShouldEqual, 3)
		})

		Convey("LoadSegments keeps the first row per id", func() {
			segs, err := source.LoadSegments(ctx, segPath)
			So(err, ShouldBeNil)
			So(len(segs), ShouldEqual, 2)
			So(segs[0].ID, ShouldEqual, 2)
			So(segs[0].StartLat, ShouldEqual, 41.90)
		})

		Convey("A missing file is reported", func() {
			_, err := source.NewCSVSource(filepath.Join(dir, "nope.csv")).Records(ctx)
			So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
		})
	})
}

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, v := range row {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

type fakeQuerier struct {
	rows *fakeRows
	err  error
	sql  string
	args []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql, q.args = sql, args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func dbRow(seg int, ts time.Time, hour int, speed float64) []any {
	return []any{seg, ts, hour, 0, 3, speed, 41.0, -87.0, 41.01, -87.01, false, hour == 8}
}

func TestPostgresSource(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	Convey("Given a querier returning two rows", t, func() {
		q := &fakeQuerier{rows: &fakeRows{data: [][]any{
			dbRow(1, ts, 8, 20),
			dbRow(1, ts.Add(time.Hour), 9, 22),
		}}}
		from := ts.Add(-time.Hour)
		src := source.NewPostgresSource(q, source.WithTimeRange(from, time.Time{}))

		recs, err := src.Records(ctx)
		So(err, ShouldBeNil)
		So(len(recs), ShouldEqual, 2)
		So(recs[0].IsRushHour, ShouldBeTrue)
		So(recs[1].Speed, ShouldEqual, 22)

		Convey("The query is ordered per segment and bounded by the range", func() {
			So(q.sql, ShouldContainSubstring, "FROM traffic_records")
			So(q.sql, ShouldContainSubstring, "ORDER BY segment_id, timestamp")
			So(q.args[0], ShouldEqual, from)
			So(q.args[1].(time.Time).Year(), ShouldEqual, 9999)
		})
	})

	Convey("Out-of-range rows are schema violations", t, func() {
		q := &fakeQuerier{rows: &fakeRows{data: [][]any{dbRow(1, ts, 30, 20)}}}
		_, err := source.NewPostgresSource(q).Records(ctx)
		So(errors.Is(err, source.ErrSchemaViolation), ShouldBeTrue)
	})

	Convey("Query and iteration errors propagate", t, func() {
		boom := errors.New("boom")
		_, err := source.NewPostgresSource(&fakeQuerier{err: boom}).Records(ctx)
		So(errors.Is(err, boom), ShouldBeTrue)

		_, err = source.NewPostgresSource(&fakeQuerier{rows: &fakeRows{err: boom}}).Records(ctx)
		So(errors.Is(err, boom), ShouldBeTrue)
	})
}
