package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

var timestampLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// CSVSource reads the traffic CSV at Path on every call to Records.
type CSVSource struct {
	Path   string
	logger logger.Logger
}

var _ Source = (*CSVSource)(nil)

// NewCSVSource returns a source over the file at path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{Path: path, logger: logger.Get().Named("source")}
}

// Records opens and parses the file.
func (s *CSVSource) Records(ctx context.Context) ([]traffic.TrafficRecord, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open traffic csv: %w", err)
	}
	defer func() { _ = f.Close() }()

	records, err := ReadRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	s.logger.Info(ctx, "traffic records read", logger.String("path", s.Path), logger.Int("records", len(records)))
	return records, nil
}

// header maps lower-cased column names to their field position.
type header map[string]int

func readHeader(r *csv.Reader, required []string) (header, error) {
	names, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrSchemaViolation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrSchemaViolation, err)
	}
	h := make(header, len(names))
	for i, n := range names {
		h[strings.ToLower(strings.TrimSpace(n))] = i
	}
	for _, c := range required {
		if _, ok := h[c]; !ok {
			return nil, violation(1, c, "required column missing")
		}
	}
	return h, nil
}

// row wraps one CSV record with typed, position-aware accessors.
type row struct {
	h      header
	fields []string
	line   int
}

func (r row) raw(col string) (string, bool) {
	i, ok := r.h[col]
	if !ok || i >= len(r.fields) {
		return "", false
	}
	return strings.TrimSpace(r.fields[i]), true
}

func (r row) str(col string) (string, error) {
	v, ok := r.raw(col)
	if !ok || v == "" {
		return "", violation(r.line, col, "missing value")
	}
	return v, nil
}

func (r row) integer(col string) (int, error) {
	v, err := r.str(col)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Integer columns exported through a float dtype arrive as "3.0".
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, violation(r.line, col, "%q is not an integer", v)
		}
		n = int(f)
	}
	return n, nil
}

func (r row) number(col string) (float64, error) {
	v, err := r.str(col)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, violation(r.line, col, "%q is not a number", v)
	}
	return f, nil
}

// flag returns the parsed optional boolean, or ok=false when the column is
// absent or blank.
func (r row) flag(col string) (value, ok bool, err error) {
	v, present := r.raw(col)
	if !present || v == "" {
		return false, false, nil
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return false, false, violation(r.line, col, "%q is not a boolean", v)
	}
	return b, true, nil
}

func (r row) timestamp(col string) (time.Time, error) {
	v, err := r.str(col)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timestampLayouts {
		if t, perr := time.Parse(layout, v); perr == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, violation(r.line, col, "%q is not an ISO-8601 timestamp", v)
}

func (r row) segment() (traffic.Segment, error) {
	var (
		s   traffic.Segment
		err error
	)
	if s.ID, err = r.integer(colSegmentID); err != nil {
		return s, err
	}
	if s.StartLat, err = r.number(colStartLat); err != nil {
		return s, err
	}
	if s.StartLon, err = r.number(colStartLon); err != nil {
		return s, err
	}
	if s.EndLat, err = r.number(colEndLat); err != nil {
		return s, err
	}
	if s.EndLon, err = r.number(colEndLon); err != nil {
		return s, err
	}
	return s, checkSegment(r.line, s)
}

func (r row) record() (traffic.TrafficRecord, error) {
	var rec traffic.TrafficRecord
	seg, err := r.segment()
	if err != nil {
		return rec, err
	}
	rec.SegmentID = seg.ID
	rec.StartLat, rec.StartLon, rec.EndLat, rec.EndLon = seg.StartLat, seg.StartLon, seg.EndLat, seg.EndLon

	if rec.Timestamp, err = r.timestamp(colTimestamp); err != nil {
		return rec, err
	}
	if rec.Hour, err = r.integer(colHour); err != nil {
		return rec, err
	}
	if rec.DayOfWeek, err = r.integer(colDayOfWeek); err != nil {
		return rec, err
	}
	if rec.Month, err = r.integer(colMonth); err != nil {
		return rec, err
	}
	if rec.Speed, err = r.number(colSpeed); err != nil {
		return rec, err
	}
	if err := checkRecord(r.line, &rec); err != nil {
		return rec, err
	}

	weekend, ok, err := r.flag(colIsWeekend)
	if err != nil {
		return rec, err
	}
	if !ok {
		weekend = traffic.IsWeekend(rec.DayOfWeek)
	}
	rush, ok, err := r.flag(colIsRushHour)
	if err != nil {
		return rec, err
	}
	if !ok {
		rush = traffic.IsRushHour(rec.Hour)
	}
	rec.IsWeekend, rec.IsRushHour = weekend, rush
	return rec, nil
}

// eachRow drives a CSV reader, stopping on the first error.
func eachRow(ctx context.Context, in io.Reader, required []string, fn func(row) error) error {
	r := csv.NewReader(in)
	r.ReuseRecord = true
	r.TrimLeadingSpace = true
	h, err := readHeader(r, required)
	if err != nil {
		return err
	}
	for i := 0; ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return fmt.Errorf("%w: line %d: %v", ErrSchemaViolation, perr.Line, perr.Err)
			}
			return err
		}
		line, _ := r.FieldPos(0)
		if err := fn(row{h: h, fields: fields, line: line}); err != nil {
			return err
		}
	}
}

// ReadRecords parses a traffic CSV. Columns are matched by header name and
// the first malformed field aborts the read with ErrSchemaViolation. Missing
// is_weekend and is_rush_hour values are derived from day and hour.
func ReadRecords(ctx context.Context, in io.Reader) ([]traffic.TrafficRecord, error) {
	var out []traffic.TrafficRecord
	err := eachRow(ctx, in, recordColumns, func(r row) error {
		rec, err := r.record()
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSegments parses a segments CSV. A repeated id keeps its first row.
func ReadSegments(ctx context.Context, in io.Reader) ([]traffic.Segment, error) {
	var out []traffic.Segment
	seen := make(map[int]struct{})
	err := eachRow(ctx, in, segmentColumns, func(r row) error {
		s, err := r.segment()
		if err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return nil
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSegments reads the segments CSV at path.
func LoadSegments(ctx context.Context, path string) ([]traffic.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segments csv: %w", err)
	}
	defer func() { _ = f.Close() }()
	segs, err := ReadSegments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return segs, nil
}
