package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

// Querier is the read subset of pgxpool.Pool, pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectRecords = `
	SELECT
		segment_id,
		timestamp,
		hour,
		day_of_week,
		month,
		speed_mph,
		start_lat,
		start_lon,
		end_lat,
		end_lon,
		COALESCE(is_weekend, day_of_week >= 5),
		COALESCE(is_rush_hour, hour IN (7, 8, 9, 17, 18, 19))
	FROM traffic_records
	WHERE timestamp >= $1 AND timestamp < $2
	ORDER BY segment_id, timestamp
`

// PostgresSource reads the traffic_records table.
type PostgresSource struct {
	db     Querier
	from   time.Time
	to     time.Time
	logger logger.Logger
}

var _ Source = (*PostgresSource)(nil)

// PostgresOption narrows or decorates a PostgresSource.
type PostgresOption func(*PostgresSource)

// WithTimeRange limits rows to [from, to). A zero bound is open.
func WithTimeRange(from, to time.Time) PostgresOption {
	return func(s *PostgresSource) {
		if !from.IsZero() {
			s.from = from.UTC()
		}
		if !to.IsZero() {
			s.to = to.UTC()
		}
	}
}

// NewPostgresSource reads through db.
func NewPostgresSource(db Querier, opts ...PostgresOption) *PostgresSource {
	s := &PostgresSource{
		db:     db,
		from:   time.Unix(0, 0).UTC(),
		to:     time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC),
		logger: logger.Get().Named("source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPool connects and pings a pgx pool.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Records runs the select and validates every row like the CSV reader does.
func (s *PostgresSource) Records(ctx context.Context) ([]traffic.TrafficRecord, error) {
	rows, err := s.db.Query(ctx, selectRecords, s.from, s.to)
	if err != nil {
		return nil, fmt.Errorf("failed to query traffic records: %w", err)
	}
	defer rows.Close()

	var out []traffic.TrafficRecord
	for n := 1; rows.Next(); n++ {
		var r traffic.TrafficRecord
		if err := rows.Scan(
			&r.SegmentID,
			&r.Timestamp,
			&r.Hour,
			&r.DayOfWeek,
			&r.Month,
			&r.Speed,
			&r.StartLat,
			&r.StartLon,
			&r.EndLat,
			&r.EndLon,
			&r.IsWeekend,
			&r.IsRushHour,
		); err != nil {
			return nil, fmt.Errorf("failed to scan traffic record %d: %w", n, err)
		}
		r.Timestamp = r.Timestamp.UTC()
		if err := checkRecord(n, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating traffic records: %w", err)
	}

	s.logger.Info(ctx, "traffic records queried", logger.Int("records", len(out)))
	return out, nil
}
