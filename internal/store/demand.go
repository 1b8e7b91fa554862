package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
)

// DemandSummary is the statistical overview of the stored demand series.
type DemandSummary struct {
	MinDemandMW float64   `json:"min_demand_mw"`
	MaxDemandMW float64   `json:"max_demand_mw"`
	AvgDemandMW float64   `json:"avg_demand_mw"`
	Earliest    time.Time `json:"earliest"`
	Latest      time.Time `json:"latest"`
	TotalRows   int64     `json:"total_rows"`
}

// Query returns the hourly Ontario demand observations in [start, end],
// ordered by time.
func (s *Store) Query(ctx context.Context, start, end time.Time) ([]forecast.Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT observed_at, ontario_demand_mw
		FROM ieso_demand
		WHERE observed_at >= $1 AND observed_at <= $2
		ORDER BY observed_at ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query demand: %w", err)
	}
	defer rows.Close()

	var points []forecast.Point
	for rows.Next() {
		var p forecast.Point
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scan demand row: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// LatestTimestamp returns the most recent observation time, or a zero
// time when the table is empty.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT max(observed_at) FROM ieso_demand`).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest timestamp: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// Summary computes the min/max/avg demand and coverage of the stored series.
func (s *Store) Summary(ctx context.Context) (*DemandSummary, error) {
	var (
		sum              DemandSummary
		minV, maxV, avgV *float64
		earliest, latest *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT min(ontario_demand_mw), max(ontario_demand_mw),
		       avg(ontario_demand_mw), min(observed_at), max(observed_at),
		       count(*)
		FROM ieso_demand`).Scan(&minV, &maxV, &avgV, &earliest, &latest, &sum.TotalRows)
	if err != nil {
		return nil, fmt.Errorf("demand summary: %w", err)
	}
	if minV != nil {
		sum.MinDemandMW = *minV
	}
	if maxV != nil {
		sum.MaxDemandMW = *maxV
	}
	if avgV != nil {
		sum.AvgDemandMW = *avgV
	}
	if earliest != nil {
		sum.Earliest = *earliest
	}
	if latest != nil {
		sum.Latest = *latest
	}
	return &sum, nil
}

// InsertDemand upserts one hourly observation. Used by ingestion glue
// and tests; the agent itself only reads.
func (s *Store) InsertDemand(ctx context.Context, observedAt time.Time, ontarioMW, marketMW float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ieso_demand (observed_at, ontario_demand_mw, market_demand_mw)
		VALUES ($1, $2, $3)
		ON CONFLICT (observed_at)
		DO UPDATE SET ontario_demand_mw = EXCLUDED.ontario_demand_mw,
		              market_demand_mw = EXCLUDED.market_demand_mw`,
		observedAt, ontarioMW, marketMW)
	if err != nil {
		return fmt.Errorf("insert demand: %w", err)
	}
	return nil
}
