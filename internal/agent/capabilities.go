package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/forecast"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/freshness"
	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/store"
)

// Builtin capability names.
const (
	capCurrentTime  = "get_current_time"
	capFreshness    = "check_data_freshness"
	capDataSummary  = "get_data_summary"
	capQueryDemand  = "query_demand_data"
	capValidateData = "validate_data_quality"
	capStatistics   = "calculate_demand_statistics"
	capForecast     = "generate_forecast"
	capEvalModels   = "evaluate_models"
	capPerformance  = "get_performance_history"
)

// maxInlinePoints caps how many raw observations a query envelope
// carries back to the oracle; aggregates always cover the full range.
const maxInlinePoints = 168

// DataSource is the demand-series access the capabilities need. The
// postgres store satisfies it; tests substitute an in-memory series.
type DataSource interface {
	Query(ctx context.Context, start, end time.Time) ([]forecast.Point, error)
	LatestTimestamp(ctx context.Context) (time.Time, error)
	Summary(ctx context.Context) (*store.DemandSummary, error)
}

// Deps carries everything the builtin capabilities close over.
type Deps struct {
	Source    DataSource
	Models    *forecast.Manager
	Ledger    decisionlog.Ledger
	Freshness freshness.Policy
	Target    string
	Now       func() time.Time
}

func (d *Deps) normalize() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Target == "" {
		d.Target = "ontario"
	}
	if d.Freshness == (freshness.Policy{}) {
		d.Freshness = freshness.DefaultPolicy()
	}
}

// RegisterBuiltins installs the agent's capability set into the
// registry. Call before Freeze.
func RegisterBuiltins(reg *capability.Registry, deps Deps) error {
	deps.normalize()

	descs := []capability.Descriptor{
		{
			Name:        capCurrentTime,
			Description: "Returns the current UTC time.",
			Exec: func(_ context.Context, _ capability.Args) (*capability.ResultEnvelope, error) {
				now := deps.Now().UTC()
				return capability.OK(map[string]any{
					"current_time": now.Format(time.RFC3339),
					"hour_of_day":  now.Hour(),
					"day_of_week":  now.Weekday().String(),
				}, "current time retrieved"), nil
			},
		},
		{
			Name:        capFreshness,
			Description: "Checks whether the stored demand data is recent enough to act on.",
			Exec:        deps.checkFreshness,
		},
		{
			Name:        capDataSummary,
			Description: "Returns min/max/average demand and the coverage window of the stored series.",
			Exec:        deps.dataSummary,
		},
		{
			Name:        capQueryDemand,
			Description: "Retrieves hourly Ontario demand observations for a date range.",
			Params: []capability.ParamSpec{
				{Name: "start_date", Type: capability.TypeTimestamp,
					Description: "Range start (RFC 3339 or YYYY-MM-DD)."},
				{Name: "end_date", Type: capability.TypeTimestamp,
					Description: "Range end (RFC 3339 or YYYY-MM-DD)."},
				{Name: "days_back", Type: capability.TypeInt, Min: f(1), Max: f(365),
					Description: "Alternative to explicit dates: last N days."},
			},
			Exec: deps.queryDemand,
		},
		{
			Name:        capValidateData,
			Description: "Checks completeness, gaps, and outliers of the demand series over a range.",
			Params: []capability.ParamSpec{
				{Name: "start_date", Type: capability.TypeTimestamp, Required: true},
				{Name: "end_date", Type: capability.TypeTimestamp, Required: true},
			},
			Exec: deps.validateData,
		},
		{
			Name:        capStatistics,
			Description: "Computes demand statistics (mean, percentiles, peak hours) over a range.",
			Params: []capability.ParamSpec{
				{Name: "start_date", Type: capability.TypeTimestamp, Required: true},
				{Name: "end_date", Type: capability.TypeTimestamp, Required: true},
			},
			Exec: deps.statistics,
		},
		{
			Name:        capForecast,
			Description: "Trains the model fallback chain on recent demand and produces a forecast.",
			Params: []capability.ParamSpec{
				{Name: "horizon_hours", Type: capability.TypeInt, Required: true,
					Min: f(1), Max: f(336), Description: "Hours to forecast ahead."},
				{Name: "lookback_days", Type: capability.TypeInt, Min: f(2), Max: f(365),
					Description: "Training window length, default 30 days."},
				{Name: "target", Type: capability.TypeString,
					Description: "Series to forecast, default ontario."},
			},
			Exec: deps.generateForecast,
		},
		{
			Name:        capEvalModels,
			Description: "Lists the retained model candidates and their evaluation metrics.",
			Params: []capability.ParamSpec{
				{Name: "target", Type: capability.TypeString},
			},
			Exec: deps.evaluateModels,
		},
		{
			Name:        capPerformance,
			Description: "Returns the outcomes of recent forecasting sessions.",
			Params: []capability.ParamSpec{
				{Name: "limit", Type: capability.TypeInt, Min: f(1), Max: f(100)},
			},
			Exec: deps.performanceHistory,
		},
	}

	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func f(v float64) *float64 { return &v }

func (d Deps) checkFreshness(ctx context.Context, _ capability.Args) (*capability.ResultEnvelope, error) {
	latest, err := d.Source.LatestTimestamp(ctx)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("could not read latest observation time: %v", err)), nil
	}
	v := freshness.Check(latest, d.Now(), d.Freshness)
	return capability.OK(map[string]any{
		"state":         string(v.State),
		"latest_known":  v.LatestKnown,
		"staleness_min": v.Staleness.Minutes(),
		"threshold_min": v.Threshold.Minutes(),
	}, fmt.Sprintf("demand data is %s", v.State)), nil
}

func (d Deps) dataSummary(ctx context.Context, _ capability.Args) (*capability.ResultEnvelope, error) {
	sum, err := d.Source.Summary(ctx)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("could not summarize demand data: %v", err)), nil
	}
	if sum.TotalRows == 0 {
		return capability.Failure(capability.ErrNoData,
			"no demand observations are stored"), nil
	}
	return capability.OK(sum, fmt.Sprintf(
		"%d observations from %s to %s",
		sum.TotalRows,
		sum.Earliest.Format("2006-01-02 15:04"),
		sum.Latest.Format("2006-01-02 15:04"))), nil
}

// rangeFromArgs resolves the query window: explicit dates win, days_back
// is the shortcut, and the default is the last 7 days.
func (d Deps) rangeFromArgs(args capability.Args) (time.Time, time.Time) {
	now := d.Now()
	start, hasStart := args.Time("start_date")
	end, hasEnd := args.Time("end_date")
	if hasStart && hasEnd {
		return start, end
	}
	days := args.Int("days_back", 7)
	return now.Add(-time.Duration(days) * 24 * time.Hour), now
}

func (d Deps) queryDemand(ctx context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	start, end := d.rangeFromArgs(args)
	if !end.After(start) {
		return capability.Failure(capability.ErrValidationFailed,
			"end_date must be after start_date"), nil
	}

	points, err := d.Source.Query(ctx, start, end)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("demand query failed: %v", err)), nil
	}
	if len(points) == 0 {
		return capability.Failure(capability.ErrNoData, fmt.Sprintf(
			"no demand observations between %s and %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))), nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sample := points
	if len(sample) > maxInlinePoints {
		sample = sample[len(sample)-maxInlinePoints:]
	}

	return capability.OK(map[string]any{
		"record_count":   len(points),
		"start":          points[0].Timestamp,
		"end":            points[len(points)-1].Timestamp,
		"avg_demand_mw":  mean(values),
		"peak_demand_mw": maxOf(values),
		"min_demand_mw":  minOf(values),
		"points":         sample,
	}, fmt.Sprintf("%d observations retrieved", len(points))), nil
}

func (d Deps) validateData(ctx context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	start, end := d.rangeFromArgs(args)
	if !end.After(start) {
		return capability.Failure(capability.ErrValidationFailed,
			"end_date must be after start_date"), nil
	}

	points, err := d.Source.Query(ctx, start, end)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("demand query failed: %v", err)), nil
	}
	if len(points) == 0 {
		return capability.Failure(capability.ErrNoData,
			"no demand observations in the requested range"), nil
	}

	expected := int(end.Sub(start).Hours()) + 1
	completeness := 100 * float64(len(points)) / float64(expected)
	if completeness > 100 {
		completeness = 100
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	mu, sd := mean(values), stddevOf(values)
	outliers := 0
	for _, v := range values {
		if sd > 0 && math.Abs(v-mu) > 3*sd {
			outliers++
		}
	}

	expectedStep := d.Freshness.ExpectedInterval
	gaps := 0
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Sub(points[i-1].Timestamp) > time.Duration(1.5*float64(expectedStep)) {
			gaps++
		}
	}

	outlierPct := 100 * float64(outliers) / float64(len(points))
	isValid := completeness >= 95 && outlierPct < 1

	msg := "data quality acceptable"
	if !isValid {
		msg = fmt.Sprintf("data quality degraded: %.1f%% complete, %d outlier(s), %d gap(s)",
			completeness, outliers, gaps)
	}
	return capability.OK(map[string]any{
		"is_valid":         isValid,
		"record_count":     len(points),
		"expected_count":   expected,
		"completeness_pct": completeness,
		"outlier_count":    outliers,
		"gap_count":        gaps,
	}, msg), nil
}

func (d Deps) statistics(ctx context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	start, end := d.rangeFromArgs(args)
	points, err := d.Source.Query(ctx, start, end)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("demand query failed: %v", err)), nil
	}
	if len(points) == 0 {
		return capability.Failure(capability.ErrNoData,
			"no demand observations in the requested range"), nil
	}

	values := make([]float64, len(points))
	byHour := make(map[int][]float64)
	for i, p := range points {
		values[i] = p.Value
		h := p.Timestamp.Hour()
		byHour[h] = append(byHour[h], p.Value)
	}

	peakHour, minHour := -1, -1
	var peakAvg, minAvg float64
	for h, vs := range byHour {
		avg := mean(vs)
		if peakHour < 0 || avg > peakAvg {
			peakHour, peakAvg = h, avg
		}
		if minHour < 0 || avg < minAvg {
			minHour, minAvg = h, avg
		}
	}

	return capability.OK(map[string]any{
		"record_count": len(points),
		"mean_mw":      mean(values),
		"median_mw":    percentile(values, 50),
		"stddev_mw":    stddevOf(values),
		"min_mw":       minOf(values),
		"max_mw":       maxOf(values),
		"p25_mw":       percentile(values, 25),
		"p75_mw":       percentile(values, 75),
		"p95_mw":       percentile(values, 95),
		"peak_hour":    peakHour,
		"min_hour":     minHour,
	}, fmt.Sprintf("statistics over %d observations", len(points))), nil
}

func (d Deps) generateForecast(ctx context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	horizon := args.Int("horizon_hours", 0)
	lookback := args.Int("lookback_days", 30)
	target := args.String("target", d.Target)

	latest, err := d.Source.LatestTimestamp(ctx)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("could not read latest observation time: %v", err)), nil
	}
	if latest.IsZero() {
		return capability.Failure(capability.ErrNoData,
			"no demand observations are stored; cannot train"), nil
	}

	series, err := d.Source.Query(ctx, latest.Add(-time.Duration(lookback)*24*time.Hour), latest)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("training query failed: %v", err)), nil
	}
	if len(series) == 0 {
		return capability.Failure(capability.ErrNoData,
			"training window contains no observations"), nil
	}

	result, attempts, err := d.Models.ProduceForecast(ctx, target, series, horizon)
	if err != nil {
		env := capability.Failure(errKindFor(err), err.Error())
		return env.WithMeta("attempts", attempts), nil
	}
	env := capability.OK(result, fmt.Sprintf(
		"%d-step forecast for %s produced by the %s model", horizon, target, result.Kind))
	return env.WithMeta("attempts", attempts), nil
}

func errKindFor(err error) capability.ErrorKind {
	switch {
	case errors.Is(err, forecast.ErrInsufficientData):
		return capability.ErrInsufficientData
	case errors.Is(err, forecast.ErrNoModelAvailable):
		return capability.ErrNoModelAvailable
	default:
		return capability.ErrInternal
	}
}

func (d Deps) evaluateModels(_ context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	target := args.String("target", d.Target)
	candidates := d.Models.Candidates(target)
	if len(candidates) == 0 {
		return capability.Failure(capability.ErrNoModelAvailable,
			fmt.Sprintf("no trained candidates for target %q", target)), nil
	}

	type entry struct {
		ID        string             `json:"id"`
		Kind      string             `json:"kind"`
		TrainedAt time.Time          `json:"trained_at"`
		Metrics   map[string]float64 `json:"metrics,omitempty"`
	}
	out := make([]entry, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, entry{
			ID: c.ID, Kind: string(c.Kind), TrainedAt: c.TrainedAt, Metrics: c.Metrics,
		})
	}
	best, err := d.Models.SelectBest(candidates)
	payload := map[string]any{"target": target, "candidates": out}
	if err == nil {
		payload["best_candidate_id"] = best.ID
		payload["best_kind"] = string(best.Kind)
	}
	return capability.OK(payload,
		fmt.Sprintf("%d candidate(s) retained for %s", len(candidates), target)), nil
}

func (d Deps) performanceHistory(ctx context.Context, args capability.Args) (*capability.ResultEnvelope, error) {
	limit := args.Int("limit", 10)
	sums, err := d.Ledger.RecentSummaries(ctx, limit)
	if err != nil {
		return capability.Failure(capability.ErrInternal,
			fmt.Sprintf("ledger read failed: %v", err)), nil
	}
	return capability.OK(map[string]any{
		"sessions": sums,
		"count":    len(sums),
	}, fmt.Sprintf("%d recent session(s)", len(sums))), nil
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var s float64
	for _, v := range vs {
		s += v
	}
	return s / float64(len(vs))
}

func stddevOf(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	mu := mean(vs)
	var s float64
	for _, v := range vs {
		s += (v - mu) * (v - mu)
	}
	return math.Sqrt(s / float64(len(vs)-1))
}

func minOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// percentile uses nearest-rank interpolation on a sorted copy.
func percentile(vs []float64, p float64) float64 {
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
