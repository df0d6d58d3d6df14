package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"sitepulse/api/models"
)

// DailyAggregateStore persists frozen per-day rollups in Postgres. Top-N
// breakdowns are stored as JSONB maps and re-merged at query time.
type DailyAggregateStore struct {
	db *sqlx.DB
}

func NewDailyAggregateStore(db *sqlx.DB) *DailyAggregateStore {
	return &DailyAggregateStore{db: db}
}

type dailyAggregateRow struct {
	Day                    string `db:"day"`
	UniqueVisitors         int    `db:"unique_visitors"`
	NewVisitors            int    `db:"new_visitors"`
	ReturningVisitors      int    `db:"returning_visitors"`
	PageViews              int    `db:"page_views"`
	FormSubmissions        int    `db:"form_submissions"`
	LeadsGenerated         int    `db:"leads_generated"`
	TotalTimeOnSiteSeconds int64  `db:"total_time_on_site_seconds"`
	TopPages               []byte `db:"top_pages"`
	TopCountries           []byte `db:"top_countries"`
	TopDevices             []byte `db:"top_devices"`
}

// Save upserts one day's aggregate. Saving is idempotent so a freeze retried
// after a partial failure cannot duplicate a day.
func (s *DailyAggregateStore) Save(ctx context.Context, agg models.DailyAggregate) error {
	topPages, err := json.Marshal(agg.TopPages)
	if err != nil {
		return fmt.Errorf("failed to marshal top pages: %w", err)
	}
	topCountries, err := json.Marshal(agg.TopCountries)
	if err != nil {
		return fmt.Errorf("failed to marshal top countries: %w", err)
	}
	topDevices, err := json.Marshal(agg.TopDevices)
	if err != nil {
		return fmt.Errorf("failed to marshal top devices: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			day, unique_visitors, new_visitors, returning_visitors, page_views,
			form_submissions, leads_generated, total_time_on_site_seconds,
			top_pages, top_countries, top_devices
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (day) DO UPDATE SET
			unique_visitors = EXCLUDED.unique_visitors,
			new_visitors = EXCLUDED.new_visitors,
			returning_visitors = EXCLUDED.returning_visitors,
			page_views = EXCLUDED.page_views,
			form_submissions = EXCLUDED.form_submissions,
			leads_generated = EXCLUDED.leads_generated,
			total_time_on_site_seconds = EXCLUDED.total_time_on_site_seconds,
			top_pages = EXCLUDED.top_pages,
			top_countries = EXCLUDED.top_countries,
			top_devices = EXCLUDED.top_devices
	`, agg.Day, agg.UniqueVisitors, agg.NewVisitors, agg.ReturningVisitors, agg.PageViews,
		agg.FormSubmissions, agg.LeadsGenerated, agg.TotalTimeOnSiteSeconds,
		topPages, topCountries, topDevices)
	if err != nil {
		return fmt.Errorf("failed to upsert daily aggregate for %s: %w", agg.Day, err)
	}
	return nil
}

// Range returns the frozen aggregates for days in [startDay, endDay],
// oldest first. Day strings are YYYY-MM-DD.
func (s *DailyAggregateStore) Range(ctx context.Context, startDay, endDay string) ([]models.DailyAggregate, error) {
	var rows []dailyAggregateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT to_char(day, 'YYYY-MM-DD') AS day, unique_visitors, new_visitors,
		       returning_visitors, page_views, form_submissions, leads_generated,
		       total_time_on_site_seconds, top_pages, top_countries, top_devices
		FROM daily_aggregates
		WHERE day >= $1::date AND day <= $2::date
		ORDER BY day ASC
	`, startDay, endDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}

	out := make([]models.DailyAggregate, 0, len(rows))
	for _, r := range rows {
		agg := models.DailyAggregate{
			Day:                    r.Day,
			UniqueVisitors:         r.UniqueVisitors,
			NewVisitors:            r.NewVisitors,
			ReturningVisitors:      r.ReturningVisitors,
			PageViews:              r.PageViews,
			FormSubmissions:        r.FormSubmissions,
			LeadsGenerated:         r.LeadsGenerated,
			TotalTimeOnSiteSeconds: r.TotalTimeOnSiteSeconds,
		}
		if err := json.Unmarshal(r.TopPages, &agg.TopPages); err != nil {
			return nil, fmt.Errorf("corrupt top pages for %s: %w", r.Day, err)
		}
		if err := json.Unmarshal(r.TopCountries, &agg.TopCountries); err != nil {
			return nil, fmt.Errorf("corrupt top countries for %s: %w", r.Day, err)
		}
		if err := json.Unmarshal(r.TopDevices, &agg.TopDevices); err != nil {
			return nil, fmt.Errorf("corrupt top devices for %s: %w", r.Day, err)
		}
		out = append(out, agg)
	}
	return out, nil
}
