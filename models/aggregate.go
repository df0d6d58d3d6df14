package models

// DailyAggregate is the memoized rollup for one calendar day in the server
// timezone. Today's row is maintained incrementally in memory; finished days
// are frozen into Postgres and never change again.
type DailyAggregate struct {
	Day                    string         `json:"day" db:"day"`
	UniqueVisitors         int            `json:"uniqueVisitors" db:"unique_visitors"`
	NewVisitors            int            `json:"newVisitors" db:"new_visitors"`
	ReturningVisitors      int            `json:"returningVisitors" db:"returning_visitors"`
	PageViews              int            `json:"pageViews" db:"page_views"`
	FormSubmissions        int            `json:"formSubmissions" db:"form_submissions"`
	LeadsGenerated         int            `json:"leadsGenerated" db:"leads_generated"`
	TotalTimeOnSiteSeconds int64          `json:"totalTimeOnSiteSeconds" db:"total_time_on_site_seconds"`
	TopPages               map[string]int `json:"topPages" db:"-"`
	TopCountries           map[string]int `json:"topCountries" db:"-"`
	TopDevices             map[string]int `json:"topDevices" db:"-"`
}

// StatsSummary is the dashboard's headline projection. LiveVisitors is read
// from the session store, the rest from today's aggregate; the average is
// computed at query time from the two running sums.
type StatsSummary struct {
	LiveVisitors              int     `json:"liveVisitors"`
	UniqueVisitorsToday       int     `json:"uniqueVisitorsToday"`
	PageViewsToday            int     `json:"pageViewsToday"`
	LeadsGeneratedToday       int     `json:"leadsGeneratedToday"`
	AvgTimeOnSiteSecondsToday float64 `json:"avgTimeOnSiteSecondsToday"`
}

// AnalyticsReport is the merged view over a date range.
type AnalyticsReport struct {
	StartDay               string           `json:"startDay"`
	EndDay                 string           `json:"endDay"`
	Days                   []DailyAggregate `json:"days"`
	UniqueVisitors         int              `json:"uniqueVisitors"`
	NewVisitors            int              `json:"newVisitors"`
	ReturningVisitors      int              `json:"returningVisitors"`
	PageViews              int              `json:"pageViews"`
	FormSubmissions        int              `json:"formSubmissions"`
	LeadsGenerated         int              `json:"leadsGenerated"`
	TotalTimeOnSiteSeconds int64            `json:"totalTimeOnSiteSeconds"`
	AvgTimeOnSiteSeconds   float64          `json:"avgTimeOnSiteSeconds"`
	TopPages               []RankedEntry    `json:"topPages"`
	TopCountries           []RankedEntry    `json:"topCountries"`
	TopDevices             []RankedEntry    `json:"topDevices"`
}

// RankedEntry is one row of a re-ranked top-N breakdown.
type RankedEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
