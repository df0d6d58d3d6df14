// Package aggregator computes the derived statistics behind the dashboard:
// the live tier is a direct filter over the session store, the rollup tier
// maintains today's DailyAggregate incrementally and freezes finished days
// into Postgres.
package aggregator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitepulse/api/models"
	"sitepulse/api/utils"
)

// SessionSource is the live-tier view of the session store.
type SessionSource interface {
	Active() []models.VisitorSession
	LiveCount() int
}

// DailyStore persists frozen day rollups.
type DailyStore interface {
	Save(ctx context.Context, agg models.DailyAggregate) error
	Range(ctx context.Context, startDay, endDay string) ([]models.DailyAggregate, error)
}

// EventStats is the slice of the event log the engine needs to rebuild
// today's partial aggregate after a restart.
type EventStats interface {
	PageViewsByVisitorSince(ctx context.Context, since time.Time) (map[string]int, error)
	TopPagesSince(ctx context.Context, since time.Time, limit int) (map[string]int, error)
	FormSubmissionsSince(ctx context.Context, since time.Time) (int, error)
	SessionStatsSince(ctx context.Context, since time.Time) (totalTime int64, newVisitors, returningVisitors int, countries, devices map[string]int, err error)
}

const freezeTimeout = 30 * time.Second

// Engine owns the DailyAggregate for the current day. All counter updates
// happen under one mutex in the same call as the triggering store write, so
// the summary is never more than one event behind ingest.
type Engine struct {
	sessions SessionSource
	daily    DailyStore
	log      *zap.Logger
	topN     int
	now      func() time.Time

	mu           sync.Mutex
	day          string
	visitorsSeen map[string]struct{}
	agg          models.DailyAggregate
	topPages     *TopN
	topCountries *TopN
	topDevices   *TopN
}

func NewEngine(sessions SessionSource, daily DailyStore, topN int, log *zap.Logger) *Engine {
	e := &Engine{
		sessions: sessions,
		daily:    daily,
		log:      log,
		topN:     topN,
		now:      time.Now,
	}
	e.resetLocked(utils.DayKey(e.now()))
	return e
}

func (e *Engine) resetLocked(day string) {
	e.day = day
	e.visitorsSeen = make(map[string]struct{})
	e.agg = models.DailyAggregate{Day: day}
	e.topPages = NewTopN(e.topN)
	e.topCountries = NewTopN(e.topN)
	e.topDevices = NewTopN(e.topN)
}

// rollIfNeededLocked freezes the finished day into Postgres and resets for
// the new one. The save runs async on a copy; the upsert is idempotent so a
// failed freeze retried later cannot double-count.
func (e *Engine) rollIfNeededLocked(now time.Time) {
	day := utils.DayKey(now)
	if day == e.day {
		return
	}

	frozen := e.snapshotLocked()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), freezeTimeout)
		defer cancel()
		if err := e.daily.Save(ctx, frozen); err != nil {
			e.log.Error("failed to freeze daily aggregate", zap.Error(err), zap.String("day", frozen.Day))
		} else {
			e.log.Info("froze daily aggregate", zap.String("day", frozen.Day))
		}
	}()

	e.resetLocked(day)
}

func (e *Engine) snapshotLocked() models.DailyAggregate {
	agg := e.agg
	agg.TopPages = e.topPages.Counts()
	agg.TopCountries = e.topCountries.Counts()
	agg.TopDevices = e.topDevices.Counts()
	return agg
}

// OnPageView folds one ingest event into today's rollup. counted is false
// for debounced duplicates, which still refresh activity but must not move
// the view counters. isNewVisitor reports whether the visitor's first-ever
// session was observed today.
func (e *Engine) OnPageView(now time.Time, visitorID string, isNewVisitor, counted bool, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollIfNeededLocked(now)

	if _, seen := e.visitorsSeen[visitorID]; !seen {
		e.visitorsSeen[visitorID] = struct{}{}
		e.agg.UniqueVisitors++
		if isNewVisitor {
			e.agg.NewVisitors++
		} else {
			e.agg.ReturningVisitors++
		}
	}

	if counted {
		e.agg.PageViews++
		e.topPages.Add(path, 1)
	}
}

// OnSessionStarted records the bounded-cardinality dimensions of a newly
// created session.
func (e *Engine) OnSessionStarted(now time.Time, country, device string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollIfNeededLocked(now)
	e.topCountries.Add(country, 1)
	e.topDevices.Add(device, 1)
}

// OnFormSubmission counts a submission and the lead it generated.
func (e *Engine) OnFormSubmission(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollIfNeededLocked(now)
	e.agg.FormSubmissions++
	e.agg.LeadsGenerated++
}

// OnSessionEnded folds a finalized session's time on site into the running
// sum the average is computed from.
func (e *Engine) OnSessionEnded(now time.Time, timeOnSiteSeconds int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollIfNeededLocked(now)
	e.agg.TotalTimeOnSiteSeconds += timeOnSiteSeconds
}

// Today returns a snapshot of the current day's aggregate.
func (e *Engine) Today() models.DailyAggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollIfNeededLocked(e.now())
	return e.snapshotLocked()
}

// Summary projects today's aggregate to the dashboard headline numbers.
// The live count comes straight from the session store, and the average
// time on site is derived from the two running sums at query time.
func (e *Engine) Summary() models.StatsSummary {
	live := e.sessions.LiveCount()

	e.mu.Lock()
	e.rollIfNeededLocked(e.now())
	agg := e.agg
	e.mu.Unlock()

	var avg float64
	if agg.UniqueVisitors > 0 {
		avg = float64(agg.TotalTimeOnSiteSeconds) / float64(agg.UniqueVisitors)
	}
	return models.StatsSummary{
		LiveVisitors:              live,
		UniqueVisitorsToday:       agg.UniqueVisitors,
		PageViewsToday:            agg.PageViews,
		LeadsGeneratedToday:       agg.LeadsGenerated,
		AvgTimeOnSiteSecondsToday: avg,
	}
}

// LiveVisitors returns active sessions, most recently active first,
// optionally filtered by a free-text search over identity, location and
// current page.
func (e *Engine) LiveVisitors(search string) []models.VisitorSession {
	active := e.sessions.Active()

	if q := strings.ToLower(strings.TrimSpace(search)); q != "" {
		filtered := active[:0]
		for _, s := range active {
			if matchesSearch(&s, q) {
				filtered = append(filtered, s)
			}
		}
		active = filtered
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivityAt.After(active[j].LastActivityAt)
	})
	return active
}

func matchesSearch(s *models.VisitorSession, q string) bool {
	for _, field := range []string{s.Name, s.Email, s.Country, s.City, s.CurrentPage, s.VisitorID} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Analytics merges the frozen days in [startDay, endDay] with today's
// in-memory aggregate when it falls inside the range. Top-N breakdowns are
// re-merged and re-ranked, not concatenated.
func (e *Engine) Analytics(ctx context.Context, startDay, endDay string) (models.AnalyticsReport, error) {
	days, err := e.daily.Range(ctx, startDay, endDay)
	if err != nil {
		return models.AnalyticsReport{}, err
	}

	e.mu.Lock()
	e.rollIfNeededLocked(e.now())
	today := e.snapshotLocked()
	e.mu.Unlock()

	if today.Day >= startDay && today.Day <= endDay {
		// The in-memory row wins over any stale frozen copy of today.
		replaced := false
		for i := range days {
			if days[i].Day == today.Day {
				days[i] = today
				replaced = true
				break
			}
		}
		if !replaced {
			days = append(days, today)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day < days[j].Day })

	report := models.AnalyticsReport{
		StartDay: startDay,
		EndDay:   endDay,
		Days:     days,
	}

	pageMaps := make([]map[string]int, 0, len(days))
	countryMaps := make([]map[string]int, 0, len(days))
	deviceMaps := make([]map[string]int, 0, len(days))
	for _, d := range days {
		report.UniqueVisitors += d.UniqueVisitors
		report.NewVisitors += d.NewVisitors
		report.ReturningVisitors += d.ReturningVisitors
		report.PageViews += d.PageViews
		report.FormSubmissions += d.FormSubmissions
		report.LeadsGenerated += d.LeadsGenerated
		report.TotalTimeOnSiteSeconds += d.TotalTimeOnSiteSeconds
		pageMaps = append(pageMaps, d.TopPages)
		countryMaps = append(countryMaps, d.TopCountries)
		deviceMaps = append(deviceMaps, d.TopDevices)
	}
	if report.UniqueVisitors > 0 {
		report.AvgTimeOnSiteSeconds = float64(report.TotalTimeOnSiteSeconds) / float64(report.UniqueVisitors)
	}
	report.TopPages = MergeRanked(e.topN, pageMaps...)
	report.TopCountries = MergeRanked(e.topN, countryMaps...)
	report.TopDevices = MergeRanked(e.topN, deviceMaps...)

	return report, nil
}

// Restore rebuilds today's partial aggregate from the event log so a mid-day
// restart does not zero the dashboard. New/returning splits and dimension
// breakdowns come from sessions already ended today, so they are lower
// bounds until those sessions' visitors act again.
func (e *Engine) Restore(ctx context.Context, events EventStats) error {
	now := e.now()
	since := utils.StartOfDay(now)

	byVisitor, err := events.PageViewsByVisitorSince(ctx, since)
	if err != nil {
		return err
	}
	topPages, err := events.TopPagesSince(ctx, since, e.topN)
	if err != nil {
		return err
	}
	submissions, err := events.FormSubmissionsSince(ctx, since)
	if err != nil {
		return err
	}
	totalTime, newVisitors, returningVisitors, countries, devices, err := events.SessionStatsSince(ctx, since)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(utils.DayKey(now))

	for visitorID, views := range byVisitor {
		e.visitorsSeen[visitorID] = struct{}{}
		e.agg.PageViews += views
	}
	e.agg.UniqueVisitors = len(byVisitor)
	e.agg.NewVisitors = newVisitors
	e.agg.ReturningVisitors = returningVisitors
	e.agg.FormSubmissions = submissions
	e.agg.LeadsGenerated = submissions
	e.agg.TotalTimeOnSiteSeconds = totalTime
	e.topPages.Load(topPages)
	e.topCountries.Load(countries)
	e.topDevices.Load(devices)

	e.log.Info("restored today's aggregate from event log",
		zap.String("day", e.day),
		zap.Int("unique_visitors", e.agg.UniqueVisitors),
		zap.Int("page_views", e.agg.PageViews))
	return nil
}
