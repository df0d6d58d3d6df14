package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitepulse/api/database"
	"sitepulse/api/models"
)

const (
	eventBufferSize = 1000
	flushBatchSize  = 100
	flushInterval   = 5 * time.Second
	flushTimeout    = 15 * time.Second
)

// SessionRow is the immutable history row appended to ClickHouse when a
// session ends.
type SessionRow struct {
	models.VisitorSession
	EndedAt time.Time `json:"endedAt"`
}

// Cursor is a keyset-pagination position over the event log, ordered by
// (timestamp, id).
type Cursor struct {
	Time time.Time
	ID   string
}

// EventLog is the append-only ClickHouse log of page views, form
// submissions and ended sessions. Writes go through a buffered worker that
// batch-flushes, so ingest never blocks on the database.
type EventLog struct {
	db  *database.ClickHouseClient
	log *zap.Logger

	pageViews chan models.PageViewEvent
	forms     chan models.FormSubmissionEvent
	sessions  chan SessionRow

	done chan struct{}
	wg   sync.WaitGroup
}

func NewEventLog(db *database.ClickHouseClient, log *zap.Logger) *EventLog {
	l := &EventLog{
		db:        db,
		log:       log,
		pageViews: make(chan models.PageViewEvent, eventBufferSize),
		forms:     make(chan models.FormSubmissionEvent, eventBufferSize),
		sessions:  make(chan SessionRow, eventBufferSize),
		done:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// AppendPageView enqueues a page-view event. A full buffer drops the event
// with a warning rather than blocking the visitor's request.
func (l *EventLog) AppendPageView(ev models.PageViewEvent) {
	select {
	case l.pageViews <- ev:
	default:
		l.log.Warn("event buffer full, dropping page view", zap.String("session_id", ev.SessionID))
	}
}

func (l *EventLog) AppendFormSubmission(ev models.FormSubmissionEvent) {
	select {
	case l.forms <- ev:
	default:
		l.log.Warn("event buffer full, dropping form submission", zap.String("session_id", ev.SessionID))
	}
}

func (l *EventLog) AppendSession(row SessionRow) {
	select {
	case l.sessions <- row:
	default:
		l.log.Warn("event buffer full, dropping session row", zap.String("session_id", row.SessionID))
	}
}

// Close flushes everything still buffered and stops the worker.
func (l *EventLog) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *EventLog) worker() {
	defer l.wg.Done()

	var (
		pvBuf   []models.PageViewEvent
		formBuf []models.FormSubmissionEvent
		sessBuf []SessionRow
	)

	flush := func() {
		if len(pvBuf) > 0 {
			if err := l.insertPageViews(pvBuf); err != nil {
				l.log.Error("failed to flush page views", zap.Error(err), zap.Int("count", len(pvBuf)))
			}
			pvBuf = nil
		}
		if len(formBuf) > 0 {
			if err := l.insertFormSubmissions(formBuf); err != nil {
				l.log.Error("failed to flush form submissions", zap.Error(err), zap.Int("count", len(formBuf)))
			}
			formBuf = nil
		}
		if len(sessBuf) > 0 {
			if err := l.insertSessions(sessBuf); err != nil {
				l.log.Error("failed to flush session rows", zap.Error(err), zap.Int("count", len(sessBuf)))
			}
			sessBuf = nil
		}
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-l.pageViews:
			pvBuf = append(pvBuf, ev)
			if len(pvBuf) >= flushBatchSize {
				flush()
			}
		case ev := <-l.forms:
			formBuf = append(formBuf, ev)
			if len(formBuf) >= flushBatchSize {
				flush()
			}
		case row := <-l.sessions:
			sessBuf = append(sessBuf, row)
			if len(sessBuf) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever arrived before shutdown, then flush once.
			for {
				select {
				case ev := <-l.pageViews:
					pvBuf = append(pvBuf, ev)
				case ev := <-l.forms:
					formBuf = append(formBuf, ev)
				case row := <-l.sessions:
					sessBuf = append(sessBuf, row)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *EventLog) insertPageViews(events []models.PageViewEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch, err := l.db.Conn.PrepareBatch(ctx, `
		INSERT INTO page_view_events (
			event_id, session_id, visitor_id, path, title, timestamp
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare page view batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(ev.EventID, ev.SessionID, ev.VisitorID, ev.Path, ev.Title, ev.Timestamp); err != nil {
			l.log.Warn("failed to append page view to batch", zap.Error(err), zap.String("event_id", ev.EventID))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send page view batch: %w", err)
	}
	return nil
}

func (l *EventLog) insertFormSubmissions(events []models.FormSubmissionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch, err := l.db.Conn.PrepareBatch(ctx, `
		INSERT INTO form_submission_events (
			event_id, session_id, form_type, email, name, timestamp
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare form submission batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(ev.EventID, ev.SessionID, ev.FormType, ev.Email, ev.Name, ev.Timestamp); err != nil {
			l.log.Warn("failed to append form submission to batch", zap.Error(err), zap.String("event_id", ev.EventID))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send form submission batch: %w", err)
	}
	return nil
}

func (l *EventLog) insertSessions(rows []SessionRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	batch, err := l.db.Conn.PrepareBatch(ctx, `
		INSERT INTO sessions (
			session_id, visitor_id, ip_address, country, city, device, browser,
			email, name, exit_page, page_views, session_start, last_activity_at,
			ended_at, time_on_site_seconds, is_returning
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare session batch: %w", err)
	}

	for _, r := range rows {
		returning := uint8(0)
		if r.IsReturning {
			returning = 1
		}
		if err := batch.Append(
			r.SessionID, r.VisitorID, r.IPAddress, r.Country, r.City, r.Device, r.Browser,
			r.Email, r.Name, r.CurrentPage, uint32(r.PageViews), r.SessionStart, r.LastActivityAt,
			r.EndedAt, r.TimeOnSiteSeconds, returning,
		); err != nil {
			l.log.Warn("failed to append session row to batch", zap.Error(err), zap.String("session_id", r.SessionID))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send session batch: %w", err)
	}
	return nil
}

// PageViewsByVisitorSince returns the counted page views per visitor since
// the given time. The aggregation engine uses it to rebuild today's uniques
// and view total after a restart.
func (l *EventLog) PageViewsByVisitorSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := l.db.Conn.Query(ctx, `
		SELECT visitor_id, count() AS views
		FROM page_view_events
		WHERE timestamp >= ?
		GROUP BY visitor_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query page views by visitor: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var visitorID string
		var views uint64
		if err := rows.Scan(&visitorID, &views); err != nil {
			l.log.Warn("failed to scan page view rollup row", zap.Error(err))
			continue
		}
		out[visitorID] = int(views)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during page view rollup: %w", err)
	}
	return out, nil
}

// TopPagesSince returns per-path view counts since the given time, highest
// first, bounded by limit.
func (l *EventLog) TopPagesSince(ctx context.Context, since time.Time, limit int) (map[string]int, error) {
	rows, err := l.db.Conn.Query(ctx, `
		SELECT path, count() AS views
		FROM page_view_events
		WHERE timestamp >= ?
		GROUP BY path
		ORDER BY views DESC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top pages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var path string
		var views uint64
		if err := rows.Scan(&path, &views); err != nil {
			l.log.Warn("failed to scan top pages row", zap.Error(err))
			continue
		}
		out[path] = int(views)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during top pages query: %w", err)
	}
	return out, nil
}

// FormSubmissionsSince returns the number of form submissions logged since
// the given time.
func (l *EventLog) FormSubmissionsSince(ctx context.Context, since time.Time) (int, error) {
	var subs uint64
	row := l.db.Conn.QueryRow(ctx, `
		SELECT count()
		FROM form_submission_events
		WHERE timestamp >= ?
	`, since)
	if err := row.Scan(&subs); err != nil {
		return 0, fmt.Errorf("failed to query form submissions: %w", err)
	}
	return int(subs), nil
}

// SessionStatsSince summarizes sessions ended since the given time: summed
// time on site, new/returning split, and country/device breakdowns.
func (l *EventLog) SessionStatsSince(ctx context.Context, since time.Time) (totalTime int64, newVisitors, returningVisitors int, countries, devices map[string]int, err error) {
	var total int64
	var newCount, retCount uint64
	row := l.db.Conn.QueryRow(ctx, `
		SELECT sum(time_on_site_seconds),
		       uniqExactIf(visitor_id, is_returning = 0),
		       uniqExactIf(visitor_id, is_returning = 1)
		FROM sessions
		WHERE ended_at >= ?
	`, since)
	if err := row.Scan(&total, &newCount, &retCount); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("failed to query session stats: %w", err)
	}

	countries, err = l.groupSessionsSince(ctx, "country", since)
	if err != nil {
		return 0, 0, 0, nil, nil, err
	}
	devices, err = l.groupSessionsSince(ctx, "device", since)
	if err != nil {
		return 0, 0, 0, nil, nil, err
	}
	return total, int(newCount), int(retCount), countries, devices, nil
}

func (l *EventLog) groupSessionsSince(ctx context.Context, column string, since time.Time) (map[string]int, error) {
	query := fmt.Sprintf(`
		SELECT %s, count() AS sessions
		FROM sessions
		WHERE ended_at >= ?
		GROUP BY %s
	`, column, column)

	rows, err := l.db.Conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var count uint64
		if err := rows.Scan(&name, &count); err != nil {
			l.log.Warn("failed to scan session group row", zap.Error(err), zap.String("column", column))
			continue
		}
		out[name] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during sessions by %s query: %w", column, err)
	}
	return out, nil
}

// SessionsPage returns one keyset page of session history within [start,
// end), ordered by (ended_at, session_id). The export service walks pages
// with the returned cursor so large ranges never sit in memory at once.
func (l *EventLog) SessionsPage(ctx context.Context, start, end time.Time, after Cursor, limit int) ([]SessionRow, Cursor, error) {
	rows, err := l.db.Conn.Query(ctx, `
		SELECT session_id, visitor_id, ip_address, country, city, device, browser,
		       email, name, exit_page, page_views, session_start, last_activity_at,
		       ended_at, time_on_site_seconds, is_returning
		FROM sessions
		WHERE ended_at >= ? AND ended_at < ?
		  AND (ended_at, session_id) > (?, ?)
		ORDER BY ended_at ASC, session_id ASC
		LIMIT ?
	`, start, end, after.Time, after.ID, limit)
	if err != nil {
		return nil, after, fmt.Errorf("failed to query sessions page: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var pageViews uint32
		var returning uint8
		if err := rows.Scan(
			&r.SessionID, &r.VisitorID, &r.IPAddress, &r.Country, &r.City, &r.Device, &r.Browser,
			&r.Email, &r.Name, &r.CurrentPage, &pageViews, &r.SessionStart, &r.LastActivityAt,
			&r.EndedAt, &r.TimeOnSiteSeconds, &returning,
		); err != nil {
			return nil, after, fmt.Errorf("failed to scan sessions page row: %w", err)
		}
		r.PageViews = int(pageViews)
		r.IsReturning = returning == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("row error during sessions page query: %w", err)
	}

	next := after
	if len(out) > 0 {
		last := out[len(out)-1]
		next = Cursor{Time: last.EndedAt, ID: last.SessionID}
	}
	return out, next, nil
}

// PageViewsPage returns one keyset page of page-view events within [start,
// end), ordered by (timestamp, event_id).
func (l *EventLog) PageViewsPage(ctx context.Context, start, end time.Time, after Cursor, limit int) ([]models.PageViewEvent, Cursor, error) {
	rows, err := l.db.Conn.Query(ctx, `
		SELECT event_id, session_id, visitor_id, path, title, timestamp
		FROM page_view_events
		WHERE timestamp >= ? AND timestamp < ?
		  AND (timestamp, event_id) > (?, ?)
		ORDER BY timestamp ASC, event_id ASC
		LIMIT ?
	`, start, end, after.Time, after.ID, limit)
	if err != nil {
		return nil, after, fmt.Errorf("failed to query page views page: %w", err)
	}
	defer rows.Close()

	var out []models.PageViewEvent
	for rows.Next() {
		var ev models.PageViewEvent
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.VisitorID, &ev.Path, &ev.Title, &ev.Timestamp); err != nil {
			return nil, after, fmt.Errorf("failed to scan page views page row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("row error during page views page query: %w", err)
	}

	next := after
	if len(out) > 0 {
		last := out[len(out)-1]
		next = Cursor{Time: last.Timestamp, ID: last.EventID}
	}
	return out, next, nil
}
