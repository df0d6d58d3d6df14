// Package export materializes session and page-view history as CSV or
// Excel downloads. It pages over the event log with a keyset cursor so
// large ranges never sit in memory, and stops producing rows as soon as the
// client goes away.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"sitepulse/api/models"
	"sitepulse/api/store"
)

// SchemaVersion names the output schema. Columns are append-only: new ones
// go to the end so existing consumers keep working, and a reordering bumps
// the version.
const SchemaVersion = 1

const pageSize = 500

// HistorySource pages over exported history, ordered by a stable keyset.
type HistorySource interface {
	SessionsPage(ctx context.Context, start, end time.Time, after store.Cursor, limit int) ([]store.SessionRow, store.Cursor, error)
	PageViewsPage(ctx context.Context, start, end time.Time, after store.Cursor, limit int) ([]models.PageViewEvent, store.Cursor, error)
}

var sessionHeader = []string{
	"session_id", "visitor_id", "session_start", "ended_at", "last_activity_at",
	"time_on_site_seconds", "page_views", "country", "city", "device", "browser",
	"exit_page", "email", "name", "is_returning",
}

var pageViewHeader = []string{
	"event_id", "session_id", "visitor_id", "path", "title", "timestamp",
}

type Exporter struct {
	source HistorySource
	log    *zap.Logger
}

func New(source HistorySource, log *zap.Logger) *Exporter {
	return &Exporter{source: source, log: log}
}

// Filename names a download by export date and schema version.
func Filename(ext string, now time.Time) string {
	return fmt.Sprintf("visitor-analytics-v%d-%s.%s", SchemaVersion, now.Format("2006-01-02"), ext)
}

// WriteSessionsCSV streams the session history for [start, end) as CSV. An
// empty range still yields a correctly headered file.
func (e *Exporter) WriteSessionsCSV(ctx context.Context, w io.Writer, start, end time.Time) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(sessionHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	err := e.eachSession(ctx, start, end, func(r store.SessionRow) error {
		return cw.Write(sessionRecord(r))
	})
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// WritePageViewsCSV streams the page-view history for [start, end) as CSV.
func (e *Exporter) WritePageViewsCSV(ctx context.Context, w io.Writer, start, end time.Time) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pageViewHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	var cursor store.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, next, err := e.source.PageViewsPage(ctx, start, end, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			record := []string{
				ev.EventID, ev.SessionID, ev.VisitorID, ev.Path, ev.Title,
				ev.Timestamp.UTC().Format(time.RFC3339),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("failed to write page view row: %w", err)
			}
		}
		if len(events) < pageSize {
			break
		}
		cursor = next
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// WriteWorkbook builds an xlsx workbook with a Sessions and a Page Views
// sheet for [start, end) and writes it to w. The workbook is assembled via
// stream writers and only written out once complete, so a mid-export
// failure never produces a partial file.
func (e *Exporter) WriteWorkbook(ctx context.Context, w io.Writer, start, end time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", "Sessions"); err != nil {
		return fmt.Errorf("failed to name sessions sheet: %w", err)
	}
	if _, err := f.NewSheet("Page Views"); err != nil {
		return fmt.Errorf("failed to create page views sheet: %w", err)
	}

	if err := e.writeSessionsSheet(ctx, f, start, end); err != nil {
		return err
	}
	if err := e.writePageViewsSheet(ctx, f, start, end); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func (e *Exporter) writeSessionsSheet(ctx context.Context, f *excelize.File, start, end time.Time) error {
	sw, err := f.NewStreamWriter("Sessions")
	if err != nil {
		return fmt.Errorf("failed to open sessions stream writer: %w", err)
	}

	row := 1
	if err := sw.SetRow(fmt.Sprintf("A%d", row), toCells(sessionHeader)); err != nil {
		return fmt.Errorf("failed to write sessions header: %w", err)
	}

	err = e.eachSession(ctx, start, end, func(r store.SessionRow) error {
		row++
		return sw.SetRow(fmt.Sprintf("A%d", row), toCells(sessionRecord(r)))
	})
	if err != nil {
		return err
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sessions sheet: %w", err)
	}
	return nil
}

func (e *Exporter) writePageViewsSheet(ctx context.Context, f *excelize.File, start, end time.Time) error {
	sw, err := f.NewStreamWriter("Page Views")
	if err != nil {
		return fmt.Errorf("failed to open page views stream writer: %w", err)
	}

	row := 1
	if err := sw.SetRow(fmt.Sprintf("A%d", row), toCells(pageViewHeader)); err != nil {
		return fmt.Errorf("failed to write page views header: %w", err)
	}

	var cursor store.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, next, err := e.source.PageViewsPage(ctx, start, end, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			row++
			record := []string{
				ev.EventID, ev.SessionID, ev.VisitorID, ev.Path, ev.Title,
				ev.Timestamp.UTC().Format(time.RFC3339),
			}
			if err := sw.SetRow(fmt.Sprintf("A%d", row), toCells(record)); err != nil {
				return fmt.Errorf("failed to write page view row: %w", err)
			}
		}
		if len(events) < pageSize {
			break
		}
		cursor = next
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush page views sheet: %w", err)
	}
	return nil
}

// eachSession walks the session history page by page, checking for client
// cancellation between pages.
func (e *Exporter) eachSession(ctx context.Context, start, end time.Time, fn func(store.SessionRow) error) error {
	var cursor store.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, next, err := e.source.SessionsPage(ctx, start, end, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := fn(r); err != nil {
				return fmt.Errorf("failed to write session row: %w", err)
			}
		}
		if len(rows) < pageSize {
			return nil
		}
		cursor = next
	}
}

func sessionRecord(r store.SessionRow) []string {
	return []string{
		r.SessionID,
		r.VisitorID,
		r.SessionStart.UTC().Format(time.RFC3339),
		r.EndedAt.UTC().Format(time.RFC3339),
		r.LastActivityAt.UTC().Format(time.RFC3339),
		strconv.FormatInt(r.TimeOnSiteSeconds, 10),
		strconv.Itoa(r.PageViews),
		r.Country,
		r.City,
		r.Device,
		r.Browser,
		r.CurrentPage,
		r.Email,
		r.Name,
		strconv.FormatBool(r.IsReturning),
	}
}

func toCells(record []string) []interface{} {
	cells := make([]interface{}, len(record))
	for i, v := range record {
		cells[i] = v
	}
	return cells
}
