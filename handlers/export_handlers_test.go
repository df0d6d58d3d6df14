package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitepulse/api/export"
	"sitepulse/api/models"
	"sitepulse/api/store"
)

type fakeHistory struct {
	sessions  []store.SessionRow
	pageViews []models.PageViewEvent
}

func (f *fakeHistory) SessionsPage(_ context.Context, _, _ time.Time, _ store.Cursor, limit int) ([]store.SessionRow, store.Cursor, error) {
	end := limit
	if end > len(f.sessions) {
		end = len(f.sessions)
	}
	return f.sessions[:end], store.Cursor{}, nil
}

func (f *fakeHistory) PageViewsPage(_ context.Context, _, _ time.Time, _ store.Cursor, limit int) ([]models.PageViewEvent, store.Cursor, error) {
	end := limit
	if end > len(f.pageViews) {
		end = len(f.pageViews)
	}
	return f.pageViews[:end], store.Cursor{}, nil
}

func newExportRouter(history export.HistorySource) *gin.Engine {
	log := zap.NewNop()
	h := NewExportHandlers(export.New(history, log), log)
	router := gin.New()
	router.GET("/api/stats/export", h.Export)
	return router
}

func TestExportSessionsCSV(t *testing.T) {
	endedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	router := newExportRouter(&fakeHistory{sessions: []store.SessionRow{{
		VisitorSession: models.VisitorSession{
			SessionID:         "s1",
			VisitorID:         "v1",
			Country:           "Germany",
			PageViews:         3,
			SessionStart:      endedAt.Add(-5 * time.Minute),
			LastActivityAt:    endedAt,
			TimeOnSiteSeconds: 300,
		},
		EndedAt: endedAt,
	}}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export?format=csv", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "session_id", records[0][0])
	assert.Equal(t, "s1", records[1][0])
}

func TestExportPageViewsCSV(t *testing.T) {
	router := newExportRouter(&fakeHistory{pageViews: []models.PageViewEvent{{
		EventID:   "e1",
		SessionID: "s1",
		VisitorID: "v1",
		Path:      "/home",
		Timestamp: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export?format=csv&dataset=pageviews", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "event_id", records[0][0])
	assert.Equal(t, "/home", records[1][3])
}

func TestExportEmptyRangeStillHeadered(t *testing.T) {
	router := newExportRouter(&fakeHistory{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestExportExcelWorkbook(t *testing.T) {
	router := newExportRouter(&fakeHistory{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export?format=excel", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.NotZero(t, w.Body.Len())
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	router := newExportRouter(&fakeHistory{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export?format=pdf", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// failingHistory serves one full page and then loses its backend, the shape
// of a ClickHouse outage in the middle of a large export.
type failingHistory struct {
	calls int
}

func (f *failingHistory) SessionsPage(_ context.Context, _, _ time.Time, _ store.Cursor, limit int) ([]store.SessionRow, store.Cursor, error) {
	f.calls++
	if f.calls > 1 {
		return nil, store.Cursor{}, errors.New("event log unavailable")
	}
	endedAt := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	rows := make([]store.SessionRow, limit)
	for i := range rows {
		rows[i] = store.SessionRow{
			VisitorSession: models.VisitorSession{
				SessionID:      fmt.Sprintf("s%d", i),
				VisitorID:      "v1",
				SessionStart:   endedAt.Add(-time.Minute),
				LastActivityAt: endedAt,
			},
			EndedAt: endedAt,
		}
	}
	return rows, store.Cursor{Time: endedAt, ID: rows[len(rows)-1].SessionID}, nil
}

func (f *failingHistory) PageViewsPage(context.Context, time.Time, time.Time, store.Cursor, int) ([]models.PageViewEvent, store.Cursor, error) {
	return nil, store.Cursor{}, nil
}

func TestExportCSVMidStreamFailureBreaksDownload(t *testing.T) {
	srv := httptest.NewServer(newExportRouter(&failingHistory{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stats/export?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Headers were already flushed when the backend died, so the status is
	// a 200; the body read is where the failure must surface.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err, "a truncated export must not read as a complete file")
}

func TestExportRejectsInvertedRange(t *testing.T) {
	router := newExportRouter(&fakeHistory{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats/export?start=2025-06-02&end=2025-06-01", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
