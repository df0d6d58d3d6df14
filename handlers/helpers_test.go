package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitepulse/api/aggregator"
	"sitepulse/api/enrich"
	"sitepulse/api/models"
	"sitepulse/api/store"
	"sitepulse/api/tracker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSink struct {
	mu        sync.Mutex
	pageViews []models.PageViewEvent
	forms     []models.FormSubmissionEvent
	sessions  []store.SessionRow
}

func (f *fakeSink) AppendPageView(ev models.PageViewEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageViews = append(f.pageViews, ev)
}

func (f *fakeSink) AppendFormSubmission(ev models.FormSubmissionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = append(f.forms, ev)
}

func (f *fakeSink) AppendSession(row store.SessionRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, row)
}

type fakeDaily struct {
	frozen []models.DailyAggregate
}

func (f *fakeDaily) Save(context.Context, models.DailyAggregate) error { return nil }
func (f *fakeDaily) Range(_ context.Context, startDay, endDay string) ([]models.DailyAggregate, error) {
	var out []models.DailyAggregate
	for _, d := range f.frozen {
		if d.Day >= startDay && d.Day <= endDay {
			out = append(out, d)
		}
	}
	return out, nil
}

type apiHarness struct {
	router   *gin.Engine
	sessions *store.SessionStore
	engine   *aggregator.Engine
	sink     *fakeSink
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	log := zap.NewNop()

	h := &apiHarness{
		sessions: store.NewSessionStore(),
		sink:     &fakeSink{},
	}
	registry := store.NewVisitorRegistryFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	h.engine = aggregator.NewEngine(h.sessions, &fakeDaily{}, 10, log)
	enricher, _ := enrich.New("does-not-exist.mmdb")
	tr := tracker.New(h.sessions, registry, h.sink, h.engine, enricher, time.Second, log)

	track := NewTrackHandlers(tr, log)
	dashboard := NewDashboardHandlers(h.engine, log)

	h.router = gin.New()
	api := h.router.Group("/api")
	api.POST("/track", track.TrackPageView)
	api.POST("/track/heartbeat", track.Heartbeat)
	api.POST("/track/form", track.TrackFormSubmission)
	api.POST("/track/end", track.EndSession)
	api.GET("/stats/live", dashboard.GetLiveVisitors)
	api.GET("/stats/summary", dashboard.GetStatsSummary)
	api.GET("/stats/analytics", dashboard.GetAnalytics)
	return h
}

func (h *apiHarness) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}
