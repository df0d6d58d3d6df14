// Package tracker implements the ingest side of visitor tracking: it owns
// the session lifecycle operations and fans every accepted event out to the
// event log and the aggregation engine.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitepulse/api/aggregator"
	"sitepulse/api/enrich"
	"sitepulse/api/models"
	"sitepulse/api/store"
	"sitepulse/api/utils"
)

// EventSink is the append-only log the tracker writes to.
type EventSink interface {
	AppendPageView(models.PageViewEvent)
	AppendFormSubmission(models.FormSubmissionEvent)
	AppendSession(store.SessionRow)
}

// VisitorClassifier resolves a visitor's first-seen timestamp.
type VisitorClassifier interface {
	FirstSeen(ctx context.Context, visitorID string, now time.Time) (time.Time, bool, error)
}

// PageViewInput is a normalized ingest payload.
type PageViewInput struct {
	VisitorID string
	Path      string
	Title     string
	IPAddress string
	UserAgent string
	Lead      *models.LeadInfo
}

type Tracker struct {
	sessions *store.SessionStore
	visitors VisitorClassifier
	events   EventSink
	agg      *aggregator.Engine
	enricher *enrich.Enricher
	log      *zap.Logger
	debounce time.Duration
	now      func() time.Time
}

func New(sessions *store.SessionStore, visitors VisitorClassifier, events EventSink, agg *aggregator.Engine, enricher *enrich.Enricher, debounce time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{
		sessions: sessions,
		visitors: visitors,
		events:   events,
		agg:      agg,
		enricher: enricher,
		log:      log,
		debounce: debounce,
		now:      time.Now,
	}
}

// RecordPageView applies a navigation event. When the visitor has no live
// session one is created, including when the event references a session
// that has already ended: identity is re-derived from the visitorId, never
// treated as an error that drops data.
func (t *Tracker) RecordPageView(ctx context.Context, in PageViewInput) (string, error) {
	now := t.now()

	var (
		snap     models.VisitorSession
		counted  bool
		started  bool
		resolved bool
	)

	// Two attempts: the indexed session can end between lookup and lock.
	for attempt := 0; attempt < 2 && !resolved; attempt++ {
		entry, ok := t.sessions.ActiveByVisitor(in.VisitorID)
		if ok {
			var err error
			snap, counted, err = entry.RecordPageView(in.Path, in.Title, now, t.debounce)
			if err == nil {
				resolved = true
				break
			}
			if !errors.Is(err, store.ErrSessionEnded) {
				return "", err
			}
			// Fall through to creation.
		}

		isNew := t.classify(ctx, in.VisitorID, now)
		country, city := t.enricher.Location(in.IPAddress)
		device, browser := enrich.Device(in.UserAgent)

		entry, created := t.sessions.GetOrCreateForVisitor(in.VisitorID, func() models.VisitorSession {
			return models.VisitorSession{
				SessionID:      uuid.New().String(),
				VisitorID:      in.VisitorID,
				IPAddress:      in.IPAddress,
				Country:        country,
				City:           city,
				Device:         device,
				Browser:        browser,
				SessionStart:   now,
				LastActivityAt: now,
				IsActive:       true,
				IsReturning:    !isNew,
			}
		})

		var err error
		snap, counted, err = entry.RecordPageView(in.Path, in.Title, now, t.debounce)
		if err != nil {
			// The freshly resolved session ended underneath us; retry once.
			continue
		}
		resolved = true
		started = created
	}

	// snap may still hold a session that ended mid-attempt; only a successful
	// RecordPageView makes it trustworthy.
	if !resolved {
		return "", errors.New("could not resolve a live session for visitor")
	}

	if in.Lead != nil {
		if entry, ok := t.sessions.Get(snap.SessionID); ok {
			if merged, err := entry.MergeLead(in.Lead.Email, in.Lead.Name); err == nil {
				snap = merged
			}
		}
	}

	if started {
		t.agg.OnSessionStarted(now, snap.Country, snap.Device)
	}
	if counted {
		t.events.AppendPageView(models.PageViewEvent{
			EventID:   uuid.New().String(),
			SessionID: snap.SessionID,
			VisitorID: snap.VisitorID,
			Path:      in.Path,
			Title:     in.Title,
			Timestamp: now,
		})
	}
	isNewToday := !snap.IsReturning && utils.DayKey(snap.SessionStart) == utils.DayKey(now)
	t.agg.OnPageView(now, snap.VisitorID, isNewToday, counted, in.Path)

	return snap.SessionID, nil
}

// classify resolves new-vs-returning: a visitor is new only on the day
// their first session ever was observed. Registry failures degrade to
// "returning" rather than blocking ingest.
func (t *Tracker) classify(ctx context.Context, visitorID string, now time.Time) bool {
	firstSeen, _, err := t.visitors.FirstSeen(ctx, visitorID, now)
	if err != nil {
		t.log.Warn("visitor classification failed, assuming returning", zap.Error(err), zap.String("visitor_id", visitorID))
		return false
	}
	return utils.DayKey(firstSeen) == utils.DayKey(now)
}

// Heartbeat refreshes a session's activity timestamp. Unknown or ended
// sessions are ignored: a heartbeat carries no visitor identity to rebuild
// from, and tracking must fail silently.
func (t *Tracker) Heartbeat(sessionID string) {
	entry, ok := t.sessions.Get(sessionID)
	if !ok {
		return
	}
	if err := entry.Heartbeat(t.now()); err != nil {
		t.log.Debug("heartbeat for ended session ignored", zap.String("session_id", sessionID))
	}
}

// RecordFormSubmission logs the submission, enriches the owning session's
// identity fields, and bumps today's lead counters.
func (t *Tracker) RecordFormSubmission(sessionID, formType string, lead *models.LeadInfo) {
	now := t.now()

	entry, ok := t.sessions.Get(sessionID)
	if !ok {
		t.log.Warn("form submission for unknown session dropped", zap.String("session_id", sessionID))
		return
	}

	var email, name string
	if lead != nil {
		email, name = lead.Email, lead.Name
	}
	if _, err := entry.MergeLead(email, name); err != nil {
		t.log.Warn("form submission for ended session dropped", zap.String("session_id", sessionID))
		return
	}

	t.events.AppendFormSubmission(models.FormSubmissionEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		FormType:  formType,
		Email:     email,
		Name:      name,
		Timestamp: now,
	})
	t.agg.OnFormSubmission(now)
}

// EndSession finalizes a session on an explicit end signal. Unknown session
// IDs are ignored; most sessions end via the sweeper instead.
func (t *Tracker) EndSession(sessionID string) {
	entry, ok := t.sessions.Get(sessionID)
	if !ok {
		return
	}
	snap, ended := entry.End()
	if !ended {
		return
	}
	t.Finalize(snap, t.now())
}

// Finalize moves an ended session out of the live store, appends its
// history row, and folds its duration into today's rollup. The sweeper
// shares this path.
func (t *Tracker) Finalize(snap models.VisitorSession, endedAt time.Time) {
	t.sessions.Remove(snap.SessionID)
	t.events.AppendSession(store.SessionRow{VisitorSession: snap, EndedAt: endedAt})
	t.agg.OnSessionEnded(endedAt, snap.TimeOnSiteSeconds)
}
