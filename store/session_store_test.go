package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/api/models"
)

var testStart = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func newTestSession(sessionID, visitorID string, start time.Time) models.VisitorSession {
	return models.VisitorSession{
		SessionID:      sessionID,
		VisitorID:      visitorID,
		Country:        "Germany",
		Device:         "Desktop",
		SessionStart:   start,
		LastActivityAt: start,
		IsActive:       true,
	}
}

func TestGetOrCreateForVisitorReusesActiveSession(t *testing.T) {
	s := NewSessionStore()

	e1, created := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})
	require.True(t, created)

	e2, created := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		t.Fatal("create must not be called when a live session exists")
		return models.VisitorSession{}
	})
	assert.False(t, created)
	assert.Same(t, e1, e2)
}

func TestGetOrCreateForVisitorReplacesEndedSession(t *testing.T) {
	s := NewSessionStore()

	e1, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})
	_, ended := e1.End()
	require.True(t, ended)

	e2, created := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s2", "v1", testStart.Add(time.Hour))
	})
	assert.True(t, created)
	assert.Equal(t, "s2", e2.Snapshot().SessionID)
}

func TestRecordPageViewDebounceCollapsesDuplicates(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})

	_, counted, err := e.RecordPageView("/contact", "Contact", testStart, time.Second)
	require.NoError(t, err)
	assert.True(t, counted)

	// Same path 200ms later, as a React re-render would produce.
	snap, counted, err := e.RecordPageView("/contact", "Contact", testStart.Add(200*time.Millisecond), time.Second)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, 1, snap.PageViews)
	assert.Equal(t, testStart.Add(200*time.Millisecond), snap.LastActivityAt)

	// A different path inside the window still counts.
	snap, counted, err = e.RecordPageView("/pricing", "Pricing", testStart.Add(400*time.Millisecond), time.Second)
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, 2, snap.PageViews)

	// Same path again after the window expires counts too.
	snap, counted, err = e.RecordPageView("/pricing", "Pricing", testStart.Add(2*time.Second), time.Second)
	require.NoError(t, err)
	assert.True(t, counted)
	assert.Equal(t, 3, snap.PageViews)
}

func TestHeartbeatUpdatesActivityOnly(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})
	_, _, err := e.RecordPageView("/home", "Home", testStart, time.Second)
	require.NoError(t, err)

	require.NoError(t, e.Heartbeat(testStart.Add(2*time.Minute)))

	snap := e.Snapshot()
	assert.Equal(t, 1, snap.PageViews)
	assert.Equal(t, "/home", snap.CurrentPage)
	assert.Equal(t, testStart.Add(2*time.Minute), snap.LastActivityAt)
	assert.True(t, !snap.LastActivityAt.Before(snap.SessionStart))
}

func TestEndIfIdleFinalizesAndFreezes(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})
	_, _, err := e.RecordPageView("/home", "Home", testStart, time.Second)
	require.NoError(t, err)
	require.NoError(t, e.Heartbeat(testStart.Add(120*time.Second)))

	// Sweep within the timeout is a no-op.
	_, ended := e.EndIfIdle(testStart.Add(150*time.Second), 5*time.Minute)
	assert.False(t, ended)

	snap, ended := e.EndIfIdle(testStart.Add(421*time.Second), 5*time.Minute)
	require.True(t, ended)
	assert.False(t, snap.IsActive)
	assert.Equal(t, int64(120), snap.TimeOnSiteSeconds)

	// Ended sessions never mutate again.
	assert.ErrorIs(t, e.Heartbeat(testStart.Add(500*time.Second)), ErrSessionEnded)
	_, _, err = e.RecordPageView("/pricing", "", testStart.Add(500*time.Second), time.Second)
	assert.ErrorIs(t, err, ErrSessionEnded)
	_, err = e.MergeLead("a@b.com", "")
	assert.ErrorIs(t, err, ErrSessionEnded)

	_, ended = e.EndIfIdle(testStart.Add(600*time.Second), 5*time.Minute)
	assert.False(t, ended)
	assert.Equal(t, int64(120), e.Snapshot().TimeOnSiteSeconds)
}

func TestEndIfIdleHeartbeatWinsRace(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})

	// The sweeper picked this entry as a candidate from a stale snapshot,
	// but a heartbeat lands before it acquires the row lock.
	require.NoError(t, e.Heartbeat(testStart.Add(419*time.Second)))

	_, ended := e.EndIfIdle(testStart.Add(420*time.Second), 5*time.Minute)
	assert.False(t, ended)
	assert.True(t, e.Alive())
}

func TestMergeLeadNeverCleared(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})

	snap, err := e.MergeLead("a@b.com", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", snap.Email)
	assert.Equal(t, "Ada", snap.Name)

	snap, err = e.MergeLead("", "")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", snap.Email)
	assert.Equal(t, "Ada", snap.Name)
}

func TestRemoveClearsVisitorIndex(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})
	e.End()
	s.Remove("s1")

	_, ok := s.Get("s1")
	assert.False(t, ok)
	_, ok = s.ActiveByVisitor("v1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.LiveCount())
}

func TestActiveReturnsOnlyLiveSessions(t *testing.T) {
	s := NewSessionStore()
	for _, id := range []string{"a", "b", "c"} {
		sid := "s-" + id
		s.GetOrCreateForVisitor(id, func() models.VisitorSession {
			return newTestSession(sid, id, testStart)
		})
	}
	e, _ := s.Get("s-b")
	e.End()

	active := s.Active()
	assert.Len(t, active, 2)
	assert.Equal(t, 2, s.LiveCount())
	for _, snap := range active {
		assert.True(t, snap.IsActive)
		assert.NotEqual(t, "s-b", snap.SessionID)
	}
}

func TestConcurrentHeartbeatsAndSweeps(t *testing.T) {
	s := NewSessionStore()
	e, _ := s.GetOrCreateForVisitor("v1", func() models.VisitorSession {
		return newTestSession("s1", "v1", testStart)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		offset := time.Duration(i) * time.Second
		go func() {
			defer wg.Done()
			_ = e.Heartbeat(testStart.Add(offset))
		}()
		go func() {
			defer wg.Done()
			e.EndIfIdle(testStart.Add(offset), time.Hour)
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.True(t, snap.IsActive)
	assert.True(t, !snap.LastActivityAt.Before(snap.SessionStart))
}
