package store

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"sitepulse/api/models"
)

// ErrSessionEnded is returned by mutating Entry methods once a session has
// been finalized. Ended sessions never mutate again.
var ErrSessionEnded = errors.New("session has ended")

const shardCount = 64

// SessionStore is the in-memory table of live sessions: a sharded keyed
// arena with row-level locks, plus an index of the active session per
// visitor. No operation holds a cross-session lock while mutating a row.
type SessionStore struct {
	shards   [shardCount]*sessionShard
	visitors [shardCount]*visitorShard
}

type sessionShard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

type visitorShard struct {
	mu     sync.Mutex
	active map[string]string // visitorID -> sessionID
}

// Entry is one session row. Its mutex guards both the session record and
// the debounce fingerprint; every mutation re-checks IsActive under the
// lock, so decisions taken from a stale snapshot cannot clobber the row.
type Entry struct {
	mu      sync.Mutex
	session models.VisitorSession

	// Debounce fingerprint: path and time of the last counted page view.
	lastPath   string
	lastPathAt time.Time
}

func NewSessionStore() *SessionStore {
	s := &SessionStore{}
	for i := range s.shards {
		s.shards[i] = &sessionShard{entries: make(map[string]*Entry)}
	}
	for i := range s.visitors {
		s.visitors[i] = &visitorShard{active: make(map[string]string)}
	}
	return s
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (s *SessionStore) shardFor(sessionID string) *sessionShard {
	return s.shards[shardIndex(sessionID)]
}

func (s *SessionStore) visitorShardFor(visitorID string) *visitorShard {
	return s.visitors[shardIndex(visitorID)]
}

// Get returns the entry for sessionID if it is still in the arena.
func (s *SessionStore) Get(sessionID string) (*Entry, bool) {
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	e, ok := sh.entries[sessionID]
	sh.mu.RUnlock()
	return e, ok
}

// ActiveByVisitor returns the entry currently indexed for visitorID. The
// entry may have ended between the index read and the caller's use; callers
// must handle ErrSessionEnded from the subsequent mutation.
func (s *SessionStore) ActiveByVisitor(visitorID string) (*Entry, bool) {
	vs := s.visitorShardFor(visitorID)
	vs.mu.Lock()
	sid, ok := vs.active[visitorID]
	vs.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(sid)
}

// GetOrCreateForVisitor returns the visitor's live session, creating one
// from the create callback when none exists or the indexed one has ended.
// Creation is atomic per visitor, so two concurrent page views from the
// same browser cannot open duplicate sessions.
func (s *SessionStore) GetOrCreateForVisitor(visitorID string, create func() models.VisitorSession) (*Entry, bool) {
	vs := s.visitorShardFor(visitorID)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if sid, ok := vs.active[visitorID]; ok {
		if e, found := s.Get(sid); found && e.Alive() {
			return e, false
		}
		delete(vs.active, visitorID)
	}

	sess := create()
	e := &Entry{session: sess}
	sh := s.shardFor(sess.SessionID)
	sh.mu.Lock()
	sh.entries[sess.SessionID] = e
	sh.mu.Unlock()
	vs.active[visitorID] = sess.SessionID
	return e, true
}

// Remove drops an ended session from the arena and clears the visitor index
// if it still points at it.
func (s *SessionStore) Remove(sessionID string) {
	e, ok := s.Get(sessionID)
	if !ok {
		return
	}
	snap := e.Snapshot()

	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	delete(sh.entries, sessionID)
	sh.mu.Unlock()

	vs := s.visitorShardFor(snap.VisitorID)
	vs.mu.Lock()
	if vs.active[snap.VisitorID] == sessionID {
		delete(vs.active, snap.VisitorID)
	}
	vs.mu.Unlock()
}

// Active returns copies of every active session.
func (s *SessionStore) Active() []models.VisitorSession {
	var out []models.VisitorSession
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*Entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for _, e := range entries {
			snap := e.Snapshot()
			if snap.IsActive {
				out = append(out, snap)
			}
		}
	}
	return out
}

// Entries returns every entry in the arena, for the sweeper's candidate scan.
func (s *SessionStore) Entries() []*Entry {
	var out []*Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out
}

// LiveCount reports the number of active sessions.
func (s *SessionStore) LiveCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.Alive() {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of the session record.
func (e *Entry) Snapshot() models.VisitorSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Alive reports whether the session is still active.
func (e *Entry) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.IsActive
}

// RecordPageView applies a navigation to the session: current page, title
// and activity time always update; the view counter increments only when
// the event is not a duplicate of the last counted view within the debounce
// window. The returned bool reports whether the view was counted.
func (e *Entry) RecordPageView(path, title string, now time.Time, debounce time.Duration) (models.VisitorSession, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return e.session, false, ErrSessionEnded
	}

	e.session.CurrentPage = path
	e.session.PageTitle = title
	e.session.LastActivityAt = now

	duplicate := path == e.lastPath && now.Sub(e.lastPathAt) < debounce
	if duplicate {
		return e.session, false, nil
	}

	e.session.PageViews++
	e.lastPath = path
	e.lastPathAt = now
	return e.session, true, nil
}

// Heartbeat refreshes the activity timestamp only.
func (e *Entry) Heartbeat(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return ErrSessionEnded
	}
	e.session.LastActivityAt = now
	return nil
}

// MergeLead sets the identity fields a form submission carried. Fields are
// only ever set, never cleared.
func (e *Entry) MergeLead(email, name string) (models.VisitorSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return e.session, ErrSessionEnded
	}
	if email != "" {
		e.session.Email = email
	}
	if name != "" {
		e.session.Name = name
	}
	return e.session, nil
}

// End finalizes the session explicitly. Time on site is measured to the
// last observed activity, not to the end signal's arrival.
func (e *Entry) End() (models.VisitorSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return e.session, false
	}
	e.finalizeLocked()
	return e.session, true
}

// EndIfIdle finalizes the session only if it is still idle past timeout at
// the moment the row lock is held. A heartbeat that slipped in after the
// sweeper picked its candidates makes this a no-op.
func (e *Entry) EndIfIdle(now time.Time, timeout time.Duration) (models.VisitorSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return e.session, false
	}
	if !e.session.IsIdle(now, timeout) {
		return e.session, false
	}
	e.finalizeLocked()
	return e.session, true
}

func (e *Entry) finalizeLocked() {
	e.session.IsActive = false
	e.session.TimeOnSiteSeconds = int64(e.session.LastActivityAt.Sub(e.session.SessionStart).Seconds())
}
