package models

import "time"

// VisitorSession represents one continuous visit by a single browser tab.
// The session store owns all mutation; once IsActive flips to false the
// record is immutable.
type VisitorSession struct {
	SessionID string `json:"sessionId"`
	// VisitorID is the stable cookie-backed identity that may span many
	// sessions over time; it is what repeat-visit classification keys on.
	VisitorID string `json:"visitorId"`

	IPAddress string `json:"ipAddress"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Device    string `json:"device"`
	Browser   string `json:"browser"`

	// Lead identity, populated only when the visitor submits a form.
	// Once set these are never cleared for the life of the session.
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`

	CurrentPage    string    `json:"currentPage"`
	PageTitle      string    `json:"pageTitle"`
	PageViews      int       `json:"pageViews"`
	SessionStart   time.Time `json:"sessionStart"`
	LastActivityAt time.Time `json:"lastActivityAt"`

	// TimeOnSiteSeconds is zero while the session is active and is
	// finalized to lastActivityAt - sessionStart when it ends, so the
	// idle gap between last activity and the sweep never counts.
	TimeOnSiteSeconds int64 `json:"timeOnSiteSeconds"`

	IsActive    bool `json:"isActive"`
	IsReturning bool `json:"isReturning"`
}

// TimeOnSite reports the session duration: the finalized value for ended
// sessions, the running value relative to now for active ones.
func (s *VisitorSession) TimeOnSite(now time.Time) int64 {
	if !s.IsActive {
		return s.TimeOnSiteSeconds
	}
	return int64(now.Sub(s.SessionStart).Seconds())
}

// IsIdle reports whether the session has gone without activity longer than
// timeout as of now.
func (s *VisitorSession) IsIdle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}
