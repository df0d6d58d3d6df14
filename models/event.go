package models

import "time"

// PageViewEvent is an append-only record of a counted page view, keyed by
// session and timestamp. Rows are never mutated or deleted.
type PageViewEvent struct {
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId"`
	VisitorID string    `json:"visitorId"`
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// FormSubmissionEvent records a form submitted during a session. It feeds
// the daily leads counter and triggers identity enrichment on the session.
type FormSubmissionEvent struct {
	EventID   string    `json:"eventId"`
	SessionID string    `json:"sessionId"`
	FormType  string    `json:"formType"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LeadInfo is the optional identity payload a form submission carries.
type LeadInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}
