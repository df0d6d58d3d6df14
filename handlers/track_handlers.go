package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitepulse/api/models"
	"sitepulse/api/tracker"
)

// TrackHandlers is the ingest surface called by visiting browsers. Nothing
// here ever surfaces an error to the visitor: malformed payloads are
// dropped with a logged warning and a success status, because tracking must
// fail silently from the end user's perspective.
type TrackHandlers struct {
	Tracker *tracker.Tracker
	Log     *zap.Logger
}

func NewTrackHandlers(t *tracker.Tracker, log *zap.Logger) *TrackHandlers {
	return &TrackHandlers{Tracker: t, Log: log}
}

type pageViewRequest struct {
	VisitorID string           `json:"visitorId"`
	Path      string           `json:"path"`
	Title     string           `json:"title"`
	Lead      *models.LeadInfo `json:"leadInfo,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type formRequest struct {
	SessionID string           `json:"sessionId"`
	FormType  string           `json:"formType"`
	Lead      *models.LeadInfo `json:"leadInfo,omitempty"`
}

// TrackPageView records a navigation and returns the session ID the client
// should use for its heartbeat timer.
func (h *TrackHandlers) TrackPageView(c *gin.Context) {
	var req pageViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Log.Warn("dropping malformed page view payload", zap.Error(err))
		c.Status(http.StatusNoContent)
		return
	}
	if req.VisitorID == "" {
		h.Log.Warn("dropping page view without visitor id", zap.String("path", req.Path))
		c.Status(http.StatusNoContent)
		return
	}
	if req.Path == "" {
		req.Path = "/"
	}

	sessionID, err := h.Tracker.RecordPageView(c.Request.Context(), tracker.PageViewInput{
		VisitorID: req.VisitorID,
		Path:      req.Path,
		Title:     req.Title,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Lead:      req.Lead,
	})
	if err != nil {
		h.Log.Error("failed to record page view", zap.Error(err), zap.String("visitor_id", req.VisitorID))
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID})
}

// Heartbeat keeps a session counted as live while the visitor stays on one
// page. Unknown sessions are ignored.
func (h *TrackHandlers) Heartbeat(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.Status(http.StatusNoContent)
		return
	}
	h.Tracker.Heartbeat(req.SessionID)
	c.Status(http.StatusNoContent)
}

// TrackFormSubmission logs a form submission and enriches the session with
// the lead identity it carried.
func (h *TrackHandlers) TrackFormSubmission(c *gin.Context) {
	var req formRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		h.Log.Warn("dropping malformed form submission payload")
		c.Status(http.StatusNoContent)
		return
	}
	h.Tracker.RecordFormSubmission(req.SessionID, req.FormType, req.Lead)
	c.Status(http.StatusNoContent)
}

// EndSession handles an explicit tab-close signal where the browser manages
// to send one.
func (h *TrackHandlers) EndSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.Status(http.StatusNoContent)
		return
	}
	h.Tracker.EndSession(req.SessionID)
	c.Status(http.StatusNoContent)
}
