package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitepulse/api/aggregator"
	"sitepulse/api/utils"
)

// DashboardHandlers serves the operator dashboard's three read shapes. All
// three are pure functions of current store state; errors come back as JSON
// the dashboard turns into its retry banner.
type DashboardHandlers struct {
	Engine *aggregator.Engine
	Log    *zap.Logger
}

func NewDashboardHandlers(engine *aggregator.Engine, log *zap.Logger) *DashboardHandlers {
	return &DashboardHandlers{Engine: engine, Log: log}
}

// GetLiveVisitors returns active sessions, most recently active first,
// optionally filtered by the dashboard's search box.
func (h *DashboardHandlers) GetLiveVisitors(c *gin.Context) {
	now := time.Now()
	visitors := h.Engine.LiveVisitors(c.Query("search"))
	for i := range visitors {
		visitors[i].TimeOnSiteSeconds = visitors[i].TimeOnSite(now)
	}
	c.JSON(http.StatusOK, gin.H{
		"visitors": visitors,
		"count":    len(visitors),
	})
}

// GetStatsSummary returns the five headline counters.
func (h *DashboardHandlers) GetStatsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.Summary())
}

// GetAnalytics returns merged daily aggregates for an optional date range,
// defaulting to all available history. Days are YYYY-MM-DD.
func (h *DashboardHandlers) GetAnalytics(c *gin.Context) {
	startDay, endDay, err := utils.ParseDateRange(c.Query("start"), c.Query("end"), time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	report, err := h.Engine.Analytics(ctx, startDay, endDay)
	if err != nil {
		h.Log.Error("failed to build analytics report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve analytics"})
		return
	}

	c.JSON(http.StatusOK, report)
}
