package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitepulse/api/export"
	"sitepulse/api/utils"
)

type ExportHandlers struct {
	Exporter *export.Exporter
	Log      *zap.Logger
}

func NewExportHandlers(e *export.Exporter, log *zap.Logger) *ExportHandlers {
	return &ExportHandlers{Exporter: e, Log: log}
}

// Export streams session/event history as a file download. format is csv
// (dataset=sessions|pageviews) or excel (one workbook, both sheets). The
// stream stops as soon as the client aborts the request.
func (h *ExportHandlers) Export(c *gin.Context) {
	startDay, endDay, err := utils.ParseDateRange(c.Query("start"), c.Query("end"), time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, _ := utils.ParseDay(startDay)
	endExclusive, _ := utils.ParseDay(endDay)
	endExclusive = endExclusive.AddDate(0, 0, 1)

	ctx := c.Request.Context()

	switch c.DefaultQuery("format", "csv") {
	case "csv":
		filename := export.Filename("csv", time.Now())
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

		if c.DefaultQuery("dataset", "sessions") == "pageviews" {
			err = h.Exporter.WritePageViewsCSV(ctx, c.Writer, start, endExclusive)
		} else {
			err = h.Exporter.WriteSessionsCSV(ctx, c.Writer, start, endExclusive)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			h.Log.Error("csv export failed", zap.Error(err))
			// A 200 and part of the body are already on the wire, so the
			// only honest signal left is a broken connection: hijack and
			// close so the client's read errors instead of yielding a
			// truncated file that parses cleanly.
			if conn, _, hijackErr := c.Writer.Hijack(); hijackErr == nil {
				conn.Close()
				return
			}
			panic(http.ErrAbortHandler)
		}

	case "excel":
		filename := export.Filename("xlsx", time.Now())
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

		// The workbook is assembled before any byte reaches the wire, so
		// failures here can still produce a proper error response.
		if err := h.Exporter.WriteWorkbook(ctx, c.Writer, start, endExclusive); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.Log.Error("excel export failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed, please retry"})
		}

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be csv or excel"})
	}
}
