package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunBilling triggers one billing cycle on demand. The run shares the
// distributed guard with the background loop, so a manual trigger during a
// scheduled pass fails fast instead of double-charging.
func (s *Server) RunBilling(c *gin.Context) {
	report, err := s.scheduler.RunBillingCycle(c.Request.Context())
	if err != nil {
		s.log.Warn("manual billing run failed",
			zap.String("run_id", report.RunID),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
