package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListUsage(c *gin.Context) {
	records, err := s.usageSvc.ListByUser(c.Request.Context(), userIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var totalCredits int64
	var totalCostUSD float64
	for _, r := range records {
		totalCredits += r.CreditsCharged
		totalCostUSD += r.CloudCostUSD
	}

	c.JSON(http.StatusOK, gin.H{
		"usage":         records,
		"total_credits": totalCredits,
		"total_cost":    totalCostUSD,
	})
}
