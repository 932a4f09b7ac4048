package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
)

// GetCredits returns the caller's credit account. Reading the account also
// grants any monthly allocation that has come due, so a user who never gets
// picked up by the billing cycle still receives their plan credits.
func (s *Server) GetCredits(c *gin.Context) {
	userID := userIDFrom(c)

	account, err := s.creditsSvc.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, allocated, err := s.creditsSvc.AllocateMonthlyIfDue(c.Request.Context(), userID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if allocated {
		s.log.Info("monthly allocation granted on read",
			zap.String("user_id", userID),
			zap.Int64("balance", account.CurrentBalance),
		)
	}

	c.JSON(http.StatusOK, account)
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	userID := userIDFrom(c)

	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer"))
		return
	}

	resp, err := s.creditsSvc.ListTransactions(c.Request.Context(), creditsdomain.ListTransactionsRequest{
		UserID: userID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type topUpRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) TopUpCredits(c *gin.Context) {
	userID := userIDFrom(c)

	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	description := req.Description
	if description == "" {
		description = "Credit top-up"
	}

	account, err := s.creditsSvc.Add(c.Request.Context(), creditsdomain.AddRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Type:        creditsdomain.TransactionTypePurchase,
		Description: description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

type setPlanRequest struct {
	PlanID string `json:"planId"`
}

func (s *Server) SetPlan(c *gin.Context) {
	userID := userIDFrom(c)

	var req setPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.creditsSvc.SetPlan(c.Request.Context(), userID, req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
