package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"

	budgetdomain "github.com/smallbiznis/ledgerguard/internal/budget/domain"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

type reserveRequest struct {
	EstimateMicro int64 `json:"estimate_micro" binding:"required"`
}

func (s *Server) createReservation(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	reservation, err := s.budgetSvc.Reserve(c.Request.Context(), budgetdomain.ReserveRequest{
		AccountID:     account,
		EstimateMicro: micro.Amount(req.EstimateMicro),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reservation)
}

type finalizeRequest struct {
	FinalizationID string         `json:"finalization_id"`
	ReservationID  string         `json:"reservation_id"`
	FenceToken     int64          `json:"fence_token" binding:"required"`
	CostMicro      int64          `json:"cost_micro"`
	EstimateMicro  int64          `json:"estimate_micro"`
	AllowCap       bool           `json:"allow_cap"`
	Metadata       datatypes.JSON `json:"metadata"`
}

func (s *Server) finalizeUsage(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	// Callers without their own idempotency key get a server-minted one;
	// such a request is not retry-safe and the response echoes the id.
	if req.FinalizationID == "" {
		req.FinalizationID = ulid.Make().String()
	}

	result, err := s.budgetSvc.Finalize(c.Request.Context(), budgetdomain.FinalizeRequest{
		AccountID:      account,
		FinalizationID: req.FinalizationID,
		ReservationID:  req.ReservationID,
		FenceToken:     req.FenceToken,
		CostMicro:      micro.Amount(req.CostMicro),
		EstimateMicro:  micro.Amount(req.EstimateMicro),
		AllowCap:       req.AllowCap,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	switch result.State {
	case budgetdomain.StateStaleFence:
		status = http.StatusConflict
	case budgetdomain.StateBudgetExceeded:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{
		"finalization_id": req.FinalizationID,
		"result":          result,
	})
}

func (s *Server) getDailySpent(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	spent, err := s.budgetSvc.DailySpent(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":  account.String(),
		"spent_micro": spent.Int64(),
	})
}
