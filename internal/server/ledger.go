package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

func parseAccountID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param("account_id"))
	if err != nil || id == 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}

type mintLotRequest struct {
	Source      string     `json:"source" binding:"required"`
	AmountMicro int64      `json:"amount_micro" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (s *Server) mintLot(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req mintLotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	lot, err := s.ledgerSvc.MintLot(c.Request.Context(), ledgerdomain.MintLotRequest{
		AccountID:   account,
		Source:      ledgerdomain.LotSource(req.Source),
		AmountMicro: micro.Amount(req.AmountMicro),
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, lot)
}

func (s *Server) listLots(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	lots, err := s.ledgerSvc.ListLots(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lots": lots})
}

func (s *Server) getBalance(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":    account.String(),
		"balance_micro": balance.Int64(),
	})
}
