package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) getConservation(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.guardSvc.CheckConservation(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	halted, err := s.guardSvc.IsHalted(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
		"halted": halted,
	})
}

func (s *Server) clearHalt(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.guardSvc.ClearHalt(c.Request.Context(), account); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": account.String(),
		"halted":     false,
	})
}

func (s *Server) reconcileAccount(c *gin.Context) {
	account, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// resync=true snaps the cache to the durable total instead of the
	// incremental cursor replay.
	if c.Query("resync") == "true" {
		total, err := s.reconcileSvc.Resync(c.Request.Context(), account)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"account_id":      account.String(),
			"committed_micro": total.Int64(),
			"resynced":        true,
		})
		return
	}

	result, err := s.reconcileSvc.RunAccount(c.Request.Context(), account)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) reconcileAll(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	results, err := s.reconcileSvc.Run(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": results})
}
