package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	budgetdomain "github.com/smallbiznis/ledgerguard/internal/budget/domain"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credit",
			Message: "insufficient prepaid credit",
		}
	case errors.Is(err, budgetdomain.ErrBudgetExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "budget_exceeded",
			Message: "daily spending cap exceeded",
		}
	case errors.Is(err, budgetdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "reservation rate limit exceeded",
		}
	case errors.Is(err, guarddomain.ErrStaleFence):
		return http.StatusConflict, errorPayload{
			Type:    "stale_fence",
			Message: "fence token superseded, re-reserve and retry",
		}
	case errors.Is(err, guarddomain.ErrConservationHalted):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "conservation_halted",
			Message: "account halted pending reconciliation",
		}
	case errors.Is(err, guarddomain.ErrHaltStillDrifting):
		return http.StatusConflict, errorPayload{
			Type:    "halt_still_drifting",
			Message: "drift persists, resync before clearing the halt",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, budgetdomain.ErrUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSource),
		errors.Is(err, ledgerdomain.ErrInvalidReference),
		errors.Is(err, budgetdomain.ErrInvalidAccount),
		errors.Is(err, budgetdomain.ErrInvalidEstimate),
		errors.Is(err, budgetdomain.ErrInvalidCost),
		errors.Is(err, budgetdomain.ErrInvalidFinalizationID),
		errors.Is(err, guarddomain.ErrInvalidAccount),
		errors.Is(err, guarddomain.ErrInvalidFenceToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrLotNotFound),
		errors.Is(err, guarddomain.ErrHaltNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
