package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	limitsdomain "github.com/smallbiznis/focusgate/internal/limits/domain"
	paymentdomain "github.com/smallbiznis/focusgate/internal/payment/domain"
	policydomain "github.com/smallbiznis/focusgate/internal/policy/domain"
	refunddomain "github.com/smallbiznis/focusgate/internal/refund/domain"
	unlockdomain "github.com/smallbiznis/focusgate/internal/unlock/domain"
	usagedomain "github.com/smallbiznis/focusgate/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
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
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, unlockdomain.ErrChargeDeclined):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "charge_declined",
			Message: "payment declined",
		}
	case errors.Is(err, unlockdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many unlock attempts",
		}
	case errors.Is(err, blockerdomain.ErrEvaluationInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "evaluation_in_flight",
			Message: "an evaluation for this user is already running",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Message: "webhook rejected",
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
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
		errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidApp),
		errors.Is(err, usagedomain.ErrInvalidDay),
		errors.Is(err, usagedomain.ErrInvalidMinutes),
		errors.Is(err, usagedomain.ErrInvalidRange),
		errors.Is(err, limitsdomain.ErrInvalidUser),
		errors.Is(err, limitsdomain.ErrUnknownApp),
		errors.Is(err, limitsdomain.ErrInvalidLimit),
		errors.Is(err, limitsdomain.ErrInvalidAmount),
		errors.Is(err, policydomain.ErrInvalidUser),
		errors.Is(err, blockerdomain.ErrInvalidUser),
		errors.Is(err, blockerdomain.ErrUnknownApp),
		errors.Is(err, blockerdomain.ErrInvalidDuration),
		errors.Is(err, unlockdomain.ErrInvalidRequest),
		errors.Is(err, unlockdomain.ErrInvalidUser),
		errors.Is(err, unlockdomain.ErrUnknownApp),
		errors.Is(err, refunddomain.ErrInvalidIntent),
		errors.Is(err, refunddomain.ErrInvalidAmount):
		return true
	default:
		return false
	}
}
