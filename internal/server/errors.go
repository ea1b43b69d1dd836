package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	pricingdomain "github.com/meterflowlabs/meterflow/internal/pricing/domain"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"github.com/oklog/ulid/v2"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad_request")
)

type validationError struct {
	Field  string `json:"field"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (e *validationError) Error() string { return e.Code + ": " + e.Detail }

func newValidationError(field, code, detail string) error {
	return &validationError{Field: field, Code: code, Detail: detail}
}

// AbortWithError maps domain errors onto HTTP status codes and a JSON
// error envelope. Unclassified errors become a 500 with a correlation
// id; the raw message is never leaked to the client.
func AbortWithError(c *gin.Context, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":   ve.Code,
			"field":  ve.Field,
			"detail": ve.Detail,
		}})
		return
	}

	var insufficient *gatewaydomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": gin.H{
			"code":              "insufficient_balance",
			"remaining_balance": insufficient.Remaining,
		}})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, workspacedomain.ErrInvalidType),
		errors.Is(err, workspacedomain.ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, workspacedomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrWorkspaceNotFound),
		errors.Is(err, providerdomain.ErrProviderNotFound),
		errors.Is(err, pricingdomain.ErrServiceNotPriced):
		status = http.StatusNotFound
	case errors.Is(err, workspacedomain.ErrSuspended),
		errors.Is(err, providerdomain.ErrProviderDisabled):
		status = http.StatusForbidden
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance),
		errors.Is(err, gatewaydomain.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, usagedomain.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, gatewaydomain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, providerdomain.ErrProviderTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, providerdomain.ErrProviderAuth),
		errors.Is(err, providerdomain.ErrProvider):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		correlationID := ulid.Make().String()
		c.Error(err) //nolint:errcheck
		c.AbortWithStatusJSON(status, gin.H{"error": gin.H{
			"code":           "internal_error",
			"correlation_id": correlationID,
		}})
		return
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": err.Error()}})
}
