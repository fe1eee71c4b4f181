package server

import (
	"errors"
	"net/http"

	"github.com/fluxori/creditcore/internal/maintenance"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	"github.com/fluxori/creditcore/internal/producer"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	"github.com/fluxori/creditcore/internal/ratelimit"
	researchdomain "github.com/fluxori/creditcore/internal/research/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/fluxori/creditcore/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// errorRule maps every error matching one of its sentinels to a status.
// Rules are checked in order; exposed rules echo the error text.
type errorRule struct {
	status  int
	kind    string
	message string
	expose  bool
	targets []error
}

var errorRules = []errorRule{
	{status: http.StatusBadRequest, kind: "validation_error", message: "validation error", targets: []error{
		ErrInvalidRequest,
		researchdomain.ErrInvalidRequest,
		queuedomain.ErrInvalidRequest,
		pricingdomain.ErrInvalidItemCount,
		pricingdomain.ErrInvalidMarketplaces,
		pricingdomain.ErrInvalidCacheFraction,
		pricingdomain.ErrUnknownAddOn,
		pricingdomain.ErrUnknownOperation,
		resultcachedomain.ErrInvalidSubject,
		resultcachedomain.ErrInvalidScope,
		resultcachedomain.ErrInvalidResult,
		producer.ErrInvalidBatch,
		pagination.ErrInvalidPageToken,
	}},
	{status: http.StatusUnauthorized, kind: "unauthorized", message: "unauthorized", targets: []error{ErrUnauthorized}},
	{status: http.StatusPaymentRequired, kind: "insufficient_credit", expose: true, targets: []error{researchdomain.ErrInsufficientCredit}},
	{status: http.StatusNotFound, kind: "not_found", message: "not found", targets: []error{
		queuedomain.ErrRequestNotFound,
		maintenance.ErrUnknownJob,
		gorm.ErrRecordNotFound,
	}},
	{status: http.StatusConflict, kind: "conflict", expose: true, targets: []error{
		queuedomain.ErrInvalidTransition,
		queuedomain.ErrRequestFinished,
		ratelimit.ErrSubmissionInFlight,
	}},
	{status: http.StatusTooManyRequests, kind: "rate_limited", expose: true, targets: []error{ratelimit.ErrRateLimited}},
	{status: http.StatusServiceUnavailable, kind: "service_unavailable", message: "service unavailable", targets: []error{
		researchdomain.ErrMarketplaceUnavailable,
		producer.ErrUnavailable,
	}},
}

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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	internal := errorPayload{Type: "internal_error", Message: "internal server error"}
	if err == nil {
		return http.StatusInternalServerError, internal
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}

	// retries exhausted on a contended row; the caller may try again
	var exhausted *txn.ExhaustedError
	if errors.As(err, &exhausted) {
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "resource busy, retry later"}
	}

	for _, rule := range errorRules {
		if !rule.matches(err) {
			continue
		}
		payload := errorPayload{Type: rule.kind, Message: rule.message, Details: errorDetails(err)}
		if rule.expose {
			payload.Message = err.Error()
		}
		if rule.kind == "validation_error" {
			payload.Errors = []ValidationError{{Field: "request", Code: err.Error(), Message: "invalid value"}}
		}
		return rule.status, payload
	}
	return http.StatusInternalServerError, internal
}

func (r errorRule) matches(err error) bool {
	for _, target := range r.targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// errorDetails lifts the structured fields of typed domain errors into the body.
func errorDetails(err error) map[string]any {
	var credit *researchdomain.InsufficientCreditError
	if errors.As(err, &credit) {
		return map[string]any{"available": credit.Available, "required": credit.Required}
	}
	var unavailable *researchdomain.UnavailableError
	if errors.As(err, &unavailable) {
		return map[string]any{"marketplaces": unavailable.Marketplaces}
	}
	return nil
}
