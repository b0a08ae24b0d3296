package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/smallbiznis/recoup/internal/dunning/runner"
	gatewaydomain "github.com/smallbiznis/recoup/internal/gateway/domain"
)

// ErrNotFound hides resources that must not leak their existence.
var ErrNotFound = errors.New("not_found")

// apiError is the wire shape every non-2xx response carries.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return e.Message }

func newValidationError(field, code, message string) error {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    code,
		Field:   field,
		Message: message,
	}
}

func invalidRequestError() error {
	return &apiError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: "invalid request body",
	}
}

// AbortWithError translates domain errors into HTTP responses. Wrong-state
// rejections from the dunning state machine map to 409 so webhook senders do
// not retry them; unknown errors stay opaque 500s.
func AbortWithError(c *gin.Context, err error) {
	var api *apiError
	if errors.As(err, &api) {
		c.AbortWithStatusJSON(api.Status, gin.H{"error": api})
		return
	}

	switch {
	case errors.Is(err, ErrNotFound), dunningdomain.NotFoundError(err):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    "not_found",
			"message": "resource not found",
		}})
	case dunningdomain.ValidationError(err):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": gin.H{
			"code":    err.Error(),
			"message": "operation not valid in current state",
		}})
	case errors.Is(err, runner.ErrRunInProgress):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": gin.H{
			"code":    "run_in_progress",
			"message": "a retry batch is already running",
		}})
	case errors.Is(err, gatewaydomain.ErrProviderNotFound):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": gin.H{
			"code":    "gateway_unavailable",
			"message": "payment gateway not configured",
		}})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		}})
	}
}
