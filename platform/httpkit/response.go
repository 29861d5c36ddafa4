// Package httpkit holds the gin plumbing shared by the worker and API
// control surfaces.
package httpkit

import (
	"errors"
	"net/http"

	"nald_import/platform/apperr"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx answer. RequestID matches the
// X-Request-ID header so an operator can find the request in the logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// OK sends a 200 OK response with the given payload.
func OK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// Accepted answers a trigger that handed work to the queue.
func Accepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}

// Error aborts the request with the given status and message.
func Error(c *gin.Context, status int, message string, details any) {
	abort(c, status, ErrorResponse{Error: message, Details: details})
}

// HandleError answers err and reports whether there was one. Errors carrying
// an *apperr.Error are answered with their kind and message; anything else
// is recorded on the gin context and answered as a bare 500.
func HandleError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}

	var domainErr *apperr.Error
	if errors.As(err, &domainErr) {
		abort(c, domainErr.HTTPStatus(), ErrorResponse{
			Error:   domainErr.Message,
			Kind:    domainErr.Kind.String(),
			Details: domainErr.Details,
		})
		return true
	}

	_ = c.Error(err)
	abort(c, http.StatusInternalServerError, ErrorResponse{
		Error: "internal error",
		Kind:  apperr.KindInternal.String(),
	})
	return true
}

func abort(c *gin.Context, status int, body ErrorResponse) {
	body.RequestID = c.Writer.Header().Get(HeaderRequestID)
	c.AbortWithStatusJSON(status, body)
}
