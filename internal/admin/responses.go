package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentguard/internal/coordinator"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

// statusClientClosedRequest is the de facto status for a caller that went away
const statusClientClosedRequest = 499

// APIResponse represents a standard admin API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError is the public face of a ClassifiedError. Causes never leave the process.
type APIError struct {
	Code      string            `json:"code"`
	Kind      errors.Kind       `json:"kind"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response based on the error kind
func ErrorResponseFromError(c *gin.Context, err error) {
	classified := errors.Classify(err)
	c.JSON(StatusFor(classified), APIResponse{
		Success: false,
		Error: &APIError{
			Code:      classified.Code,
			Kind:      classified.Kind,
			Message:   classified.Message,
			Retryable: classified.Retryable,
			Details:   classified.Details,
		},
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponseFromError(c, errors.NewValidationError(message))
}

// StatusFor maps a classified failure to an HTTP status
func StatusFor(err *errors.ClassifiedError) int {
	if err == nil {
		return http.StatusOK
	}
	if err.Code == errors.CodeExecutionCancelled {
		return statusClientClosedRequest
	}

	switch err.Kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindAuth:
		return http.StatusUnauthorized
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindRateLimit:
		return http.StatusTooManyRequests
	case errors.KindBreakerOpen, errors.KindDatabase:
		return http.StatusServiceUnavailable
	case errors.KindExternalService:
		return http.StatusBadGateway
	case errors.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ExecutionResponse writes an execution result. Rejections carry Retry-After
// and the X-RateLimit headers of the binding rule.
func ExecutionResponse(c *gin.Context, result *coordinator.ExecutionResult) {
	now := time.Now()
	if d := result.RateLimit; d != nil && !d.Degraded && d.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if wait := coordinator.RetryAfter(result, now); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait/time.Second)))
	}

	status := http.StatusOK
	if !result.Succeeded() {
		status = StatusFor(result.Error)
	}

	c.JSON(status, APIResponse{
		Success:   result.Succeeded(),
		Data:      result,
		RequestID: requestID(c),
		Timestamp: now,
	})
}
