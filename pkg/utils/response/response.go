// Package response provides the unified API envelope used by the HTTP handlers.
package response

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// Response is the unified API response structure.
type Response struct {
	// Code is the business error code (0 = success).
	Code int `json:"code"`
	// Message is a human-readable message in the caller's language.
	Message string `json:"message"`
	// Data contains the response payload.
	Data any `json:"data,omitempty"`
	// RequestID echoes the request identifier for tracing.
	RequestID string `json:"request_id,omitempty"`
	// Timestamp is the response timestamp (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// Success creates a successful response with data.
func Success(data any) *Response {
	return &Response{Code: 0, Message: "success", Data: data}
}

// Err creates an error response from an Errno, localized to lang.
func Err(e *errors.Errno, lang string) *Response {
	if e == nil {
		return Success(nil)
	}
	return &Response{Code: e.Code, Message: e.Message(lang)}
}

// HTTPStatus maps a business code to an HTTP status.
func HTTPStatus(code int) int {
	if code == 0 {
		return http.StatusOK
	}
	if e, ok := errors.Lookup(code); ok {
		return e.HTTPStatus()
	}
	switch _, category, _ := errors.ParseCode(code); category {
	case errors.CategoryRequest:
		return http.StatusBadRequest
	case errors.CategoryResource:
		return http.StatusNotFound
	case errors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Language picks the response language from Accept-Language: de, zh or en.
func Language(c *gin.Context) string {
	accept := strings.ToLower(c.GetHeader("Accept-Language"))
	switch {
	case strings.HasPrefix(accept, "de"):
		return "de"
	case strings.HasPrefix(accept, "zh"):
		return "zh"
	default:
		return "en"
	}
}

// Write sends r with the given HTTP status, stamping request id and time.
func Write(c *gin.Context, status int, r *Response) {
	r.RequestID = c.GetString(RequestIDKey)
	r.Timestamp = time.Now().UnixMilli()
	c.JSON(status, r)
}

// OK sends a successful response.
func OK(c *gin.Context, data any) {
	Write(c, http.StatusOK, Success(data))
}

// Fail sends an error response for e in the caller's language.
func Fail(c *gin.Context, e *errors.Errno) {
	Write(c, e.HTTPStatus(), Err(e, Language(c)))
}

// FailWithData sends an error response that still carries a payload.
func FailWithData(c *gin.Context, code int, message string, data any) {
	Write(c, HTTPStatus(code), &Response{Code: code, Message: message, Data: data})
}
