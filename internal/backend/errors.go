package backend

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	ErrInvalidCredentials = errors.New("backend: invalid or missing credentials")
	ErrAuthRejected       = errors.New("backend: authentication rejected")
	ErrNotFound           = errors.New("backend: not found")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeNotFound       = "E_NOT_FOUND"
	CodeUnknownError   = "E_UNKNOWN_ERR"
)

// APIError represents a remote API error with a coarse error code.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// NewAPIError builds an APIError from an HTTP status code and message.
func NewAPIError(status int, message string) *APIError {
	var code string
	switch status {
	case 400:
		code = CodeInvalidRequest
	case 401, 403:
		code = CodeAccessDenied
	case 404:
		code = CodeNotFound
	case 429:
		code = CodeRateLimited
	case 500, 502, 503, 504:
		code = CodeInternalError
	default:
		code = CodeUnknownError
	}
	return &APIError{Code: code, Message: message, Status: status}
}

// HandleAPIError handles the common "transport error vs API error state"
// pattern for req responses.
func HandleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s: %w", operation, requestErr)
	}

	// got a response, but the api returned an error
	if resp.IsErrorState() {
		return fmt.Errorf("%s: %w", operation, NewAPIError(resp.GetStatusCode(), resp.String()))
	}

	return nil
}
