package client

import (
	"fmt"

	"github.com/loykin/xcubelab/internal/labinfo"
	"github.com/loykin/xcubelab/internal/process"
)

// ProcessState is the server process snapshot reported by the lab-side API.
type ProcessState = process.State

// LabInfo is what the lab reports about itself.
type LabInfo = labinfo.LabInfo

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NetworkError means no HTTP response was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ResponseError is a response with a non-2xx status.
type ResponseError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.StatusCode, e.Message)
}
