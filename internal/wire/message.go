// Package wire defines the messages exchanged between the host and the guest
// supervisor and the length-prefixed framing that carries them.
package wire

import "fmt"

// Status is the outcome of one code execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusFatal   Status = "fatal"
)

// ExecuteRequest asks the guest to run one code string.
type ExecuteRequest struct {
	Code string `json:"code"`
}

// ExecuteResponse is the result of one code execution. Output holds the
// combined captured stdout/stderr, plus trace text when Status is error.
type ExecuteResponse struct {
	Status Status `json:"status"`
	Output string `json:"output"`
}

// ErrorResponse builds a status=error response with a formatted message.
func ErrorResponse(format string, args ...any) ExecuteResponse {
	return ExecuteResponse{Status: StatusError, Output: fmt.Sprintf(format, args...)}
}

// FatalResponse builds a status=fatal response.
func FatalResponse(format string, args ...any) ExecuteResponse {
	return ExecuteResponse{Status: StatusFatal, Output: fmt.Sprintf(format, args...)}
}

// OK reports whether the execution completed normally.
func (r ExecuteResponse) OK() bool {
	return r.Status == StatusSuccess
}
