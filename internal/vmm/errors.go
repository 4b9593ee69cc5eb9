package vmm

import (
	"fmt"
	"strings"
)

// ControlAPIError means the hypervisor answered a control request with a
// status other than 200 or 204.
type ControlAPIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ControlAPIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("control API %s %s failed with status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("control API %s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// StepError records which startup step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
