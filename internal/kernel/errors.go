package kernel

import "fmt"

// ExitError is the interrupt value raised when script code calls one of the
// exit primitives. It never terminates the kernel process.
type ExitError struct {
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("kernel: script requested exit with code %d", e.Code)
}
